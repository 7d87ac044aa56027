package model

import "sort"

// Tool categories group tool names into coarse buckets for metrics labels
// and filter predicates.
const (
	CategoryBash        = "bash"
	CategoryFileRead    = "file_read"
	CategoryFileWrite   = "file_write"
	CategorySearch      = "search"
	CategoryAgent       = "agent"
	CategoryPlanning    = "planning"
	CategoryWeb         = "web"
	CategoryInteraction = "interaction"
	CategoryOther       = "other"
)

// toolCategories maps tool names to categories. Matching is case-sensitive.
var toolCategories = map[string]string{
	"Bash":            CategoryBash,
	"KillShell":       CategoryBash,
	"Read":            CategoryFileRead,
	"Write":           CategoryFileWrite,
	"Edit":            CategoryFileWrite,
	"NotebookEdit":    CategoryFileWrite,
	"Glob":            CategorySearch,
	"Grep":            CategorySearch,
	"Task":            CategoryAgent,
	"TaskOutput":      CategoryAgent,
	"TodoWrite":       CategoryPlanning,
	"EnterPlanMode":   CategoryPlanning,
	"ExitPlanMode":    CategoryPlanning,
	"WebFetch":        CategoryWeb,
	"WebSearch":       CategoryWeb,
	"AskUserQuestion": CategoryInteraction,
	"Skill":           CategoryOther,
}

// CategoryFor returns the category for a tool name. Unknown names map
// to "other".
func CategoryFor(name string) string {
	if cat, ok := toolCategories[name]; ok {
		return cat
	}
	return CategoryOther
}

// ValidCategory reports whether name is a known category value.
func ValidCategory(name string) bool {
	switch name {
	case CategoryBash, CategoryFileRead, CategoryFileWrite, CategorySearch,
		CategoryAgent, CategoryPlanning, CategoryWeb, CategoryInteraction,
		CategoryOther:
		return true
	}
	return false
}

// CategoryNames returns every category value, sorted.
func CategoryNames() []string {
	names := []string{
		CategoryBash, CategoryFileRead, CategoryFileWrite, CategorySearch,
		CategoryAgent, CategoryPlanning, CategoryWeb, CategoryInteraction,
		CategoryOther,
	}
	sort.Strings(names)
	return names
}
