// Package state persists tailer positions to a JSON file so a restarted
// watcher resumes where it left off instead of replaying transcripts.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sessionwatch/sessionwatch/internal/tailer"
)

// Version is the newest state file format this build understands.
const Version = 1

// ErrVersion is returned by Load when the file was written by a newer
// build. Callers typically log it and start fresh.
var ErrVersion = errors.New("state file version is newer than supported")

// File is the on-disk schema.
type File struct {
	Version   int               `json:"version"`
	Positions []tailer.Position `json:"positions"`
}

// Load reads saved positions from path. A missing file is not an error:
// it returns (nil, nil). Corrupt or incompatible files return an error
// so the caller can decide to start fresh.
func Load(path string) ([]tailer.Position, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	if f.Version > Version {
		return nil, fmt.Errorf("state file %s has version %d: %w", path, f.Version, ErrVersion)
	}
	return f.Positions, nil
}

// Save writes positions to path atomically: the file is written to
// path.tmp, synced, then renamed over the destination. Positions are
// sorted by path so successive saves diff cleanly.
func Save(path string, positions []tailer.Position) error {
	sorted := make([]tailer.Position, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write state file: %w", err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(File{Version: Version, Positions: sorted}); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync state file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// PruneStale drops positions whose file no longer exists or whose last
// recorded modification is older than maxAge. Entries without a recorded
// modification time are kept.
func PruneStale(positions []tailer.Position, maxAge time.Duration) []tailer.Position {
	cutoff := time.Now().Add(-maxAge)
	kept := positions[:0:0]
	for _, pos := range positions {
		if _, err := os.Stat(pos.Path); err != nil {
			continue
		}
		if pos.LastModifiedNS != 0 && time.Unix(0, pos.LastModifiedNS).Before(cutoff) {
			continue
		}
		kept = append(kept, pos)
	}
	return kept
}
