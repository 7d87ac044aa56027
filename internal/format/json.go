package format

import (
	"encoding/json"
	"fmt"

	"github.com/sessionwatch/sessionwatch/internal/event"
)

// JSON renders each event as its wire envelope, one object per line. The
// output matches what webhook deliveries carry.
type JSON struct{}

func (JSON) Format(ev event.Event) string {
	b, err := json.Marshal(ev)
	if err != nil {
		// Keep the stream parseable even when an event refuses to encode.
		return fmt.Sprintf(`{"event_type":"error","error_message":%q}`, "encode: "+err.Error())
	}
	return string(b)
}
