package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Reminder is the data rendered into a notification.
type Reminder struct {
	Description string
	DueDate     time.Time
	Payload     []byte // todo payload as stored (jsonb), may be nil
}

// Payload holds the optional structured fields of a todo.
type Payload struct {
	Tags     []string
	Priority string
	Notes    string
}

// ParsePayload decodes the free-form todo payload. Malformed or non-object
// JSON yields an empty Payload; unknown keys are ignored.
func ParsePayload(raw []byte) Payload {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		// some producers store the object as a JSON string
		var s string
		if json.Unmarshal(raw, &s) != nil || json.Unmarshal([]byte(s), &m) != nil {
			return Payload{}
		}
	}

	var p Payload
	switch tags := m["tags"].(type) {
	case []any:
		for _, t := range tags {
			if v := scalar(t); v != "" {
				p.Tags = append(p.Tags, v)
			}
		}
	case string:
		if tags != "" {
			p.Tags = []string{tags}
		}
	}
	p.Priority = scalar(m["priority"])
	p.Notes = scalar(m["notes"])
	return p
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if !t {
			return ""
		}
		return "true"
	case float64:
		if t == 0 {
			return ""
		}
		return fmt.Sprint(t)
	default:
		return ""
	}
}

// FormatDue renders a due date as "YYYY-MM-DD HH:MM UTC".
func FormatDue(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04") + " UTC"
}

// Render builds the multi-line reminder text. Payload lines are omitted when
// the field is absent or empty.
func Render(r Reminder) string {
	p := ParsePayload(r.Payload)

	lines := []string{
		"📌 Todo Reminder",
		"• Description: " + r.Description,
		"• Due: " + FormatDue(r.DueDate),
	}
	if len(p.Tags) > 0 {
		lines = append(lines, "• Tags: "+strings.Join(p.Tags, ", "))
	}
	if p.Priority != "" {
		lines = append(lines, "• Priority: "+p.Priority)
	}
	if p.Notes != "" {
		lines = append(lines, "• Notes: "+p.Notes)
	}
	return strings.Join(lines, "\n")
}
