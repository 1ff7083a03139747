// Package notify sends pipeline notices (deliveries and escalated failures)
// to a chat platform. Notices are best-effort: a failed notification never
// fails a stage.
package notify

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// Color constants for notice severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Kind distinguishes notice types.
type Kind string

const (
	KindDelivered Kind = "delivered"
	KindFailed    Kind = "failed"
)

// Event is a pipeline notice.
type Event struct {
	Kind     Kind
	CardID   string
	CardName string
	Channel  string
	// RoleID is the Discord role to mention, if any.
	RoleID string
	Body   string
	Fields []Field
}

// Field is a key-value pair displayed with a notice.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// FormattedEvent is an Event rendered for display in chat.
type FormattedEvent struct {
	Title    string
	Body     string
	Severity string // "info", "warning", "error", "success"
	Color    string
	Fields   []Field
}

// Notifier delivers notices.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

// Nop discards every notice.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Format renders evt for chat.
func Format(evt Event) FormattedEvent {
	name := evt.CardName
	if name == "" {
		name = evt.CardID
	}
	var f FormattedEvent
	switch evt.Kind {
	case KindDelivered:
		f.Title = fmt.Sprintf("Snap delivered: %s", name)
		f.Severity = "success"
	case KindFailed:
		f.Title = fmt.Sprintf("Snap pipeline failed: %s", name)
		f.Severity = "error"
	default:
		f.Title = name
		f.Severity = "info"
	}
	f.Color = severityColor(f.Severity)
	f.Body = evt.Body
	if evt.Channel != "" {
		f.Fields = append(f.Fields, Field{Name: "Channel", Value: evt.Channel, Short: true})
	}
	if evt.CardID != "" {
		f.Fields = append(f.Fields, Field{Name: "Card", Value: evt.CardID, Short: true})
	}
	f.Fields = append(f.Fields, evt.Fields...)
	return f
}

func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// Command runs a shell command per notice. Placeholders {{.Title}},
// {{.Body}}, {{.Card}} and {{.Channel}} are substituted into the template.
type Command struct {
	Template string
}

// Notify runs the command. Output is logged on failure.
func (c Command) Notify(ctx context.Context, evt Event) error {
	if c.Template == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", templateEvent(c.Template, Format(evt), evt))
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Printf("notify: command failed: %v: %s", err, strings.TrimSpace(string(out)))
		return fmt.Errorf("notify: command: %w", err)
	}
	return nil
}

func templateEvent(command string, f FormattedEvent, evt Event) string {
	r := strings.NewReplacer(
		"{{.Title}}", f.Title,
		"{{.Body}}", f.Body,
		"{{.Card}}", evt.CardID,
		"{{.Channel}}", evt.Channel,
	)
	return r.Replace(command)
}
