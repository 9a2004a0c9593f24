package email

import (
	"encoding/json"
	"testing"

	"github.com/openobserve/swisspipe/workflow"
)

// Render expands env.* and event.* references across every templated
// field, and leaves an empty html body empty rather than erroring on a
// missing template (§4.10).
func TestRenderExpandsEnvAndEventReferences(t *testing.T) {
	env := map[string]string{"FROM": "alerts@example.com"}
	event := workflow.NewWorkflowEvent(json.RawMessage(`{"user":"ada"}`))
	cfg := workflow.EmailConfig{
		To:       []string{"ops@example.com"},
		Subject:  "Hello {{ event.Data.user }}",
		BodyText: "Sent from {{ env.FROM }}",
	}

	msg, err := Render(cfg, env, event)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if msg.Subject != "Hello ada" {
		t.Fatalf("unexpected subject: %q", msg.Subject)
	}
	if msg.BodyText != "Sent from alerts@example.com" {
		t.Fatalf("unexpected body: %q", msg.BodyText)
	}
	if msg.BodyHTML != "" {
		t.Fatalf("expected no html body when cfg.BodyHTML is empty, got %q", msg.BodyHTML)
	}
	if len(msg.To) != 1 || msg.To[0] != "ops@example.com" {
		t.Fatalf("expected To passed through unchanged, got %v", msg.To)
	}
}

// An undefined template reference fails the render rather than
// silently sending a half-formed message.
func TestRenderFailsOnUndefinedSubjectReference(t *testing.T) {
	cfg := workflow.EmailConfig{Subject: "{{ event.Data.missing }}"}
	if _, err := Render(cfg, map[string]string{}, workflow.NewWorkflowEvent(nil)); err == nil {
		t.Fatal("expected an error for an undefined event reference")
	}
}

// The html body is rendered too, independently of the text body.
func TestRenderExpandsHTMLBody(t *testing.T) {
	cfg := workflow.EmailConfig{
		Subject:  "s",
		BodyText: "t",
		BodyHTML: "<b>{{ env.NAME }}</b>",
	}
	msg, err := Render(cfg, map[string]string{"NAME": "world"}, workflow.NewWorkflowEvent(nil))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if msg.BodyHTML != "<b>world</b>" {
		t.Fatalf("unexpected html body: %q", msg.BodyHTML)
	}
}
