package timeline

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	jsoniter "github.com/json-iterator/go"
)

var baseTime = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func event(seq int64, body calls.EventBody) calls.TimelineEvent {
	return calls.TimelineEvent{
		Seq:       seq,
		CallID:    "scheduledCall-001",
		ActorID:   "H1",
		Timestamp: baseTime.Add(time.Duration(seq) * time.Second),
		Body:      body,
	}
}

func TestAggregatorPreservesReceivedOrder(t *testing.T) {
	aggregator := New()
	aggregator.Apply(event(3, calls.ChatMessage{Author: "P2", Body: "third", Scope: calls.Everyone()}))
	aggregator.Apply(event(1, calls.ChatMessage{Author: "H1", Body: "first", Scope: calls.Everyone()}))
	aggregator.Apply(event(2, calls.SharedResource{Type: "payment", URL: "https://pay.example/x", Title: "Payment Link", SharedBy: "H1"}))

	chat := aggregator.Chat()
	if len(chat) != 2 || chat[0].Seq != 3 || chat[1].Seq != 1 {
		t.Fatalf("expected chat in received order, got %+v", chat)
	}
	lines := aggregator.Lines()
	if len(lines) != 3 || lines[2].Kind != calls.KindResource {
		t.Fatalf("unexpected lines %+v", lines)
	}
	if aggregator.LastSeq() != 3 {
		t.Fatalf("expected last seq 3, got %d", aggregator.LastSeq())
	}
}

func TestAggregatorIgnoresRedelivery(t *testing.T) {
	aggregator := New()
	resource := event(4, calls.SharedResource{Type: "payment", URL: "https://pay.example/x", Title: "Payment Link", SharedBy: "H1"})
	if !aggregator.Apply(resource) {
		t.Fatalf("expected first delivery to apply")
	}
	if aggregator.Apply(resource) {
		t.Fatalf("expected redelivery to be ignored")
	}
	applied := aggregator.ApplyAll([]calls.TimelineEvent{resource, event(5, calls.LeadStatusChange{Status: "qualified"})})
	if applied != 1 {
		t.Fatalf("expected one new event from batch, got %d", applied)
	}
	if len(aggregator.Resources()) != 1 || len(aggregator.Lines()) != 2 {
		t.Fatalf("expected a single resource entry, got %+v", aggregator.Lines())
	}
	if aggregator.LeadStatus() != "qualified" {
		t.Fatalf("expected lead status to follow events, got %q", aggregator.LeadStatus())
	}
}

func TestAggregatorRendersUnknownKinds(t *testing.T) {
	aggregator := New()
	aggregator.Apply(event(1, calls.UnknownBody{Type: "poll", Raw: jsoniter.RawMessage(`{"question":"ready?"}`)}))
	lines := aggregator.Lines()
	if len(lines) != 1 || !lines[0].Fallback || lines[0].Kind != "poll" {
		t.Fatalf("expected a fallback line, got %+v", lines)
	}
	if lines[0].Text != "poll event" {
		t.Fatalf("unexpected fallback text %q", lines[0].Text)
	}
}

func TestAggregatorTracksStatusAndPermissions(t *testing.T) {
	aggregator := New()
	aggregator.ApplyAll([]calls.TimelineEvent{
		event(1, calls.StatusChange{From: calls.StatusScheduled, To: calls.StatusOngoing}),
		event(2, calls.PermissionGrant{Grantee: "P2", Capability: "camera", Granted: true}),
	})
	if aggregator.Status() != calls.StatusOngoing {
		t.Fatalf("expected ONGOING, got %s", aggregator.Status())
	}
	permissions := aggregator.Permissions()
	if len(permissions) != 1 {
		t.Fatalf("expected one permission grant, got %d", len(permissions))
	}
	if text := Render(permissions[0]).Text; text != "camera granted for P2" {
		t.Fatalf("unexpected permission text %q", text)
	}
}

func TestRenderScopedChat(t *testing.T) {
	line := Render(event(1, calls.ChatMessage{
		Author: "H1",
		Body:   "psst",
		Scope:  calls.RecipientScope{Kind: calls.ScopeParticipant, UserID: "P2"},
	}))
	if line.Text != "H1 to P2: psst" || line.Fallback {
		t.Fatalf("unexpected line %+v", line)
	}
}
