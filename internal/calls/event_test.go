package calls

import (
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
)

func TestTimelineEventRoundTripsChat(t *testing.T) {
	event := TimelineEvent{
		Seq:       3,
		CallID:    "call-1",
		ActorID:   "P2",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Body:      ChatMessage{Author: "P2", Body: "hello", Scope: Everyone()},
	}

	payload, err := jsoniter.Marshal(event)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(payload), `"kind":"chat"`) {
		t.Fatalf("expected kind tag in payload, got %s", payload)
	}

	var decoded TimelineEvent
	if err := jsoniter.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	chat, ok := decoded.Body.(ChatMessage)
	if !ok {
		t.Fatalf("expected chat body, got %T", decoded.Body)
	}
	if chat.Body != "hello" || decoded.Seq != 3 || !decoded.Timestamp.Equal(event.Timestamp) {
		t.Fatalf("unexpected decoded event %+v", decoded)
	}
}

func TestTimelineEventKeepsUnknownKinds(t *testing.T) {
	payload := []byte(`{"seq":9,"callId":"call-1","kind":"poll","actorId":"H1","timestamp":"2026-01-02T03:04:05Z","data":{"question":"ready?"}}`)

	var decoded TimelineEvent
	if err := jsoniter.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	unknown, ok := decoded.Body.(UnknownBody)
	if !ok {
		t.Fatalf("expected unknown body, got %T", decoded.Body)
	}
	if unknown.Kind() != "poll" {
		t.Fatalf("expected kind poll, got %s", unknown.Kind())
	}

	reencoded, err := jsoniter.Marshal(decoded)
	if err != nil {
		t.Fatalf("re-marshal failed: %v", err)
	}
	if !strings.Contains(string(reencoded), `"question":"ready?"`) {
		t.Fatalf("expected raw data to survive, got %s", reencoded)
	}
}

func TestVisibleToRestrictsScopedChat(t *testing.T) {
	event := TimelineEvent{
		ActorID: "H1",
		Body:    ChatMessage{Author: "H1", Body: "psst", Scope: RecipientScope{Kind: ScopeParticipant, UserID: "P2"}},
	}
	for _, userID := range []string{"H1", "P2"} {
		if !event.VisibleTo(userID) {
			t.Fatalf("expected %s to see scoped chat", userID)
		}
	}
	if event.VisibleTo("P3") {
		t.Fatalf("expected bystander not to see scoped chat")
	}

	resource := TimelineEvent{ActorID: "H1", Body: SharedResource{Type: "video"}}
	if !resource.VisibleTo("P3") {
		t.Fatalf("expected resources to be visible to everyone")
	}
}

func TestRecipientScopeNormalize(t *testing.T) {
	scope, err := RecipientScope{}.Normalize()
	if err != nil || scope.Kind != ScopeEveryone {
		t.Fatalf("expected empty scope to mean everyone, got %+v %v", scope, err)
	}
	if _, err := (RecipientScope{Kind: ScopeParticipant}).Normalize(); err == nil {
		t.Fatalf("expected participant scope without user to fail")
	}
	if _, err := (RecipientScope{Kind: "team"}).Normalize(); err == nil {
		t.Fatalf("expected unknown scope kind to fail")
	}
}
