package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
)

func TestActorRemembersRecentRequestsOnly(t *testing.T) {
	a := newActor("call-1", 1, time.Now())
	total := maxRememberedRequests + 10
	for i := 0; i < total; i++ {
		a.remember(requestKey{userID: "P2", requestID: fmt.Sprintf("r-%d", i)}, calls.TimelineEvent{Seq: int64(i + 1)})
	}
	if len(a.requests) != maxRememberedRequests || len(a.requestOrder) != maxRememberedRequests {
		t.Fatalf("expected %d remembered requests, got %d/%d", maxRememberedRequests, len(a.requests), len(a.requestOrder))
	}
	if _, ok := a.requests[requestKey{userID: "P2", requestID: "r-0"}]; ok {
		t.Fatalf("expected the oldest request to be forgotten")
	}
	newest := requestKey{userID: "P2", requestID: fmt.Sprintf("r-%d", total-1)}
	if event, ok := a.requests[newest]; !ok || event.Seq != int64(total) {
		t.Fatalf("expected the newest request to be kept, got %+v %v", event, ok)
	}

	a.remember(newest, calls.TimelineEvent{Seq: int64(total)})
	if len(a.requestOrder) != maxRememberedRequests {
		t.Fatalf("remembering a known request must not grow the history")
	}
}
