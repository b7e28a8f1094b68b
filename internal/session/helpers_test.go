package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/auth"
	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/crm"
	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/callroom/internal/realtime"
	"github.com/MarcoPoloResearchLab/callroom/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const frameTimeout = time.Second

var databaseCounter atomic.Int64

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCRM struct {
	mu         sync.Mutex
	statusErr  error
	summaryErr error
	statuses   []string
	summaries  []crm.CallSummary
}

func (f *fakeCRM) UpdateLeadStatus(_ context.Context, _ string, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeCRM) RecordCallSummary(_ context.Context, _ string, summary crm.CallSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.summaryErr != nil {
		return f.summaryErr
	}
	f.summaries = append(f.summaries, summary)
	return nil
}

func (f *fakeCRM) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaryErr = err
}

// flakyStore fails status transitions while transitionErr is set.
type flakyStore struct {
	Store
	mu            sync.Mutex
	transitionErr error
}

func (s *flakyStore) Transition(ctx context.Context, update records.StatusUpdate) error {
	s.mu.Lock()
	err := s.transitionErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Transition(ctx, update)
}

func (s *flakyStore) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionErr = err
}

type harness struct {
	registry   *Registry
	store      *records.Store
	dispatcher *realtime.Dispatcher
	issuer     *auth.TokenIssuer
	crm        *fakeCRM
	clock      *testClock
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"), databaseCounter.Add(1))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(records.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	store, err := records.NewStore(records.StoreConfig{Database: database, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("registry-secret"),
		Issuer:        "callroom-auth",
		InviteTTL:     time.Hour,
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	dispatcher := realtime.NewDispatcher(64)
	fake := &fakeCRM{}
	cfg := Config{
		Store:   store,
		Fanout:  dispatcher,
		Invites: issuer,
		CRM:     fake,
		Clock:   clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	registry, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	t.Cleanup(registry.Close)
	return &harness{registry: registry, store: store, dispatcher: dispatcher, issuer: issuer, crm: fake, clock: clock}
}

func (h *harness) createCall(t *testing.T, call calls.Call) calls.Call {
	t.Helper()
	created, err := h.store.CreateCall(context.Background(), call)
	if err != nil {
		t.Fatalf("failed to create call: %v", err)
	}
	return created
}

func (h *harness) join(t *testing.T, callID, userID string) JoinResult {
	t.Helper()
	result, err := h.registry.Join(context.Background(), JoinRequest{
		CallID: callID,
		UserID: userID,
		ConnID: "conn-" + userID,
	})
	if err != nil {
		t.Fatalf("join of %s failed: %v", userID, err)
	}
	if result.Stream == nil {
		t.Fatalf("expected a stream for %s", userID)
	}
	return result
}

func host(userID string) Requester {
	return Requester{UserID: userID, ConnID: "conn-" + userID}
}

func nextFrame(t *testing.T, stream <-chan protocol.Frame) protocol.Frame {
	t.Helper()
	select {
	case frame, ok := <-stream:
		if !ok {
			t.Fatalf("stream closed unexpectedly")
		}
		return frame
	case <-time.After(frameTimeout):
		t.Fatalf("timed out waiting for frame")
	}
	return protocol.Frame{}
}

// drain discards whatever is already buffered on stream.
func drain(stream <-chan protocol.Frame) []protocol.Frame {
	var frames []protocol.Frame
	for {
		select {
		case frame, ok := <-stream:
			if !ok {
				return frames
			}
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func framesOfType(frames []protocol.Frame, frameType protocol.Type) []protocol.Frame {
	var matched []protocol.Frame
	for _, frame := range frames {
		if frame.Type == frameType {
			matched = append(matched, frame)
		}
	}
	return matched
}
