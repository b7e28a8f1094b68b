package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/auth"
	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/crm"
	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/callroom/internal/realtime"
	"github.com/MarcoPoloResearchLab/callroom/internal/records"
	"go.uber.org/zap"
)

const (
	defaultMailboxSize  = 256
	defaultIdleEviction = 10 * time.Minute
)

var (
	errMissingStore   = errors.New("session registry: store is required")
	errMissingFanout  = errors.New("session registry: fanout is required")
	errMissingInvites = errors.New("session registry: invite tokens are required")
)

// Store is the call-record persistence the registry writes through.
type Store interface {
	CreateCall(ctx context.Context, call calls.Call) (calls.Call, error)
	LoadCall(ctx context.Context, callID string) (calls.Call, error)
	FindCallByMeetingID(ctx context.Context, meetingID string) (calls.Call, error)
	LoadTimeline(ctx context.Context, callID string) ([]calls.TimelineEvent, error)
	AppendEvent(ctx context.Context, event calls.TimelineEvent) error
	RecordLeadStatus(ctx context.Context, event calls.TimelineEvent, status string) error
	Transition(ctx context.Context, update records.StatusUpdate) error
	SaveNotes(ctx context.Context, callID, notes string) error
	AddInvites(ctx context.Context, callID string, userIDs []string) error
	SetSecureTokenID(ctx context.Context, callID, tokenID string) error
}

// Fanout delivers frames to the connections subscribed to a call.
type Fanout interface {
	Subscribe(ctx context.Context, callID string, sub realtime.Subscriber) (<-chan protocol.Frame, func())
	Publish(callID string, frame protocol.Frame, audience realtime.Audience)
}

// InviteTokens signs and validates secure access tokens.
type InviteTokens interface {
	IssueInvite(ctx context.Context, callID string) (auth.Invite, error)
	ValidateInvite(token string) (auth.InviteClaims, error)
}

type Config struct {
	Store   Store
	Fanout  Fanout
	Invites InviteTokens
	// Guard enforces single-use invite tokens. Nil allows reuse until expiry.
	Guard  auth.RedemptionGuard
	CRM    crm.Writer
	Clock  func() time.Time
	Logger *zap.Logger

	AllowPreCallChat bool
	HostRoles        []string
	MailboxSize      int
	IdleEviction     time.Duration
}

// Requester is the authenticated originator of an operation.
type Requester struct {
	UserID    string
	Roles     []string
	ConnID    string
	RequestID string
}

func (r Requester) principal() auth.Principal {
	return auth.Principal{UserID: r.UserID, Roles: r.Roles}
}

// Registry is the authoritative owner of live call state. Each call is served
// by one actor goroutine, so every mutation of a call is applied in submission
// order and broadcast in that same order.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	wg     sync.WaitGroup

	store   Store
	fanout  Fanout
	invites InviteTokens
	guard   auth.RedemptionGuard
	crm     crm.Writer
	clock   func() time.Time
	logger  *zap.Logger

	allowPreCallChat bool
	hostRoles        []string
	mailboxSize      int
	idleEviction     time.Duration
}

func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Fanout == nil {
		return nil, errMissingFanout
	}
	if cfg.Invites == nil {
		return nil, errMissingInvites
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := cfg.CRM
	if writer == nil {
		writer = crm.Nop{}
	}
	mailboxSize := cfg.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}
	idleEviction := cfg.IdleEviction
	if idleEviction <= 0 {
		idleEviction = defaultIdleEviction
	}
	hostRoles := make([]string, 0, len(cfg.HostRoles))
	for _, role := range cfg.HostRoles {
		if trimmed := strings.TrimSpace(role); trimmed != "" {
			hostRoles = append(hostRoles, trimmed)
		}
	}
	return &Registry{
		actors:           make(map[string]*actor),
		store:            cfg.Store,
		fanout:           cfg.Fanout,
		invites:          cfg.Invites,
		guard:            cfg.Guard,
		crm:              writer,
		clock:            clock,
		logger:           logger,
		allowPreCallChat: cfg.AllowPreCallChat,
		hostRoles:        hostRoles,
		mailboxSize:      mailboxSize,
		idleEviction:     idleEviction,
	}, nil
}

// now is millisecond precision, matching what the store keeps.
func (r *Registry) now() time.Time {
	return r.clock().UTC().Truncate(time.Millisecond)
}

func (r *Registry) isHost(call calls.Call, req Requester) bool {
	if call.IsHost(req.UserID) {
		return true
	}
	return len(r.hostRoles) > 0 && req.principal().HasAnyRole(r.hostRoles)
}

// viewFor projects the call for req. Hosts by role see what the host sees.
func (r *Registry) viewFor(call calls.Call, req Requester) calls.Call {
	if r.isHost(call, req) {
		return call.ViewFor(call.HostID)
	}
	return call.ViewFor(req.UserID)
}

// Close stops every actor after its queued work drains.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for callID, entry := range r.actors {
		close(entry.mailbox)
		delete(r.actors, callID)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// ActiveCalls reports how many call actors are resident.
func (r *Registry) ActiveCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

type task func(entry *actor)

// run executes fn on the call's actor and waits for its result. A full mailbox
// fails fast with ErrBusy instead of queueing without bound.
func run[T any](ctx context.Context, r *Registry, callID string, fn func(ctx context.Context, entry *actor) (T, error)) (T, error) {
	var zero T
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return zero, calls.Fail(calls.ErrInvalidRequest, "call id is required")
	}
	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	job := func(entry *actor) {
		if err := ctx.Err(); err != nil {
			done <- outcome{err: err}
			return
		}
		entry.lastActive = r.clock()
		if err := entry.ensureLoaded(ctx, r); err != nil {
			done <- outcome{err: err}
			return
		}
		value, err := fn(ctx, entry)
		done <- outcome{value: value, err: err}
	}
	if err := r.enqueue(callID, job); err != nil {
		return zero, err
	}
	select {
	case result := <-done:
		return result.value, result.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Registry) enqueue(callID string, job task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return calls.Fail(calls.ErrBusy, "registry is shutting down")
	}
	entry, ok := r.actors[callID]
	if !ok {
		entry = newActor(callID, r.mailboxSize, r.clock())
		r.actors[callID] = entry
		r.wg.Add(1)
		go r.loop(entry)
	}
	select {
	case entry.mailbox <- job:
		return nil
	default:
		r.logger.Warn("call mailbox full", zap.String("call_id", callID))
		return calls.Fail(calls.ErrBusy, "call is processing too many requests")
	}
}

func (r *Registry) loop(entry *actor) {
	defer r.wg.Done()
	for job := range entry.mailbox {
		job(entry)
	}
}

// retire removes an actor that has nothing queued. Enqueuers hold r.mu while
// sending, so an empty mailbox under r.mu stays empty.
func (r *Registry) retire(entry *actor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actors[entry.callID] != entry || len(entry.mailbox) > 0 {
		return false
	}
	delete(r.actors, entry.callID)
	close(entry.mailbox)
	return true
}

// Sweep asks every idle actor without participants to retire. Ongoing calls
// stay resident: their attendance and request history live only in the
// actor. Call status is never changed by eviction.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	entries := make([]*actor, 0, len(r.actors))
	for _, entry := range r.actors {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	results := make(chan bool, len(entries))
	pending := 0
	for _, entry := range entries {
		current := entry
		err := r.enqueueExisting(current, func(a *actor) {
			if len(a.members) > 0 || a.call.Status == calls.StatusOngoing || now.Sub(a.lastActive) < r.idleEviction {
				results <- false
				return
			}
			results <- r.retire(a)
		})
		if err == nil {
			pending++
		}
	}
	evicted := 0
	for i := 0; i < pending; i++ {
		if <-results {
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Info("evicted idle calls", zap.Int("count", evicted))
	}
	return evicted
}

func (r *Registry) enqueueExisting(entry *actor, job task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.actors[entry.callID] != entry {
		return calls.ErrCallNotFound
	}
	select {
	case entry.mailbox <- job:
		return nil
	default:
		return calls.ErrBusy
	}
}

func (r *Registry) publish(callID string, frame protocol.Frame, audience realtime.Audience) {
	r.fanout.Publish(callID, frame, audience)
}

func (r *Registry) logError(operation string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	fields = append(fields, zap.String("operation", operation), zap.String("code", string(calls.CodeOf(err))), zap.Error(err))
	r.logger.Error("session registry error", fields...)
}
