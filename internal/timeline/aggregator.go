// Package timeline folds a call's sequenced events into the views a client
// renders: chat log, shared resources, permission grants and status history.
package timeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/samber/lo"
)

// Line is one rendered timeline entry. Events of kinds this build does not
// know still produce a line, marked Fallback.
type Line struct {
	Seq       int64
	Kind      calls.EventKind
	ActorID   string
	Timestamp time.Time
	Text      string
	Fallback  bool
}

// Aggregator applies events in the order they arrive. The registry's order is
// authoritative, so nothing is re-sorted; a sequence number seen before is
// ignored.
type Aggregator struct {
	mu          sync.RWMutex
	applied     map[int64]struct{}
	lines       []Line
	chat        []calls.TimelineEvent
	resources   []calls.TimelineEvent
	permissions []calls.TimelineEvent
	status      calls.Status
	leadStatus  string
	lastSeq     int64
}

func New() *Aggregator {
	return &Aggregator{applied: make(map[int64]struct{})}
}

// Apply folds one event in and reports whether it was new.
func (a *Aggregator) Apply(event calls.TimelineEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.apply(event)
}

// ApplyAll folds a batch, such as a join snapshot, and returns how many were new.
func (a *Aggregator) ApplyAll(events []calls.TimelineEvent) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return lo.CountBy(events, a.apply)
}

func (a *Aggregator) apply(event calls.TimelineEvent) bool {
	if _, seen := a.applied[event.Seq]; seen {
		return false
	}
	a.applied[event.Seq] = struct{}{}
	if event.Seq > a.lastSeq {
		a.lastSeq = event.Seq
	}
	switch body := event.Body.(type) {
	case calls.ChatMessage:
		a.chat = append(a.chat, event)
	case calls.SharedResource:
		a.resources = append(a.resources, event)
	case calls.PermissionGrant:
		a.permissions = append(a.permissions, event)
	case calls.StatusChange:
		a.status = body.To
	case calls.LeadStatusChange:
		a.leadStatus = body.Status
	}
	a.lines = append(a.lines, Render(event))
	return true
}

// Lines returns every entry in applied order.
func (a *Aggregator) Lines() []Line {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Line(nil), a.lines...)
}

func (a *Aggregator) Chat() []calls.TimelineEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]calls.TimelineEvent(nil), a.chat...)
}

func (a *Aggregator) Resources() []calls.TimelineEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]calls.TimelineEvent(nil), a.resources...)
}

func (a *Aggregator) Permissions() []calls.TimelineEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]calls.TimelineEvent(nil), a.permissions...)
}

// Status is the latest status change applied, empty before any.
func (a *Aggregator) Status() calls.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Aggregator) LeadStatus() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.leadStatus
}

// LastSeq is the highest sequence number applied.
func (a *Aggregator) LastSeq() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastSeq
}

// Render describes one event for display.
func Render(event calls.TimelineEvent) Line {
	line := Line{Seq: event.Seq, ActorID: event.ActorID, Timestamp: event.Timestamp}
	if event.Body == nil {
		line.Fallback = true
		line.Text = "unrecognised event"
		return line
	}
	line.Kind = event.Body.Kind()
	switch body := event.Body.(type) {
	case calls.ChatMessage:
		if body.Scope.Kind == calls.ScopeParticipant {
			line.Text = fmt.Sprintf("%s to %s: %s", body.Author, body.Scope.UserID, body.Body)
		} else {
			line.Text = fmt.Sprintf("%s: %s", body.Author, body.Body)
		}
	case calls.SharedResource:
		title := body.Title
		if title == "" {
			title = body.URL
		}
		line.Text = fmt.Sprintf("%s shared %s %q (%s)", body.SharedBy, body.Type, title, body.URL)
	case calls.PermissionGrant:
		verb := "revoked"
		if body.Granted {
			verb = "granted"
		}
		line.Text = fmt.Sprintf("%s %s for %s", body.Capability, verb, body.Grantee)
	case calls.StatusChange:
		line.Text = fmt.Sprintf("call moved from %s to %s", body.From, body.To)
	case calls.LeadStatusChange:
		line.Text = fmt.Sprintf("lead status set to %s", body.Status)
	default:
		line.Fallback = true
		line.Text = fmt.Sprintf("%s event", line.Kind)
	}
	return line
}
