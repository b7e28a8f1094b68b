package realtime

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
)

const defaultStreamBuffer = 64

// Subscriber identifies one connection listening to a call.
type Subscriber struct {
	ConnID string
	UserID string
	// OnOverflow runs once, after the subscriber has been dropped for not
	// keeping up with the call's broadcasts.
	OnOverflow func()
}

// Audience selects which subscribers of a call receive a frame.
type Audience struct {
	userIDs []string
	connID  string
}

// Everyone addresses every subscriber of the call.
func Everyone() Audience {
	return Audience{}
}

// Users addresses the connections of the listed users.
func Users(userIDs ...string) Audience {
	return Audience{userIDs: userIDs}
}

// Connection addresses a single connection.
func Connection(connID string) Audience {
	return Audience{connID: connID}
}

func (a Audience) includes(sub *subscriber) bool {
	if a.connID != "" {
		return sub.connID == a.connID
	}
	if a.userIDs == nil {
		return true
	}
	for _, userID := range a.userIDs {
		if userID == sub.userID {
			return true
		}
	}
	return false
}

// Dispatcher fans frames out to the subscribers of each call. A subscriber
// whose stream is full is dropped rather than allowed to stall the call.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id         int64
	connID     string
	userID     string
	stream     chan protocol.Frame
	onOverflow func()
	closed     bool
}

// NewDispatcher returns a dispatcher whose streams buffer bufferSize frames.
func NewDispatcher(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultStreamBuffer
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers sub for callID. The stream closes when cleanup runs,
// when ctx is done, or when the subscriber overflows.
func (d *Dispatcher) Subscribe(ctx context.Context, callID string, sub Subscriber) (<-chan protocol.Frame, func()) {
	if callID == "" {
		ch := make(chan protocol.Frame)
		close(ch)
		return ch, func() {}
	}
	d.mu.Lock()
	d.nextID++
	entry := &subscriber{
		id:         d.nextID,
		connID:     sub.ConnID,
		userID:     sub.UserID,
		stream:     make(chan protocol.Frame, d.bufferSize),
		onOverflow: sub.OnOverflow,
	}
	if _, ok := d.subscribers[callID]; !ok {
		d.subscribers[callID] = make(map[int64]*subscriber)
	}
	d.subscribers[callID][entry.id] = entry
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(callID, entry.id)
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cleanup()
		}()
	}
	return entry.stream, cleanup
}

// Publish delivers frame to every subscriber of callID selected by audience.
func (d *Dispatcher) Publish(callID string, frame protocol.Frame, audience Audience) {
	if callID == "" || frame.Message == nil {
		return
	}
	var overflowed []*subscriber
	d.mu.RLock()
	for _, entry := range d.subscribers[callID] {
		if entry.closed || !audience.includes(entry) {
			continue
		}
		select {
		case entry.stream <- frame:
		default:
			overflowed = append(overflowed, entry)
		}
	}
	d.mu.RUnlock()

	for _, entry := range overflowed {
		if d.unregister(callID, entry.id) && entry.onOverflow != nil {
			entry.onOverflow()
		}
	}
}

// Count reports how many subscribers callID has.
func (d *Dispatcher) Count(callID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[callID])
}

func (d *Dispatcher) unregister(callID string, subscriberID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[callID]
	entry, ok := subscribers[subscriberID]
	if !ok {
		return false
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, callID)
	}
	entry.closed = true
	close(entry.stream)
	return true
}
