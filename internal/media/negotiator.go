// Package media negotiates the direct audio/video path between the host and
// each participant. Descriptions and candidates travel over the call's
// transport channel; the peer connection itself sits behind the Peer
// interface so the handshake can run against pion or a test double.
package media

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
	"go.uber.org/zap"
)

const DefaultNegotiationTimeout = 20 * time.Second

// State is the negotiation progress for one host/participant pair.
type State string

const (
	StateIdle            State = "idle"
	StateOfferSent       State = "offer-sent"
	StateOfferReceived   State = "offer-received"
	StateAnswerExchanged State = "answer-exchanged"
	StateConnected       State = "connected"
	StateFailed          State = "failed"
)

// PeerState is the connectivity reported by the underlying peer connection.
type PeerState string

const (
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// Candidate is one trickled connectivity candidate.
type Candidate struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

// Peer is the local end of one peer connection.
type Peer interface {
	CreateOffer() (string, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(sdp string) (string, error)
	AcceptAnswer(sdp string) error
	AddCandidate(candidate Candidate) error
	Close() error
}

// PeerEvents are delivered by a Peer from its own goroutines.
type PeerEvents struct {
	OnCandidate func(Candidate)
	OnState     func(PeerState)
}

// PeerFactory builds a fresh peer connection towards remote. local is the
// captured media it should send; nil means receive only.
type PeerFactory func(remote string, events PeerEvents, local LocalMedia) (Peer, error)

// Signaler carries signaling messages to the remote side.
type Signaler interface {
	Signal(message protocol.Message) error
}

type NegotiatorConfig struct {
	Remote  string
	Offerer bool
	NewPeer PeerFactory
	Signal  Signaler
	Timeout time.Duration
	// Local reports the capture a new peer connection sends.
	Local func() LocalMedia
	// OnChange observes every state change. It runs with the negotiator
	// unlocked but must not block.
	OnChange func(remote string, state State, err error)
	Logger   *zap.Logger
}

// Negotiator drives one host/participant handshake:
// idle, offer-sent or offer-received, answer-exchanged, then connected or
// failed. Candidates that arrive before the remote description are held back
// and applied once it is set.
type Negotiator struct {
	config NegotiatorConfig
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	failure    error
	peer       Peer
	generation int
	remoteSet  bool
	pending    []Candidate
	timer      *time.Timer
	closed     bool
}

func NewNegotiator(cfg NegotiatorConfig) *Negotiator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultNegotiationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Negotiator{
		config: cfg,
		logger: logger.With(zap.String("remote_id", cfg.Remote)),
		state:  StateIdle,
	}
}

func (n *Negotiator) Remote() string {
	return n.config.Remote
}

// State returns the current state and, when failed, the retryable error.
func (n *Negotiator) State() (State, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state, n.failure
}

// Start sends the initial offer. Only the offering side starts.
func (n *Negotiator) Start() error {
	n.mu.Lock()
	var notify func()
	defer func() {
		n.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()
	if n.closed {
		return calls.Fail(calls.ErrPeerConnectionFailed, "negotiator closed")
	}
	if !n.config.Offerer {
		return calls.Fail(calls.ErrInvalidRequest, "only the offering side starts negotiation")
	}
	if n.state != StateIdle {
		return nil
	}
	if err := n.ensurePeer(); err != nil {
		notify = n.fail(err.Error())
		return n.failure
	}
	offer, err := n.peer.CreateOffer()
	if err != nil {
		notify = n.fail("create offer: " + err.Error())
		return n.failure
	}
	if err := n.config.Signal.Signal(protocol.RTCOffer{To: n.config.Remote, SDP: offer}); err != nil {
		notify = n.fail("send offer: " + err.Error())
		return n.failure
	}
	n.armTimer()
	notify = n.enter(StateOfferSent)
	return nil
}

// HandleOffer answers a remote offer. A fresh offer after a failure or a
// completed exchange restarts the pair with a new peer connection.
func (n *Negotiator) HandleOffer(sdp string) error {
	n.mu.Lock()
	var notify []func()
	defer func() {
		n.mu.Unlock()
		for _, fn := range notify {
			fn()
		}
	}()
	if n.closed {
		return calls.Fail(calls.ErrPeerConnectionFailed, "negotiator closed")
	}
	if n.config.Offerer {
		return calls.Fail(calls.ErrInvalidRequest, "unexpected offer on the offering side")
	}
	if n.state != StateIdle {
		n.resetPeer()
	}
	if err := n.ensurePeer(); err != nil {
		notify = append(notify, n.fail(err.Error()))
		return n.failure
	}
	notify = append(notify, n.enter(StateOfferReceived))
	answer, err := n.peer.AcceptOffer(sdp)
	if err != nil {
		notify = append(notify, n.fail("accept offer: "+err.Error()))
		return n.failure
	}
	n.remoteSet = true
	n.flushCandidates()
	if err := n.config.Signal.Signal(protocol.RTCAnswer{To: n.config.Remote, SDP: answer}); err != nil {
		notify = append(notify, n.fail("send answer: "+err.Error()))
		return n.failure
	}
	n.armTimer()
	notify = append(notify, n.enter(StateAnswerExchanged))
	return nil
}

// HandleAnswer applies the remote answer to an outstanding offer.
func (n *Negotiator) HandleAnswer(sdp string) error {
	n.mu.Lock()
	var notify func()
	defer func() {
		n.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()
	if n.state != StateOfferSent {
		return calls.Failf(calls.ErrInvalidRequest, "answer received in state %s", n.state)
	}
	if err := n.peer.AcceptAnswer(sdp); err != nil {
		notify = n.fail("accept answer: " + err.Error())
		return n.failure
	}
	n.remoteSet = true
	n.flushCandidates()
	notify = n.enter(StateAnswerExchanged)
	return nil
}

// HandleCandidate applies a remote candidate, or holds it until the remote
// description is known.
func (n *Negotiator) HandleCandidate(candidate Candidate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.state == StateFailed {
		return nil
	}
	if !n.remoteSet || n.peer == nil {
		n.pending = append(n.pending, candidate)
		return nil
	}
	if err := n.peer.AddCandidate(candidate); err != nil {
		n.logger.Warn("remote candidate rejected", zap.Error(err))
	}
	return nil
}

// HandleHangup drops the peer connection and returns to idle.
func (n *Negotiator) HandleHangup() {
	n.mu.Lock()
	n.resetPeer()
	notify := n.enter(StateIdle)
	n.mu.Unlock()
	notify()
}

// Retry clears a failure. The offering side re-offers at once; the answering
// side waits for the next offer.
func (n *Negotiator) Retry() error {
	n.mu.Lock()
	if n.state != StateFailed {
		state := n.state
		n.mu.Unlock()
		return calls.Failf(calls.ErrInvalidRequest, "nothing to retry in state %s", state)
	}
	n.resetPeer()
	notify := n.enter(StateIdle)
	n.mu.Unlock()
	notify()
	if n.config.Offerer {
		return n.Start()
	}
	return nil
}

// Renegotiate rebuilds the pair so a new peer connection picks up the current
// local media. The offering side re-offers; the answering side asks the
// offerer to start over.
func (n *Negotiator) Renegotiate() error {
	n.mu.Lock()
	if n.closed || (n.state == StateIdle && n.peer == nil) {
		n.mu.Unlock()
		return nil
	}
	n.resetPeer()
	notify := n.enter(StateIdle)
	n.mu.Unlock()
	notify()
	if n.config.Offerer {
		return n.Start()
	}
	return n.config.Signal.Signal(protocol.RTCHangup{To: n.config.Remote, Restart: true})
}

// Hangup tells the remote side the pair is done and closes the negotiator.
func (n *Negotiator) Hangup() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	started := n.state != StateIdle
	n.mu.Unlock()
	if started {
		if err := n.config.Signal.Signal(protocol.RTCHangup{To: n.config.Remote}); err != nil {
			n.logger.Debug("hangup not delivered", zap.Error(err))
		}
	}
	n.Close()
}

func (n *Negotiator) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	n.resetPeer()
}

func (n *Negotiator) ensurePeer() error {
	if n.peer != nil {
		return nil
	}
	generation := n.generation
	var local LocalMedia
	if n.config.Local != nil {
		local = n.config.Local()
	}
	peer, err := n.config.NewPeer(n.config.Remote, PeerEvents{
		OnCandidate: func(candidate Candidate) { n.localCandidate(generation, candidate) },
		OnState:     func(state PeerState) { n.peerState(generation, state) },
	}, local)
	if err != nil {
		return err
	}
	n.peer = peer
	return nil
}

// resetPeer closes the current peer. Events still in flight from it carry an
// old generation and are ignored.
func (n *Negotiator) resetPeer() {
	n.generation++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	if n.peer != nil {
		if err := n.peer.Close(); err != nil {
			n.logger.Debug("peer close failed", zap.Error(err))
		}
		n.peer = nil
	}
	n.remoteSet = false
	n.pending = nil
	n.failure = nil
}

func (n *Negotiator) flushCandidates() {
	for _, candidate := range n.pending {
		if err := n.peer.AddCandidate(candidate); err != nil {
			n.logger.Warn("buffered candidate rejected", zap.Error(err))
		}
	}
	n.pending = nil
}

func (n *Negotiator) armTimer() {
	if n.timer != nil {
		n.timer.Stop()
	}
	generation := n.generation
	n.timer = time.AfterFunc(n.config.Timeout, func() { n.expire(generation) })
}

func (n *Negotiator) expire(generation int) {
	n.mu.Lock()
	if generation != n.generation || n.closed || n.state == StateConnected || n.state == StateFailed {
		n.mu.Unlock()
		return
	}
	notify := n.fail("negotiation timed out")
	n.mu.Unlock()
	notify()
}

func (n *Negotiator) localCandidate(generation int, candidate Candidate) {
	n.mu.Lock()
	stale := generation != n.generation || n.closed
	n.mu.Unlock()
	if stale {
		return
	}
	err := n.config.Signal.Signal(protocol.RTCCandidate{
		To:            n.config.Remote,
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
	if err != nil {
		n.logger.Debug("candidate not delivered", zap.Error(err))
	}
}

func (n *Negotiator) peerState(generation int, state PeerState) {
	n.mu.Lock()
	if generation != n.generation || n.closed {
		n.mu.Unlock()
		return
	}
	var notify func()
	switch state {
	case PeerConnected:
		if n.timer != nil {
			n.timer.Stop()
			n.timer = nil
		}
		notify = n.enter(StateConnected)
	case PeerFailed:
		notify = n.fail("ice connectivity failed")
	case PeerClosed:
		if n.state != StateFailed {
			notify = n.fail("peer connection closed")
		}
	}
	n.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// enter and fail must be called with n.mu held; they return the observer
// callback to run once it is released.
func (n *Negotiator) enter(state State) func() {
	if n.state == state {
		return func() {}
	}
	n.state = state
	if state != StateFailed {
		n.failure = nil
	}
	return n.observe(state, nil)
}

func (n *Negotiator) fail(reason string) func() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.state = StateFailed
	n.failure = calls.Fail(calls.ErrPeerConnectionFailed, reason)
	n.logger.Warn("negotiation failed", zap.String("reason", reason))
	return n.observe(StateFailed, n.failure)
}

func (n *Negotiator) observe(state State, err error) func() {
	if n.config.OnChange == nil {
		return func() {}
	}
	remote := n.config.Remote
	return func() { n.config.OnChange(remote, state, err) }
}
