package media

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
)

type recordingSignaler struct {
	mu       sync.Mutex
	messages []protocol.Message
}

func (s *recordingSignaler) Signal(message protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return nil
}

func (s *recordingSignaler) ofType(messageType protocol.Type) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []protocol.Message
	for _, message := range s.messages {
		if message.MessageType() == messageType {
			matched = append(matched, message)
		}
	}
	return matched
}

type fakePeer struct {
	mu         sync.Mutex
	events     PeerEvents
	local      LocalMedia
	candidates []Candidate
	remoteSDP  string
	closed     bool
}

func (p *fakePeer) CreateOffer() (string, error) {
	return "v=0 offer", nil
}

func (p *fakePeer) AcceptOffer(sdp string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteSDP = sdp
	return "v=0 answer", nil
}

func (p *fakePeer) AcceptAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteSDP = sdp
	return nil
}

func (p *fakePeer) AddCandidate(candidate Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteSDP == "" {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) applied() []Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Candidate(nil), p.candidates...)
}

type peerFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
	fail  error
}

func (f *peerFactory) build(_ string, events PeerEvents, local LocalMedia) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	peer := &fakePeer{events: events, local: local}
	f.peers = append(f.peers, peer)
	return peer, nil
}

func (f *peerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

func (f *peerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func newTestNegotiator(offerer bool, timeout time.Duration) (*Negotiator, *peerFactory, *recordingSignaler) {
	factory := &peerFactory{}
	signaler := &recordingSignaler{}
	negotiator := NewNegotiator(NegotiatorConfig{
		Remote:  "P2",
		Offerer: offerer,
		NewPeer: factory.build,
		Signal:  signaler,
		Timeout: timeout,
	})
	return negotiator, factory, signaler
}

func requireState(t *testing.T, negotiator *Negotiator, want State) {
	t.Helper()
	if state, _ := negotiator.State(); state != want {
		t.Fatalf("expected state %s, got %s", want, state)
	}
}

func TestOffererHandshake(t *testing.T) {
	negotiator, factory, signaler := newTestNegotiator(true, time.Minute)
	defer negotiator.Close()

	if err := negotiator.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	requireState(t, negotiator, StateOfferSent)
	offers := signaler.ofType(protocol.TypeRTCOffer)
	if len(offers) != 1 || offers[0].(protocol.RTCOffer).To != "P2" {
		t.Fatalf("expected one offer to P2, got %+v", offers)
	}

	if err := negotiator.HandleAnswer("v=0 answer"); err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	requireState(t, negotiator, StateAnswerExchanged)

	factory.last().events.OnState(PeerConnected)
	requireState(t, negotiator, StateConnected)
}

func TestCandidatesBeforeDescriptionAreBuffered(t *testing.T) {
	negotiator, factory, signaler := newTestNegotiator(false, time.Minute)
	defer negotiator.Close()

	early := Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host"}
	if err := negotiator.HandleCandidate(early); err != nil {
		t.Fatalf("early candidate failed: %v", err)
	}
	if err := negotiator.HandleOffer("v=0 offer"); err != nil {
		t.Fatalf("offer failed: %v", err)
	}
	requireState(t, negotiator, StateAnswerExchanged)
	if applied := factory.last().applied(); len(applied) != 1 || applied[0] != early {
		t.Fatalf("expected buffered candidate to be flushed, got %+v", applied)
	}
	if answers := signaler.ofType(protocol.TypeRTCAnswer); len(answers) != 1 {
		t.Fatalf("expected one answer, got %d", len(answers))
	}

	late := Candidate{Candidate: "candidate:2 1 udp 1694498815 203.0.113.7 50001 typ srflx"}
	if err := negotiator.HandleCandidate(late); err != nil {
		t.Fatalf("late candidate failed: %v", err)
	}
	if applied := factory.last().applied(); len(applied) != 2 {
		t.Fatalf("expected late candidate applied directly, got %+v", applied)
	}
}

func TestLocalCandidatesAreSignaled(t *testing.T) {
	negotiator, factory, signaler := newTestNegotiator(true, time.Minute)
	defer negotiator.Close()
	if err := negotiator.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	mid := "0"
	factory.last().events.OnCandidate(Candidate{Candidate: "candidate:host", SDPMid: &mid})
	candidates := signaler.ofType(protocol.TypeRTCCandidate)
	if len(candidates) != 1 {
		t.Fatalf("expected one candidate signal, got %d", len(candidates))
	}
	signal := candidates[0].(protocol.RTCCandidate)
	if signal.To != "P2" || signal.SDPMid == nil || *signal.SDPMid != "0" {
		t.Fatalf("unexpected candidate signal %+v", signal)
	}
}

func TestTimeoutFailsAndRetryReoffers(t *testing.T) {
	changes := make(chan State, 8)
	factory := &peerFactory{}
	signaler := &recordingSignaler{}
	negotiator := NewNegotiator(NegotiatorConfig{
		Remote:   "P2",
		Offerer:  true,
		NewPeer:  factory.build,
		Signal:   signaler,
		Timeout:  50 * time.Millisecond,
		OnChange: func(_ string, state State, _ error) { changes <- state },
	})
	defer negotiator.Close()

	if err := negotiator.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, changes, StateFailed)
	state, err := negotiator.State()
	if state != StateFailed || !errors.Is(err, calls.ErrPeerConnectionFailed) {
		t.Fatalf("expected retryable failure, got %s %v", state, err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout reason, got %v", err)
	}

	first := factory.last()
	if err := negotiator.Retry(); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !first.isClosed() {
		t.Fatalf("expected failed peer to be closed")
	}
	if factory.count() != 2 {
		t.Fatalf("expected a fresh peer, got %d peers", factory.count())
	}
	requireState(t, negotiator, StateOfferSent)
	if offers := signaler.ofType(protocol.TypeRTCOffer); len(offers) != 2 {
		t.Fatalf("expected a second offer, got %d", len(offers))
	}

	first.events.OnState(PeerFailed)
	requireState(t, negotiator, StateOfferSent)
}

func TestICEFailureIsRetryable(t *testing.T) {
	negotiator, factory, _ := newTestNegotiator(false, time.Minute)
	defer negotiator.Close()
	if err := negotiator.HandleOffer("v=0 offer"); err != nil {
		t.Fatalf("offer failed: %v", err)
	}
	factory.last().events.OnState(PeerFailed)
	state, err := negotiator.State()
	if state != StateFailed || calls.CodeOf(err) != calls.CodePeerConnectionFailed {
		t.Fatalf("expected failure, got %s %v", state, err)
	}
	if err := negotiator.Retry(); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	requireState(t, negotiator, StateIdle)
	if err := negotiator.HandleOffer("v=0 offer again"); err != nil {
		t.Fatalf("second offer failed: %v", err)
	}
	requireState(t, negotiator, StateAnswerExchanged)
}

func TestAnswerOutOfTurnIsRejected(t *testing.T) {
	negotiator, _, _ := newTestNegotiator(true, time.Minute)
	defer negotiator.Close()
	if err := negotiator.HandleAnswer("v=0"); !errors.Is(err, calls.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if err := negotiator.HandleOffer("v=0"); !errors.Is(err, calls.ErrInvalidRequest) {
		t.Fatalf("expected offerer to refuse offers, got %v", err)
	}
	requireState(t, negotiator, StateIdle)
}

func TestPeerCreationFailure(t *testing.T) {
	negotiator, factory, _ := newTestNegotiator(true, time.Minute)
	defer negotiator.Close()
	factory.fail = errors.New("no ice agent")
	if err := negotiator.Start(); !errors.Is(err, calls.ErrPeerConnectionFailed) {
		t.Fatalf("expected peer connection failure, got %v", err)
	}
	requireState(t, negotiator, StateFailed)
}

func TestPionPeersExchangeDescriptions(t *testing.T) {
	factory, err := NewPionFactory(PionConfig{})
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	offerer, err := factory("P2", PeerEvents{}, nil)
	if err != nil {
		t.Fatalf("offerer failed: %v", err)
	}
	defer offerer.Close()
	answerer, err := factory("H1", PeerEvents{}, nil)
	if err != nil {
		t.Fatalf("answerer failed: %v", err)
	}
	defer answerer.Close()

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("create offer failed: %v", err)
	}
	if !strings.Contains(offer, "m=video") || !strings.Contains(offer, "m=audio") {
		t.Fatalf("expected audio and video sections in offer")
	}
	answer, err := answerer.AcceptOffer(offer)
	if err != nil {
		t.Fatalf("accept offer failed: %v", err)
	}
	if err := offerer.AcceptAnswer(answer); err != nil {
		t.Fatalf("accept answer failed: %v", err)
	}
}

func TestICEServers(t *testing.T) {
	servers := ICEServers([]string{" stun:stun.example:3478 ", "", "turn:turn.example:3478"})
	if len(servers) != 1 || len(servers[0].URLs) != 2 || servers[0].URLs[0] != "stun:stun.example:3478" {
		t.Fatalf("unexpected servers %+v", servers)
	}
	if ICEServers(nil) != nil {
		t.Fatalf("expected no servers for empty config")
	}
}

func waitFor(t *testing.T, changes <-chan State, want State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		select {
		case state := <-changes:
			if state == want {
				return
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}
