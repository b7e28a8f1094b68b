package media

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

type fakeLocalMedia struct {
	muted  bool
	camera bool
	closed bool
}

func (m *fakeLocalMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeLocalMedia) SetMicMuted(muted bool) { m.muted = muted }

func (m *fakeLocalMedia) SetCameraEnabled(enabled bool) { m.camera = enabled }

func (m *fakeLocalMedia) Close() error {
	m.closed = true
	return nil
}

type fakeDevices struct {
	local *fakeLocalMedia
	err   error
}

func (d *fakeDevices) Acquire(context.Context, DeviceRequest) (LocalMedia, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.local, nil
}

func newTestManager(t *testing.T, self string, devices DeviceAcquirer) (*Manager, *peerFactory, *recordingSignaler) {
	t.Helper()
	factory := &peerFactory{}
	signaler := &recordingSignaler{}
	manager, err := NewManager(ManagerConfig{
		Self:    self,
		Signal:  signaler,
		NewPeer: factory.build,
		Devices: devices,
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	t.Cleanup(manager.Close)
	return manager, factory, signaler
}

func TestHostOffersOnceBothEndsConnected(t *testing.T) {
	manager, _, signaler := newTestManager(t, "H1", nil)

	manager.Sync("H1", []Participant{{UserID: "H1", Connected: true}, {UserID: "P2", Connected: false}})
	if offers := signaler.ofType(protocol.TypeRTCOffer); len(offers) != 0 {
		t.Fatalf("expected no offer before P2 is connected, got %d", len(offers))
	}

	participants := ParticipantsFrom([]calls.Participant{
		{UserID: "H1", ConnectionState: calls.ConnectionConnected},
		{UserID: "P2", ConnectionState: calls.ConnectionConnected},
		{UserID: "P3", ConnectionState: calls.ConnectionConnected},
	})
	manager.Sync("H1", participants)
	manager.Sync("H1", participants)

	offers := signaler.ofType(protocol.TypeRTCOffer)
	if len(offers) != 2 {
		t.Fatalf("expected one offer per participant, got %d", len(offers))
	}
	remotes := manager.Remotes()
	sort.Strings(remotes)
	if len(remotes) != 2 || remotes[0] != "P2" || remotes[1] != "P3" {
		t.Fatalf("unexpected remotes %v", remotes)
	}

	manager.Sync("H1", participants[:2])
	if state, _ := manager.State("P3"); state != StateIdle {
		t.Fatalf("expected departed participant to be dropped, got %s", state)
	}
}

func TestParticipantAnswersOnlyTheHost(t *testing.T) {
	manager, factory, signaler := newTestManager(t, "P2", nil)
	manager.Sync("H1", []Participant{{UserID: "H1", Connected: true}, {UserID: "P2", Connected: true}})
	if offers := signaler.ofType(protocol.TypeRTCOffer); len(offers) != 0 {
		t.Fatalf("participants never offer, got %d", len(offers))
	}

	if err := manager.HandleSignal(protocol.RTCOffer{From: "P3", SDP: "v=0"}); !errors.Is(err, calls.ErrForbidden) {
		t.Fatalf("expected offers from non-hosts to be refused, got %v", err)
	}
	if err := manager.HandleSignal(protocol.RTCCandidate{From: "H1", Candidate: "candidate:early"}); err != nil {
		t.Fatalf("early candidate failed: %v", err)
	}
	if err := manager.HandleSignal(protocol.RTCOffer{From: "H1", SDP: "v=0"}); err != nil {
		t.Fatalf("offer failed: %v", err)
	}
	if state, _ := manager.State("H1"); state != StateAnswerExchanged {
		t.Fatalf("expected answer exchanged, got %s", state)
	}
	answers := signaler.ofType(protocol.TypeRTCAnswer)
	if len(answers) != 1 || answers[0].(protocol.RTCAnswer).To != "H1" {
		t.Fatalf("expected answer to the host, got %+v", answers)
	}
	if applied := factory.last().applied(); len(applied) != 1 || applied[0].Candidate != "candidate:early" {
		t.Fatalf("expected the early candidate to be applied after the offer, got %+v", applied)
	}

	if err := manager.HandleSignal(protocol.RTCHangup{From: "H1"}); err != nil {
		t.Fatalf("hangup failed: %v", err)
	}
	if state, _ := manager.State("H1"); state != StateIdle {
		t.Fatalf("expected idle after hangup, got %s", state)
	}
}

func TestDeviceFailureStaysLocal(t *testing.T) {
	manager, _, signaler := newTestManager(t, "H1", &fakeDevices{err: errors.New("camera busy")})
	_, err := manager.AcquireDevices(context.Background(), DeviceRequest{Video: true, Audio: true})
	if !errors.Is(err, calls.ErrMediaAcquisitionFailed) {
		t.Fatalf("expected media acquisition failure, got %v", err)
	}
	if len(signaler.messages) != 0 {
		t.Fatalf("device failures must not be signaled")
	}

	manager.Sync("H1", []Participant{{UserID: "H1", Connected: true}, {UserID: "P2", Connected: true}})
	if state, _ := manager.State("P2"); state != StateOfferSent {
		t.Fatalf("negotiation should proceed without local devices, got %s", state)
	}
}

func TestMicMuteIsLocal(t *testing.T) {
	local := &fakeLocalMedia{}
	manager, _, signaler := newTestManager(t, "P2", &fakeDevices{local: local})
	manager.SetMicMuted(true)
	if _, err := manager.AcquireDevices(context.Background(), DeviceRequest{Audio: true}); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !local.muted {
		t.Fatalf("expected mute to carry over to newly acquired devices")
	}
	manager.SetMicMuted(false)
	if local.muted {
		t.Fatalf("expected unmute")
	}
	manager.SetCameraEnabled(true)
	if !local.camera {
		t.Fatalf("expected camera to follow host decision")
	}
	if len(signaler.messages) != 0 {
		t.Fatalf("mute must not produce signaling")
	}
	manager.Close()
	if !local.closed {
		t.Fatalf("expected devices released on close")
	}
}

type staticDevices struct {
	local LocalMedia
}

func (d staticDevices) Acquire(context.Context, DeviceRequest) (LocalMedia, error) {
	return d.local, nil
}

func newVP8Media(t *testing.T) *SampleMedia {
	t.Helper()
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "callroom-test")
	if err != nil {
		t.Fatalf("video track failed: %v", err)
	}
	return NewSampleMedia(video, nil)
}

// sectionDirection returns the direction attribute of the first m= section of kind.
func sectionDirection(sdp, kind string) string {
	inSection := false
	for _, line := range strings.FieldsFunc(sdp, func(r rune) bool { return r == '\r' || r == '\n' }) {
		if strings.HasPrefix(line, "m=") {
			inSection = strings.HasPrefix(line, "m="+kind)
			continue
		}
		if !inSection {
			continue
		}
		switch line {
		case "a=sendrecv", "a=sendonly", "a=recvonly", "a=inactive":
			return line
		}
	}
	return ""
}

func newPionManager(t *testing.T, self string, devices DeviceAcquirer) (*Manager, *recordingSignaler) {
	t.Helper()
	factory, err := NewPionFactory(PionConfig{})
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	signaler := &recordingSignaler{}
	manager, err := NewManager(ManagerConfig{
		Self:    self,
		Signal:  signaler,
		NewPeer: factory,
		Devices: devices,
		Timeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	t.Cleanup(manager.Close)
	return manager, signaler
}

func lastOffer(t *testing.T, signaler *recordingSignaler) protocol.RTCOffer {
	t.Helper()
	offers := signaler.ofType(protocol.TypeRTCOffer)
	if len(offers) == 0 {
		t.Fatalf("expected an offer")
	}
	return offers[len(offers)-1].(protocol.RTCOffer)
}

func TestAcquiredCameraIsOfferedToPeers(t *testing.T) {
	manager, signaler := newPionManager(t, "H1", staticDevices{local: newVP8Media(t)})
	if _, err := manager.AcquireDevices(context.Background(), DeviceRequest{Video: true}); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	manager.Sync("H1", []Participant{{UserID: "H1", Connected: true}, {UserID: "P2", Connected: true}})

	offer := lastOffer(t, signaler)
	if direction := sectionDirection(offer.SDP, "video"); direction != "a=sendrecv" {
		t.Fatalf("expected the camera to be sent, video direction %q", direction)
	}
	if direction := sectionDirection(offer.SDP, "audio"); direction != "a=recvonly" {
		t.Fatalf("expected receive-only audio without a microphone, got %q", direction)
	}
}

func TestLateDevicesRenegotiateExistingPairs(t *testing.T) {
	manager, signaler := newPionManager(t, "H1", staticDevices{local: newVP8Media(t)})
	manager.Sync("H1", []Participant{{UserID: "H1", Connected: true}, {UserID: "P2", Connected: true}})
	if direction := sectionDirection(lastOffer(t, signaler).SDP, "video"); direction != "a=recvonly" {
		t.Fatalf("expected receive-only video before devices, got %q", direction)
	}

	if _, err := manager.AcquireDevices(context.Background(), DeviceRequest{Video: true}); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if offers := signaler.ofType(protocol.TypeRTCOffer); len(offers) != 2 {
		t.Fatalf("expected a fresh offer after acquiring devices, got %d offers", len(offers))
	}
	if direction := sectionDirection(lastOffer(t, signaler).SDP, "video"); direction != "a=sendrecv" {
		t.Fatalf("expected the renegotiated offer to send video, got %q", direction)
	}
	if state, _ := manager.State("P2"); state != StateOfferSent {
		t.Fatalf("expected offer sent after renegotiation, got %s", state)
	}
}

func TestParticipantDevicesAskHostToReoffer(t *testing.T) {
	local := &fakeLocalMedia{}
	participant, factory, participantSignals := newTestManager(t, "P2", &fakeDevices{local: local})
	participant.Sync("H1", []Participant{{UserID: "H1", Connected: true}, {UserID: "P2", Connected: true}})
	if err := participant.HandleSignal(protocol.RTCOffer{From: "H1", SDP: "v=0"}); err != nil {
		t.Fatalf("offer failed: %v", err)
	}
	if factory.last().local != nil {
		t.Fatalf("expected the first peer to carry no local media")
	}

	if _, err := participant.AcquireDevices(context.Background(), DeviceRequest{Video: true, Audio: true}); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	hangups := participantSignals.ofType(protocol.TypeRTCHangup)
	if len(hangups) != 1 || !hangups[0].(protocol.RTCHangup).Restart || hangups[0].(protocol.RTCHangup).To != "H1" {
		t.Fatalf("expected a restart request to the host, got %+v", hangups)
	}
	if err := participant.HandleSignal(protocol.RTCOffer{From: "H1", SDP: "v=0 again"}); err != nil {
		t.Fatalf("second offer failed: %v", err)
	}
	if factory.last().local != LocalMedia(local) {
		t.Fatalf("expected the rebuilt peer to send the acquired devices")
	}

	host, _, hostSignals := newTestManager(t, "H1", nil)
	host.Sync("H1", []Participant{{UserID: "H1", Connected: true}, {UserID: "P2", Connected: true}})
	if err := host.HandleSignal(protocol.RTCHangup{From: "P2", Restart: true}); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if offers := hostSignals.ofType(protocol.TypeRTCOffer); len(offers) != 2 {
		t.Fatalf("expected the host to re-offer on a restart request, got %d offers", len(offers))
	}
	if err := host.HandleSignal(protocol.RTCHangup{From: "P2"}); err != nil {
		t.Fatalf("hangup failed: %v", err)
	}
	if state, _ := host.State("P2"); state != StateIdle {
		t.Fatalf("expected a plain hangup to leave the pair idle, got %s", state)
	}
}

func TestCameraDecisionGatesSampleMedia(t *testing.T) {
	local := newVP8Media(t)
	manager, _, _ := newTestManager(t, "P2", staticDevices{local: local})
	manager.SetCameraEnabled(false)
	if _, err := manager.AcquireDevices(context.Background(), DeviceRequest{Video: true}); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if local.CameraEnabled() {
		t.Fatalf("expected the host's earlier decision to hold for new devices")
	}
	if err := local.WriteVideo(pionmedia.Sample{Data: []byte{0x00}, Duration: time.Millisecond}); err != nil {
		t.Fatalf("gated write should be dropped quietly, got %v", err)
	}
	manager.SetCameraEnabled(true)
	if !local.CameraEnabled() {
		t.Fatalf("expected the camera back on")
	}
	manager.Close()
	if err := local.WriteVideo(pionmedia.Sample{Data: []byte{0x00}, Duration: time.Millisecond}); !errors.Is(err, ErrMediaClosed) {
		t.Fatalf("expected closed media to refuse samples, got %v", err)
	}
}
