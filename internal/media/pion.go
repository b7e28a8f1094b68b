package media

import (
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/pion/webrtc/v4"
)

// PionConfig configures peer connections built by NewPionFactory.
type PionConfig struct {
	ICEURLs []string
	// OnTrack receives remote tracks as they arrive.
	OnTrack func(remote string, track *webrtc.TrackRemote)
}

// ICEServers turns configured URLs into pion ICE servers. Blank entries are skipped.
func ICEServers(urls []string) []webrtc.ICEServer {
	trimmed := make([]string, 0, len(urls))
	for _, url := range urls {
		if url = strings.TrimSpace(url); url != "" {
			trimmed = append(trimmed, url)
		}
	}
	if len(trimmed) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: trimmed}}
}

// NewPionFactory returns a PeerFactory backed by pion/webrtc.
func NewPionFactory(cfg PionConfig) (PeerFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settings))
	servers := ICEServers(cfg.ICEURLs)

	return func(remote string, events PeerEvents, local LocalMedia) (Peer, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
		if err != nil {
			return nil, calls.Failf(calls.ErrPeerConnectionFailed, "new peer connection: %v", err)
		}
		peer := &pionPeer{pc: pc}
		if err := peer.attachMedia(local); err != nil {
			_ = pc.Close()
			return nil, err
		}
		pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
			if candidate == nil || events.OnCandidate == nil {
				return
			}
			candidateInit := candidate.ToJSON()
			events.OnCandidate(Candidate{
				Candidate:     candidateInit.Candidate,
				SDPMid:        candidateInit.SDPMid,
				SDPMLineIndex: candidateInit.SDPMLineIndex,
			})
		})
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			if events.OnState == nil {
				return
			}
			if mapped, ok := peerStates[state]; ok {
				events.OnState(mapped)
			}
		})
		if cfg.OnTrack != nil {
			pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
				cfg.OnTrack(remote, track)
			})
		}
		return peer, nil
	}, nil
}

var peerStates = map[webrtc.PeerConnectionState]PeerState{
	webrtc.PeerConnectionStateConnecting:   PeerConnecting,
	webrtc.PeerConnectionStateConnected:    PeerConnected,
	webrtc.PeerConnectionStateDisconnected: PeerDisconnected,
	webrtc.PeerConnectionStateFailed:       PeerFailed,
	webrtc.PeerConnectionStateClosed:       PeerClosed,
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

// attachMedia sends the local tracks. A kind with no local track gets a
// receive-only transceiver so the description still carries its section.
func (p *pionPeer) attachMedia(local LocalMedia) error {
	sending := map[webrtc.RTPCodecType]bool{}
	if local != nil {
		for _, track := range local.Tracks() {
			if _, err := p.pc.AddTrack(track); err != nil {
				return calls.Failf(calls.ErrPeerConnectionFailed, "add track: %v", err)
			}
			sending[track.Kind()] = true
		}
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if sending[kind] {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return calls.Failf(calls.ErrPeerConnectionFailed, "add %s transceiver: %v", kind, err)
		}
	}
	return nil
}

func (p *pionPeer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *pionPeer) AcceptOffer(sdp string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *pionPeer) AcceptAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *pionPeer) AddCandidate(candidate Candidate) error {
	if strings.TrimSpace(candidate.Candidate) == "" {
		return errors.New("empty candidate")
	}
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
