package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// DeviceRequest names the capture devices a client wants.
type DeviceRequest struct {
	Video bool
	Audio bool
}

// LocalMedia is captured camera and microphone output.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	SetMicMuted(muted bool)
	SetCameraEnabled(enabled bool)
	Close() error
}

// DeviceAcquirer opens local capture devices. Acquisition can block on a
// permission prompt, so it honours ctx.
type DeviceAcquirer interface {
	Acquire(ctx context.Context, request DeviceRequest) (LocalMedia, error)
}

var ErrMediaClosed = errors.New("local media closed")

// SampleMedia is LocalMedia fed one encoded sample at a time. Samples written
// while the camera is off or the microphone is muted are dropped, so the
// remote side receives nothing for that kind.
type SampleMedia struct {
	video *webrtc.TrackLocalStaticSample
	audio *webrtc.TrackLocalStaticSample

	mu        sync.Mutex
	micMuted  bool
	cameraOff bool
	closed    bool
	onClose   func()
}

// NewSampleMedia wraps the given tracks. Either may be nil.
func NewSampleMedia(video, audio *webrtc.TrackLocalStaticSample) *SampleMedia {
	return &SampleMedia{video: video, audio: audio}
}

func (m *SampleMedia) Tracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	if m.video != nil {
		tracks = append(tracks, m.video)
	}
	if m.audio != nil {
		tracks = append(tracks, m.audio)
	}
	return tracks
}

// WriteVideo sends one video sample unless the camera is off.
func (m *SampleMedia) WriteVideo(sample pionmedia.Sample) error {
	m.mu.Lock()
	closed, gated := m.closed, m.cameraOff || m.video == nil
	m.mu.Unlock()
	if closed {
		return ErrMediaClosed
	}
	if gated {
		return nil
	}
	return m.video.WriteSample(sample)
}

// WriteAudio sends one audio sample unless the microphone is muted.
func (m *SampleMedia) WriteAudio(sample pionmedia.Sample) error {
	m.mu.Lock()
	closed, gated := m.closed, m.micMuted || m.audio == nil
	m.mu.Unlock()
	if closed {
		return ErrMediaClosed
	}
	if gated {
		return nil
	}
	return m.audio.WriteSample(sample)
}

func (m *SampleMedia) SetMicMuted(muted bool) {
	m.mu.Lock()
	m.micMuted = muted
	m.mu.Unlock()
}

func (m *SampleMedia) SetCameraEnabled(enabled bool) {
	m.mu.Lock()
	m.cameraOff = !enabled
	m.mu.Unlock()
}

// CameraEnabled reports whether video samples are being sent.
func (m *SampleMedia) CameraEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.cameraOff
}

func (m *SampleMedia) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	onClose := m.onClose
	m.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}
