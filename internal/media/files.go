package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"go.uber.org/zap"
)

const (
	defaultFrameDuration = 33 * time.Millisecond
	oggPageDuration      = 20 * time.Millisecond
	opusSampleRate       = 48000
)

var ivfCodecs = map[string]string{
	"VP80": webrtc.MimeTypeVP8,
	"VP90": webrtc.MimeTypeVP9,
	"AV01": webrtc.MimeTypeAV1,
}

// FileDevices stands in for capture hardware by looping an IVF video file and
// an Ogg Opus audio file until the media is closed.
type FileDevices struct {
	VideoPath string
	AudioPath string
	Logger    *zap.Logger
}

func (d FileDevices) Acquire(ctx context.Context, request DeviceRequest) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, calls.Failf(calls.ErrMediaAcquisitionFailed, "%v", err)
	}
	var video, audio *webrtc.TrackLocalStaticSample
	if request.Video && d.VideoPath != "" {
		mimeType, err := ivfMimeType(d.VideoPath)
		if err != nil {
			return nil, calls.Failf(calls.ErrMediaAcquisitionFailed, "video source: %v", err)
		}
		if video, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, "video", "callroom"); err != nil {
			return nil, calls.Failf(calls.ErrMediaAcquisitionFailed, "video track: %v", err)
		}
	}
	if request.Audio && d.AudioPath != "" {
		if _, err := os.Stat(d.AudioPath); err != nil {
			return nil, calls.Failf(calls.ErrMediaAcquisitionFailed, "audio source: %v", err)
		}
		var err error
		if audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "callroom"); err != nil {
			return nil, calls.Failf(calls.ErrMediaAcquisitionFailed, "audio track: %v", err)
		}
	}
	if video == nil && audio == nil {
		return nil, calls.Fail(calls.ErrMediaAcquisitionFailed, "no capture source for the requested devices")
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	local := NewSampleMedia(video, audio)
	pumpCtx, cancel := context.WithCancel(context.Background())
	local.onClose = cancel
	if video != nil {
		go loop(pumpCtx, logger.With(zap.String("source", d.VideoPath)), func(ctx context.Context) error {
			return playIVF(ctx, d.VideoPath, local)
		})
	}
	if audio != nil {
		go loop(pumpCtx, logger.With(zap.String("source", d.AudioPath)), func(ctx context.Context) error {
			return playOgg(ctx, d.AudioPath, local)
		})
	}
	return local, nil
}

func loop(ctx context.Context, logger *zap.Logger, play func(context.Context) error) {
	for ctx.Err() == nil {
		if err := play(ctx); err != nil {
			if !errors.Is(err, ErrMediaClosed) {
				logger.Warn("media source stopped", zap.Error(err))
			}
			return
		}
	}
}

func ivfMimeType(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	_, header, err := ivfreader.NewWith(file)
	if err != nil {
		return "", err
	}
	mimeType, ok := ivfCodecs[header.FourCC]
	if !ok {
		return "", fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}
	return mimeType, nil
}

func playIVF(ctx context.Context, path string, local *SampleMedia) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		return err
	}
	frameDuration := time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	if frameDuration <= 0 {
		frameDuration = defaultFrameDuration
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := local.WriteVideo(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
	}
}

func playOgg(ctx context.Context, path string, local *SampleMedia) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	var lastGranule uint64
	for {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		duration := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))
		if err := local.WriteAudio(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			return err
		}
	}
}
