package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	webrtcmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = 100 * time.Millisecond
)

// silentOpusFrame is a minimal Opus frame decoding to silence
var silentOpusFrame = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource produces silent audio and blank video tracks. It lets the
// agent and its tests exercise the full negotiation path on hosts without
// camera or microphone hardware.
type SyntheticSource struct{}

// NewSyntheticSource creates a synthetic media source
func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{}
}

// Acquire returns a stream with the requested synthetic tracks
func (s *SyntheticSource) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	stream := &syntheticStream{}
	if c.Audio {
		track, err := newSyntheticTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, "audio", audioFrameInterval)
		if err != nil {
			return nil, &AccessError{Reason: ReasonNoDevice, Err: err}
		}
		stream.audio = track
	}
	if c.Video {
		track, err := s.AcquireVideo(ctx, c.Facing)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.video = track
	}
	return stream, nil
}

// AcquireVideo returns a standalone blank video track
func (s *SyntheticSource) AcquireVideo(ctx context.Context, facing Facing) (Track, error) {
	track, err := newSyntheticTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "video-"+string(facing), videoFrameInterval)
	if err != nil {
		return nil, &AccessError{Reason: ReasonNoDevice, Err: err}
	}
	return track, nil
}

type syntheticStream struct {
	audio Track
	video Track
}

func (s *syntheticStream) AudioTrack() Track { return s.audio }
func (s *syntheticStream) VideoTrack() Track { return s.video }

func (s *syntheticStream) Tracks() []Track {
	tracks := make([]Track, 0, 2)
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

func (s *syntheticStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// syntheticTrack writes one synthetic sample per frame interval while
// enabled. Disabling the track pauses writes, which is how mute works
// without renegotiation.
type syntheticTrack struct {
	local    *webrtc.TrackLocalStaticSample
	interval time.Duration
	enabled  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

func newSyntheticTrack(capability webrtc.RTPCodecCapability, id string, interval time.Duration) (*syntheticTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, "synthetic")
	if err != nil {
		return nil, err
	}

	t := &syntheticTrack{
		local:    local,
		interval: interval,
		done:     make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.writeLoop()
	return t, nil
}

func (t *syntheticTrack) writeLoop() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			// Errors here mean the track is not bound yet or the
			// transport went away; both resolve outside this loop.
			_ = t.local.WriteSample(webrtcmedia.Sample{
				Data:     t.sampleData(),
				Duration: t.interval,
			})
		}
	}
}

func (t *syntheticTrack) sampleData() []byte {
	if t.Kind() == webrtc.RTPCodecTypeAudio {
		return silentOpusFrame
	}
	// Blank VP8 payload; receivers render nothing, which is all a
	// synthetic camera needs.
	return []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}
}

func (t *syntheticTrack) Kind() webrtc.RTPCodecType {
	if t.local.Kind() == webrtc.RTPCodecTypeVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func (t *syntheticTrack) Local() webrtc.TrackLocal { return t.local }

func (t *syntheticTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *syntheticTrack) Enabled() bool { return t.enabled.Load() }

func (t *syntheticTrack) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}
