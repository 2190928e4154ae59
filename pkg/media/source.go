package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/rs/zerolog"
)

var (
	ErrNotAcquired   = errors.New("source not acquired")
	ErrCodecMismatch = errors.New("file codec does not match track codec")
)

// Source is a capture source handle owned by one streamer
type Source interface {
	Acquire() error
	// Track returns the outgoing video track, nil before Acquire
	Track() webrtc.TrackLocal
	Close() error
}

// SourceStats counts what a source has written
type SourceStats struct {
	Frames uint64
	Bytes  uint64
}

// SampleSource publishes encoded frames written by the application onto one track
type SampleSource struct {
	id    string
	codec CodecType

	mu    sync.RWMutex
	track *webrtc.TrackLocalStaticSample

	frames atomic.Uint64
	bytes  atomic.Uint64
}

// NewSampleSource creates a source for streamer id carrying codec
func NewSampleSource(id string, codec CodecType) *SampleSource {
	return &SampleSource{id: id, codec: codec}
}

// Acquire creates the track
func (s *SampleSource) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track != nil {
		return nil
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: s.codec.MimeType()},
		"video",
		"pixelpeep-"+s.id,
	)
	if err != nil {
		return fmt.Errorf("failed to create track: %w", err)
	}
	s.track = track
	return nil
}

func (s *SampleSource) Track() webrtc.TrackLocal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.track == nil {
		return nil
	}
	return s.track
}

// Codec returns the codec of the track
func (s *SampleSource) Codec() CodecType {
	return s.codec
}

// WriteFrame sends one encoded frame to every connection bound to the track
func (s *SampleSource) WriteFrame(data []byte, duration time.Duration) error {
	s.mu.RLock()
	track := s.track
	s.mu.RUnlock()
	if track == nil {
		return ErrNotAcquired
	}

	if err := track.WriteSample(pionmedia.Sample{Data: data, Duration: duration}); err != nil {
		return fmt.Errorf("failed to write sample: %w", err)
	}
	s.frames.Add(1)
	s.bytes.Add(uint64(len(data)))
	return nil
}

// Stats returns frame and byte counts
func (s *SampleSource) Stats() SourceStats {
	return SourceStats{Frames: s.frames.Load(), Bytes: s.bytes.Load()}
}

// Close drops the track. Connections still holding it stop receiving frames.
func (s *SampleSource) Close() error {
	s.mu.Lock()
	s.track = nil
	s.mu.Unlock()
	return nil
}

// IVFSource loops a VP8/VP9 IVF file onto a SampleSource at the file's frame rate
type IVFSource struct {
	*SampleSource
	path string
	log  zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewIVFSource creates a looping file source for streamer id
func NewIVFSource(id, path string, codec CodecType, logger zerolog.Logger) *IVFSource {
	return &IVFSource{
		SampleSource: NewSampleSource(id, codec),
		path:         path,
		log:          logger.With().Str("streamer", id).Str("file", path).Logger(),
		stop:         make(chan struct{}),
	}
}

// Acquire opens the file, checks its codec and starts the playback loop
func (s *IVFSource) Acquire() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.path, err)
	}

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to read IVF header: %w", err)
	}
	if info := CodecByType(s.codec); info == nil || info.FourCC != header.FourCC {
		f.Close()
		return fmt.Errorf("%w: %s is %q, track is %s", ErrCodecMismatch, s.path, header.FourCC, s.codec)
	}

	if err := s.SampleSource.Acquire(); err != nil {
		f.Close()
		return err
	}

	interval := frameInterval(header.TimebaseNumerator, header.TimebaseDenominator)
	s.wg.Add(1)
	go s.loop(f, reader, interval)
	return nil
}

// frameInterval converts the IVF timebase to a frame duration, defaulting to 30 fps
func frameInterval(num, den uint32) time.Duration {
	if num == 0 || den == 0 {
		return time.Second / 30
	}
	d := time.Duration(uint64(time.Second) * uint64(num) / uint64(den))
	if d <= 0 {
		return time.Second / 30
	}
	return d
}

func (s *IVFSource) loop(f *os.File, reader *ivfreader.IVFReader, interval time.Duration) {
	defer s.wg.Done()
	defer f.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				s.log.Error().Err(err).Msg("failed to rewind IVF file")
				return
			}
			if reader, _, err = ivfreader.NewWith(f); err != nil {
				s.log.Error().Err(err).Msg("failed to restart IVF file")
				return
			}
			continue
		}
		if err != nil {
			s.log.Error().Err(err).Msg("failed to read IVF frame")
			return
		}

		if err := s.WriteFrame(frame, interval); err != nil && !errors.Is(err, ErrNotAcquired) {
			s.log.Warn().Err(err).Msg("failed to write frame")
		}
	}
}

// Close stops playback and drops the track
func (s *IVFSource) Close() error {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	return s.SampleSource.Close()
}
