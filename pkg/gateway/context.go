// SPDX-License-Identifier: GPL-2.0-or-later

package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/pion/rtp"

	"rtspgate/pkg/log"
	"rtspgate/pkg/media"
)

// StreamKind mounted resource variant.
type StreamKind int

// Stream kinds.
const (
	KindLive StreamKind = iota
	KindArchive
	KindOnvifReplay
)

func (k StreamKind) String() string {
	switch k {
	case KindLive:
		return "live"
	case KindArchive:
		return "archive"
	case KindOnvifReplay:
		return "onvifReplay"
	}
	return "unknown"
}

type buildState int

const (
	stateUnbuilt buildState = iota
	stateAwaitingFirstSample
	stateBuilt
	stateTornDown
)

// How long pipeline construction may wait for the first sample. Only
// construction blocks, the sample feed itself never does.
const (
	firstSampleTimeout = 500 * time.Millisecond
	audioPeekTimeout   = 500 * time.Millisecond
)

// Errors.
var (
	ErrContextTornDown = errors.New("stream context is torn down")
	ErrNotBuilt        = errors.New("pipeline is not built")
	ErrNoData          = errors.New("source produced no samples")
	ErrSourceEnded     = errors.New("source stopped producing samples")
	ErrCodecUnknown    = errors.New("live codec not yet known")
)

// StreamSink receives payloaded packets for delivery to clients.
// Satisfied by gortsplib.ServerStream.
type StreamSink interface {
	WritePacketRTP(medi *description.Media, pkt *rtp.Packet) error
	Close()
}

type commandKind int

const (
	commandSpeed commandKind = iota
	commandSeek
)

// streamCommand is handed to the sample-feeding loop, which applies
// it before pulling the next sample. Keeps seeks and speed changes
// off the network-callback threads.
type streamCommand struct {
	kind  commandKind
	speed int
	at    time.Time
}

// StreamContextConfig immutable parameters of one mounted resource,
// derived from the URL and the broker resolution during DESCRIBE.
type StreamContextConfig struct {
	Path string
	Kind StreamKind

	Speed         int
	KeyFramesOnly bool
	StartAt       time.Time // Archive start position.

	// Where to pull samples from. Video is required, audio optional.
	VideoAccessPoint string
	VideoSourcePath  string
	AudioAccessPoint string
	AudioSourcePath  string

	// Live codec template determined by the registry sync loop.
	CodecTemplate string

	// Called once per delivered video sample, instrumentation hook.
	OnSample func()

	Logger *log.Logger
}

// StreamContext state machine for one mounted resource.
type StreamContext struct {
	conf   StreamContextConfig
	logger *log.Logger

	dialArchive func(
		ctx context.Context,
		accessPoint, path string,
		at time.Time,
		policy media.StartPolicy,
		speed int,
		keyFramesOnly bool,
	) (media.Reader, error)
	dialLive func(ctx context.Context, accessPoint, path string) (media.Reader, error)

	commands chan streamCommand

	mu          sync.Mutex
	state       buildState
	pipe        *Pipeline
	sink        StreamSink
	videoReader media.Reader
	audioReader media.Reader

	speed         int
	streamStart   time.Time
	discontinuity time.Duration
	sawKeyFrame   bool
	lastSample    time.Time

	pendingVideo *media.Sample
	pendingAudio *media.Sample
}

// NewStreamContext returns an unbuilt context for the given resource.
func NewStreamContext(conf StreamContextConfig) *StreamContext {
	speed := conf.Speed
	if conf.Kind != KindArchive || speed == 0 {
		// Live and ONVIF replay always play forward in real time.
		speed = 1
	}

	return &StreamContext{
		conf:   conf,
		logger: conf.Logger,

		dialArchive: media.DialArchive,
		dialLive:    media.DialLive,

		commands: make(chan streamCommand, 8),
		speed:    speed,
	}
}

// Path returns the mount path.
func (c *StreamContext) Path() string { return c.conf.Path }

// Kind returns the stream variant.
func (c *StreamContext) Kind() StreamKind { return c.conf.Kind }

// Desc returns the session description of a built pipeline.
func (c *StreamContext) Desc() (*description.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateBuilt {
		return nil, ErrNotBuilt
	}
	return c.pipe.Desc, nil
}

// SetSink attaches the packet sink. Must be called after
// CreatePipeline and before the first sample is fed.
func (c *StreamContext) SetSink(sink StreamSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// Sink returns the attached packet sink, nil when unset.
func (c *StreamContext) Sink() StreamSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

// CreatePipeline opens the source readers and materializes the
// payloader. Idempotent, a second call without an intervening
// Cleanup is a no-op. No lock is held across the dials.
func (c *StreamContext) CreatePipeline(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateAwaitingFirstSample, stateBuilt:
		c.mu.Unlock()
		return nil
	case stateTornDown:
		c.mu.Unlock()
		return ErrContextTornDown
	case stateUnbuilt:
	}
	c.state = stateAwaitingFirstSample
	c.mu.Unlock()

	video, audio, pipe, first, firstAudio, err := c.buildPipeline(ctx)
	if err != nil {
		c.mu.Lock()
		if c.state == stateAwaitingFirstSample {
			c.state = stateUnbuilt
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateAwaitingFirstSample {
		// Torn down while dialing.
		video.Close()
		if audio != nil {
			audio.Close()
		}
		return ErrContextTornDown
	}

	c.videoReader = video
	c.audioReader = audio
	c.pipe = pipe
	c.pendingVideo = first
	c.pendingAudio = firstAudio
	if first != nil {
		// Exact-time seeks may land before the first available
		// frame, the peeked sample carries the true start.
		c.streamStart = first.Time
	}
	c.state = stateBuilt

	return nil
}

func (c *StreamContext) buildPipeline(ctx context.Context) (
	video, audio media.Reader,
	pipe *Pipeline,
	first, firstAudio *media.Sample,
	err error,
) {
	fail := func(err error) (media.Reader, media.Reader, *Pipeline, *media.Sample, *media.Sample, error) {
		if video != nil {
			video.Close()
		}
		if audio != nil {
			audio.Close()
		}
		return nil, nil, nil, nil, nil, err
	}

	var codec media.Codec

	switch c.conf.Kind {
	case KindLive:
		codec, err = media.ParseTemplate(c.conf.CodecTemplate)
		if err != nil {
			return fail(fmt.Errorf("%w: %q", ErrCodecUnknown, c.conf.CodecTemplate))
		}

		video, err = c.dialLive(ctx, c.conf.VideoAccessPoint, c.conf.VideoSourcePath)
		if err != nil {
			return fail(err)
		}

		if c.conf.AudioAccessPoint != "" {
			audio, err = c.dialLive(ctx, c.conf.AudioAccessPoint, c.conf.AudioSourcePath)
			if err != nil {
				// Audio degrades gracefully, video-only stream.
				c.logger.Warn().Src("stream").Path(c.conf.Path).
					Msgf("live audio unavailable: %v", err)
				audio = nil
			}
		}

	case KindArchive, KindOnvifReplay:
		video, err = c.dialArchive(
			ctx,
			c.conf.VideoAccessPoint,
			c.conf.VideoSourcePath,
			c.conf.StartAt,
			media.StartKeyFrameOrEnd,
			c.speed,
			c.conf.KeyFramesOnly,
		)
		if err != nil {
			return fail(err)
		}

		// Archive codec is not known statically, peek one sample to
		// learn it and the true stream start time.
		first, err = video.ReadTimeout(firstSampleTimeout)
		if err != nil {
			return fail(ErrNoData)
		}
		codec = first.Codec

		if c.conf.Kind == KindArchive && c.speed == 1 && c.conf.AudioAccessPoint != "" {
			audio, firstAudio = c.peekAudio(ctx)
		}
	}

	pipe, err = BuildPipeline(codec, c.conf.Kind, audio != nil)
	if err != nil {
		return fail(err)
	}
	if first != nil {
		pipe.SetVideoParams(first.Payload)
	}

	return video, audio, pipe, first, firstAudio, nil
}

// peekAudio tries to open the audio archive. Absence or timeout drops
// audio silently instead of failing the session.
func (c *StreamContext) peekAudio(ctx context.Context) (media.Reader, *media.Sample) {
	audio, err := c.dialArchive(
		ctx,
		c.conf.AudioAccessPoint,
		c.conf.AudioSourcePath,
		c.conf.StartAt,
		media.StartExact,
		1,
		false,
	)
	if err != nil {
		c.logger.Warn().Src("stream").Path(c.conf.Path).
			Msgf("archive audio unavailable: %v", err)
		return nil, nil
	}

	sample, err := audio.ReadTimeout(audioPeekTimeout)
	if err != nil {
		audio.Close()
		return nil, nil
	}
	return audio, sample
}

// Seek repositions an ONVIF replay on its already-open reader.
// Buffered samples are dropped so nothing recorded before the seek
// reaches the client after it.
func (c *StreamContext) Seek(at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conf.Kind != KindOnvifReplay {
		return media.ErrSeekUnsupported
	}
	if c.state != stateBuilt {
		return ErrNotBuilt
	}

	select {
	case c.commands <- streamCommand{kind: commandSeek, at: at}:
		return nil
	default:
		return errors.New("command queue full")
	}
}

// SetSpeed requests a mid-session playback speed change. Applied by
// the feeding loop before the next sample.
func (c *StreamContext) SetSpeed(speed int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conf.Kind != KindArchive {
		return fmt.Errorf("speed change on %v stream", c.conf.Kind)
	}
	if c.state != stateBuilt {
		return ErrNotBuilt
	}
	if speed == 0 {
		return errors.New("speed must be non-zero")
	}

	select {
	case c.commands <- streamCommand{kind: commandSpeed, speed: speed}:
		return nil
	default:
		return errors.New("command queue full")
	}
}

// applyCommands runs queued seeks and speed changes. Called from the
// feeding loop only.
func (c *StreamContext) applyCommands(reader media.Reader) {
	for {
		select {
		case cmd := <-c.commands:
			c.applyCommand(reader, cmd)
		default:
			return
		}
	}
}

func (c *StreamContext) applyCommand(reader media.Reader, cmd streamCommand) {
	switch cmd.kind {
	case commandSpeed:
		c.mu.Lock()
		from := c.lastSample
		c.speed = cmd.speed
		c.mu.Unlock()

		// Continue from the current position at the new rate.
		if err := reader.Seek(from, media.StartKeyFrame, cmd.speed); err != nil {
			c.logger.Warn().Src("stream").Path(c.conf.Path).
				Msgf("speed change seek: %v", err)
		}

	case commandSeek:
		if err := reader.Seek(cmd.at, media.StartKeyFrame, 1); err != nil {
			c.logger.Warn().Src("stream").Path(c.conf.Path).
				Msgf("seek: %v", err)
			return
		}

		c.mu.Lock()
		c.streamStart = time.Time{}
		c.discontinuity = 0
		c.sawKeyFrame = false
		c.pendingVideo = nil
		c.mu.Unlock()
	}
}

// SendVideoSample feeds at most one video sample to the sink. Never
// blocks, returns false when no sample is ready.
func (c *StreamContext) SendVideoSample() (bool, error) {
	c.mu.Lock()
	if c.state != stateBuilt || c.sink == nil {
		c.mu.Unlock()
		return false, nil
	}
	reader := c.videoReader
	c.mu.Unlock()

	c.applyCommands(reader)

	c.mu.Lock()
	if c.state != stateBuilt {
		c.mu.Unlock()
		return false, nil
	}

	sample := c.pendingVideo
	c.pendingVideo = nil
	if sample == nil {
		var ok bool
		sample, ok = reader.TryRead()
		if !ok {
			c.mu.Unlock()
			if reader.Closed() {
				return false, ErrSourceEnded
			}
			return false, nil
		}
	}

	// Skip preroll until a usable keyframe arrives.
	if !c.sawKeyFrame {
		if !sample.IsKeyFrame {
			c.mu.Unlock()
			return true, nil
		}
		c.sawKeyFrame = true
	}

	if c.streamStart.IsZero() {
		c.streamStart = sample.Time
	}
	if sample.Gap != 0 {
		// Holes in the source timeline must not inflate PTS.
		c.discontinuity += sample.Gap
	}
	c.lastSample = sample.Time

	pts := presentationSeconds(sample.Time, c.streamStart, c.discontinuity, c.speed)
	pipe := c.pipe
	sink := c.sink
	c.mu.Unlock()

	pkts, err := pipe.EncodeVideo(sample.Payload, pts)
	if err != nil {
		return false, fmt.Errorf("encode video: %w", err)
	}
	for _, pkt := range pkts {
		if err := sink.WritePacketRTP(pipe.VideoMedia, pkt); err != nil {
			return false, err
		}
	}
	if c.conf.OnSample != nil {
		c.conf.OnSample()
	}
	return true, nil
}

// SendAudioSample feeds at most one audio sample. Never blocks.
func (c *StreamContext) SendAudioSample() (bool, error) {
	c.mu.Lock()
	if c.state != stateBuilt || c.sink == nil || c.audioReader == nil {
		c.mu.Unlock()
		return false, nil
	}

	sample := c.pendingAudio
	c.pendingAudio = nil
	if sample == nil {
		var ok bool
		sample, ok = c.audioReader.TryRead()
		if !ok {
			c.mu.Unlock()
			return false, nil
		}
	}

	if c.streamStart.IsZero() {
		c.mu.Unlock()
		return false, nil
	}
	pts := presentationSeconds(sample.Time, c.streamStart, c.discontinuity, 1)
	pipe := c.pipe
	sink := c.sink
	c.mu.Unlock()

	if len(sample.Payload) == 0 {
		return false, nil
	}
	pkts, err := pipe.EncodeAudio(sample.Payload[0], pts)
	if err != nil {
		return false, fmt.Errorf("encode audio: %w", err)
	}
	for _, pkt := range pkts {
		if err := sink.WritePacketRTP(pipe.AudioMedia, pkt); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Feed pumps samples into the sink until the context is torn down or
// ctx is canceled.
func (c *StreamContext) Feed(ctx context.Context) {
	for {
		sentVideo, err := c.SendVideoSample()
		if errors.Is(err, ErrSourceEnded) {
			// EOF or dead connection, end the session instead of
			// leaving clients on a stalled stream.
			c.logger.Info().Src("stream").Path(c.conf.Path).
				Msg("source ended, closing")
			c.Close()
			return
		}
		if err != nil {
			c.logger.Warn().Src("stream").Path(c.conf.Path).
				Msgf("feed: %v", err)
		}
		sentAudio, _ := c.SendAudioSample()

		c.mu.Lock()
		tornDown := c.state == stateTornDown
		c.mu.Unlock()
		if tornDown {
			return
		}

		if !sentVideo && !sentAudio {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
}

// Cleanup closes the readers and resets the context so a later
// connection to the same path can rebuild it.
func (c *StreamContext) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	if c.state != stateTornDown {
		c.state = stateUnbuilt
	}
}

// Close tears the context down for good, disconnecting clients.
func (c *StreamContext) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateTornDown {
		return
	}
	c.reset()
	c.state = stateTornDown

	if c.sink != nil {
		c.sink.Close()
		c.sink = nil
	}
}

// reset must be called with the lock held.
func (c *StreamContext) reset() {
	if c.videoReader != nil {
		c.videoReader.Close()
		c.videoReader = nil
	}
	if c.audioReader != nil {
		c.audioReader.Close()
		c.audioReader = nil
	}
	c.pipe = nil
	c.pendingVideo = nil
	c.pendingAudio = nil
	c.streamStart = time.Time{}
	c.discontinuity = 0
	c.sawKeyFrame = false
	c.lastSample = time.Time{}

	// Drop stale commands.
	for {
		select {
		case <-c.commands:
		default:
			return
		}
	}
}

// presentationSeconds computes the playback timestamp of a sample:
// elapsed source time, minus accumulated discontinuities, scaled by
// the absolute playback speed. Reverse playback uses the same magnitude.
func presentationSeconds(capture, start time.Time, discontinuity time.Duration, speed int) float64 {
	elapsed := capture.Sub(start)
	if elapsed < 0 {
		elapsed = -elapsed
	}

	elapsed -= discontinuity
	if elapsed < 0 {
		elapsed = 0
	}

	if speed < 0 {
		speed = -speed
	}
	if speed == 0 {
		speed = 1
	}
	return elapsed.Seconds() / float64(speed)
}
