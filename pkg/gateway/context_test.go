package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"rtspgate/pkg/log"
	"rtspgate/pkg/media"
)

type seekCall struct {
	at     time.Time
	policy media.StartPolicy
	speed  int
}

// fakeReader serves a scripted sample list.
type fakeReader struct {
	mu      sync.Mutex
	samples []*media.Sample
	seeks   []seekCall
	closed  bool

	// Samples installed by the next Seek call.
	afterSeek []*media.Sample
}

func (r *fakeReader) push(samples ...*media.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, samples...)
}

func (r *fakeReader) TryRead() (*media.Sample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return nil, false
	}
	sample := r.samples[0]
	r.samples = r.samples[1:]
	return sample, true
}

func (r *fakeReader) ReadTimeout(time.Duration) (*media.Sample, error) {
	sample, ok := r.TryRead()
	if !ok {
		return nil, media.ErrNoSample
	}
	return sample, nil
}

func (r *fakeReader) Seek(at time.Time, policy media.StartPolicy, speed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeks = append(r.seeks, seekCall{at, policy, speed})
	r.samples = r.afterSeek
	r.afterSeek = nil
	return nil
}

func (r *fakeReader) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed && len(r.samples) == 0
}

func (r *fakeReader) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// fakeSink records written packets.
type fakeSink struct {
	mu     sync.Mutex
	pkts   []*rtp.Packet
	medias []*description.Media
	closed bool
}

func (s *fakeSink) WritePacketRTP(medi *description.Media, pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pkts = append(s.pkts, pkt)
	s.medias = append(s.medias, medi)
	return nil
}

func (s *fakeSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSink) timestamps() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []uint32
	for _, pkt := range s.pkts {
		out = append(out, pkt.Timestamp)
	}
	return out
}

func keySample(at time.Time) *media.Sample {
	return &media.Sample{
		Codec:      media.CodecH264,
		Time:       at,
		IsKeyFrame: true,
		Payload:    [][]byte{{0x65, 0x1, 0x2}},
	}
}

func deltaSample(at time.Time) *media.Sample {
	return &media.Sample{
		Codec:   media.CodecH264,
		Time:    at,
		Payload: [][]byte{{0x41, 0x1, 0x2}},
	}
}

// newArchiveContext builds an archive context backed by the given
// fake reader.
func newArchiveContext(
	t *testing.T,
	conf StreamContextConfig,
	video *fakeReader,
) (*StreamContext, *fakeSink) {
	t.Helper()

	conf.Logger = log.NewMockLogger()
	if conf.VideoAccessPoint == "" {
		conf.VideoAccessPoint = "storage:1"
	}

	c := NewStreamContext(conf)
	c.dialArchive = func(
		_ context.Context,
		_, _ string,
		_ time.Time,
		_ media.StartPolicy,
		_ int,
		_ bool,
	) (media.Reader, error) {
		return video, nil
	}

	require.NoError(t, c.CreatePipeline(context.Background()))

	sink := &fakeSink{}
	c.SetSink(sink)
	return c, sink
}

func drain(t *testing.T, c *StreamContext) {
	t.Helper()
	for {
		sent, err := c.SendVideoSample()
		require.NoError(t, err)
		if !sent {
			return
		}
	}
}

func TestCreatePipelineIdempotent(t *testing.T) {
	video := &fakeReader{}
	video.push(keySample(time.Unix(4000, 0)))

	dials := 0
	conf := StreamContextConfig{
		Path:             "/archive/cam1/x",
		Kind:             KindArchive,
		Speed:            1,
		VideoAccessPoint: "storage:1",
		Logger:           log.NewMockLogger(),
	}
	c := NewStreamContext(conf)
	c.dialArchive = func(
		_ context.Context,
		_, _ string,
		_ time.Time,
		_ media.StartPolicy,
		_ int,
		_ bool,
	) (media.Reader, error) {
		dials++
		return video, nil
	}

	require.NoError(t, c.CreatePipeline(context.Background()))
	require.NoError(t, c.CreatePipeline(context.Background()))
	require.Equal(t, 1, dials)

	// Cleanup allows a rebuild.
	c.Cleanup()
	video.push(keySample(time.Unix(4000, 0)))
	require.NoError(t, c.CreatePipeline(context.Background()))
	require.Equal(t, 2, dials)
}

func TestCreatePipelineNoData(t *testing.T) {
	conf := StreamContextConfig{
		Path:   "/archive/cam1/x",
		Kind:   KindArchive,
		Speed:  1,
		Logger: log.NewMockLogger(),
	}
	c := NewStreamContext(conf)
	c.dialArchive = func(
		_ context.Context,
		_, _ string,
		_ time.Time,
		_ media.StartPolicy,
		_ int,
		_ bool,
	) (media.Reader, error) {
		return &fakeReader{}, nil
	}

	require.ErrorIs(t, c.CreatePipeline(context.Background()), ErrNoData)

	// The failed build resets the state for a later retry.
	c.mu.Lock()
	require.Equal(t, stateUnbuilt, c.state)
	c.mu.Unlock()
}

func TestPresentationTimeScaling(t *testing.T) {
	start := time.Unix(4000, 0)

	video := &fakeReader{}
	video.push(
		keySample(start),
		deltaSample(start.Add(time.Second)),
		deltaSample(start.Add(3*time.Second)),
	)

	c, sink := newArchiveContext(t, StreamContextConfig{
		Path:  "/archive/cam1/x",
		Kind:  KindArchive,
		Speed: 2,
	}, video)
	drain(t, c)

	ts := sink.timestamps()
	require.Len(t, ts, 3)

	// PTS deltas scale as capture-time deltas over |speed|.
	require.Equal(t, uint32(0), ts[0])
	require.Equal(t, uint32(videoClockRate/2), ts[1])
	require.Equal(t, uint32(3*videoClockRate/2), ts[2])
}

func TestPresentationTimeReverse(t *testing.T) {
	start := time.Unix(4000, 0)

	video := &fakeReader{}
	video.push(
		keySample(start),
		deltaSample(start.Add(-2*time.Second)),
	)

	c, sink := newArchiveContext(t, StreamContextConfig{
		Path:  "/archive/cam1/x",
		Kind:  KindArchive,
		Speed: -2,
	}, video)
	drain(t, c)

	ts := sink.timestamps()
	require.Len(t, ts, 2)
	require.Equal(t, uint32(0), ts[0])
	require.Equal(t, uint32(videoClockRate), ts[1])
}

func TestDiscontinuityExcluded(t *testing.T) {
	start := time.Unix(4000, 0)

	gapped := keySample(start.Add(11 * time.Second))
	gapped.Gap = 10 * time.Second

	video := &fakeReader{}
	video.push(
		keySample(start),
		deltaSample(start.Add(time.Second)),
		gapped,
	)

	c, sink := newArchiveContext(t, StreamContextConfig{
		Path:  "/archive/cam1/x",
		Kind:  KindArchive,
		Speed: 1,
	}, video)
	drain(t, c)

	ts := sink.timestamps()
	require.Len(t, ts, 3)
	require.Equal(t, uint32(videoClockRate), ts[1])

	// The 10s hole is excluded, the gapped sample lands at 1s.
	require.Equal(t, uint32(videoClockRate), ts[2])
}

func TestPrerollSkipped(t *testing.T) {
	start := time.Unix(4000, 0)

	video := &fakeReader{}
	video.push(deltaSample(start))
	video.push(deltaSample(start.Add(time.Second)))
	video.push(keySample(start.Add(2 * time.Second)))

	c, sink := newArchiveContext(t, StreamContextConfig{
		Path:  "/archive/cam1/x",
		Kind:  KindArchive,
		Speed: 1,
	}, video)
	drain(t, c)

	// Only the keyframe and later samples are delivered.
	require.Len(t, sink.timestamps(), 1)
}

func TestSeekClearsBuffer(t *testing.T) {
	preSeek := time.Unix(4000, 0)
	postSeek := time.Unix(9000, 0)

	video := &fakeReader{}
	video.push(
		keySample(preSeek),
		deltaSample(preSeek.Add(time.Second)),
		deltaSample(preSeek.Add(2*time.Second)),
	)
	video.afterSeek = []*media.Sample{
		keySample(postSeek),
		deltaSample(postSeek.Add(time.Second)),
	}

	c, sink := newArchiveContext(t, StreamContextConfig{
		Path: "/onvif/cam1/x",
		Kind: KindOnvifReplay,
	}, video)

	require.NoError(t, c.Seek(postSeek))
	drain(t, c)

	// No delivered sample predates the seek.
	c.mu.Lock()
	streamStart := c.streamStart
	c.mu.Unlock()
	require.Equal(t, postSeek, streamStart)

	ts := sink.timestamps()
	require.Len(t, ts, 2)
	require.Equal(t, uint32(0), ts[0])
	require.Equal(t, uint32(videoClockRate), ts[1])

	video.mu.Lock()
	require.Len(t, video.seeks, 1)
	require.Equal(t, postSeek, video.seeks[0].at)
	video.mu.Unlock()
}

func TestSeekVariants(t *testing.T) {
	t.Run("archiveRejected", func(t *testing.T) {
		video := &fakeReader{}
		video.push(keySample(time.Unix(4000, 0)))

		c, _ := newArchiveContext(t, StreamContextConfig{
			Path:  "/archive/cam1/x",
			Kind:  KindArchive,
			Speed: 1,
		}, video)

		require.ErrorIs(t, c.Seek(time.Unix(1, 0)), media.ErrSeekUnsupported)
	})

	t.Run("unbuiltRejected", func(t *testing.T) {
		c := NewStreamContext(StreamContextConfig{
			Path:   "/onvif/cam1/x",
			Kind:   KindOnvifReplay,
			Logger: log.NewMockLogger(),
		})
		require.ErrorIs(t, c.Seek(time.Unix(1, 0)), ErrNotBuilt)
	})
}

func TestSpeedChange(t *testing.T) {
	start := time.Unix(4000, 0)

	video := &fakeReader{}
	video.push(keySample(start), deltaSample(start.Add(time.Second)))
	video.afterSeek = []*media.Sample{
		keySample(start.Add(time.Second)),
	}

	c, _ := newArchiveContext(t, StreamContextConfig{
		Path:  "/archive/cam1/x",
		Kind:  KindArchive,
		Speed: 1,
	}, video)
	drain(t, c)

	require.NoError(t, c.SetSpeed(4))
	drain(t, c)

	video.mu.Lock()
	defer video.mu.Unlock()
	require.Len(t, video.seeks, 1)
	require.Equal(t, 4, video.seeks[0].speed)

	// Continues from the last delivered position.
	require.Equal(t, start.Add(time.Second), video.seeks[0].at)
}

func TestArchiveAudio(t *testing.T) {
	start := time.Unix(4000, 0)

	t.Run("attached", func(t *testing.T) {
		video := &fakeReader{}
		video.push(keySample(start))

		audio := &fakeReader{}
		audio.push(&media.Sample{
			Codec:   media.CodecPCM,
			Time:    start,
			IsAudio: true,
			Payload: [][]byte{{0x0, 0x1}},
		})

		conf := StreamContextConfig{
			Path:             "/archive/cam1/x",
			Kind:             KindArchive,
			Speed:            1,
			VideoAccessPoint: "storage:1",
			AudioAccessPoint: "storage:1",
			AudioSourcePath:  "cam1/mic",
			Logger:           log.NewMockLogger(),
		}
		c := NewStreamContext(conf)
		c.dialArchive = func(
			_ context.Context,
			_, path string,
			_ time.Time,
			_ media.StartPolicy,
			_ int,
			_ bool,
		) (media.Reader, error) {
			if path == "cam1/mic" {
				return audio, nil
			}
			return video, nil
		}

		require.NoError(t, c.CreatePipeline(context.Background()))

		desc, err := c.Desc()
		require.NoError(t, err)
		require.Len(t, desc.Medias, 2)

		sink := &fakeSink{}
		c.SetSink(sink)

		sent, err := c.SendAudioSample()
		require.NoError(t, err)
		require.True(t, sent)
	})

	t.Run("droppedOnTimeout", func(t *testing.T) {
		video := &fakeReader{}
		video.push(keySample(start))

		conf := StreamContextConfig{
			Path:             "/archive/cam1/x",
			Kind:             KindArchive,
			Speed:            1,
			VideoAccessPoint: "storage:1",
			AudioAccessPoint: "storage:1",
			AudioSourcePath:  "cam1/mic",
			Logger:           log.NewMockLogger(),
		}
		c := NewStreamContext(conf)
		c.dialArchive = func(
			_ context.Context,
			_, path string,
			_ time.Time,
			_ media.StartPolicy,
			_ int,
			_ bool,
		) (media.Reader, error) {
			if path == "cam1/mic" {
				// Empty reader, the peek times out.
				return &fakeReader{}, nil
			}
			return video, nil
		}

		// Audio drops silently, the session is video-only.
		require.NoError(t, c.CreatePipeline(context.Background()))

		desc, err := c.Desc()
		require.NoError(t, err)
		require.Len(t, desc.Medias, 1)
	})

	t.Run("skippedAtSpeed", func(t *testing.T) {
		video := &fakeReader{}
		video.push(keySample(start))

		audioDials := 0
		conf := StreamContextConfig{
			Path:             "/archive/cam1/x",
			Kind:             KindArchive,
			Speed:            2,
			VideoAccessPoint: "storage:1",
			AudioAccessPoint: "storage:1",
			AudioSourcePath:  "cam1/mic",
			Logger:           log.NewMockLogger(),
		}
		c := NewStreamContext(conf)
		c.dialArchive = func(
			_ context.Context,
			_, path string,
			_ time.Time,
			_ media.StartPolicy,
			_ int,
			_ bool,
		) (media.Reader, error) {
			if path == "cam1/mic" {
				audioDials++
			}
			return video, nil
		}

		require.NoError(t, c.CreatePipeline(context.Background()))
		require.Equal(t, 0, audioDials)
	})
}

func TestLivePipeline(t *testing.T) {
	t.Run("codecKnown", func(t *testing.T) {
		video := &fakeReader{}
		video.push(keySample(time.Unix(4000, 0)))

		conf := StreamContextConfig{
			Path:             "/cam1/stream0",
			Kind:             KindLive,
			VideoAccessPoint: "media:1",
			VideoSourcePath:  "cam1/stream0",
			CodecTemplate:    media.TemplateH264,
			Logger:           log.NewMockLogger(),
		}
		c := NewStreamContext(conf)
		c.dialLive = func(_ context.Context, _, _ string) (media.Reader, error) {
			return video, nil
		}

		require.NoError(t, c.CreatePipeline(context.Background()))

		sink := &fakeSink{}
		c.SetSink(sink)
		drain(t, c)
		require.Len(t, sink.timestamps(), 1)
	})

	t.Run("codecUnknown", func(t *testing.T) {
		c := NewStreamContext(StreamContextConfig{
			Path:   "/cam1/stream0",
			Kind:   KindLive,
			Logger: log.NewMockLogger(),
		})
		c.dialLive = func(_ context.Context, _, _ string) (media.Reader, error) {
			t.Fatal("must not dial without a codec template")
			return nil, nil
		}

		require.ErrorIs(t, c.CreatePipeline(context.Background()), ErrCodecUnknown)
	})
}

func TestSourceEnded(t *testing.T) {
	start := time.Unix(5000, 0)
	video := &fakeReader{}
	video.push(keySample(start))

	c, sink := newArchiveContext(t, StreamContextConfig{
		Path:  "/archive/cam1/x",
		Kind:  KindArchive,
		Speed: 1,
	}, video)

	drain(t, c)

	// Source EOF with nothing buffered ends the session.
	require.NoError(t, video.Close())

	_, err := c.SendVideoSample()
	require.ErrorIs(t, err, ErrSourceEnded)

	done := make(chan struct{})
	go func() {
		c.Feed(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("feed did not stop")
	}

	sink.mu.Lock()
	require.True(t, sink.closed)
	sink.mu.Unlock()
}

func TestCleanupClosesReaders(t *testing.T) {
	video := &fakeReader{}
	video.push(keySample(time.Unix(4000, 0)))

	c, sink := newArchiveContext(t, StreamContextConfig{
		Path:  "/archive/cam1/x",
		Kind:  KindArchive,
		Speed: 1,
	}, video)

	c.Close()

	video.mu.Lock()
	require.True(t, video.closed)
	video.mu.Unlock()

	sink.mu.Lock()
	require.True(t, sink.closed)
	sink.mu.Unlock()

	// Torn down for good.
	require.ErrorIs(t, c.CreatePipeline(context.Background()), ErrContextTornDown)

	sent, err := c.SendVideoSample()
	require.NoError(t, err)
	require.False(t, sent)
}
