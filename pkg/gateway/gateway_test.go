package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/stretchr/testify/require"

	"rtspgate/pkg/auth"
	"rtspgate/pkg/log"
	"rtspgate/pkg/media"
	"rtspgate/pkg/metrics"
	"rtspgate/pkg/vms"
)

func newTestGateway(t *testing.T, broker vms.Broker) *Gateway {
	t.Helper()

	gate, err := auth.NewGate(
		filepath.Join(t.TempDir(), "users.json"), "", "", log.NewMockLogger())
	require.NoError(t, err)

	g := NewGateway(Config{
		RTSPAddress: "127.0.0.1:0",
		MediaAddr:   "127.0.0.1:1",
	}, gate, broker, metrics.New(), log.NewMockLogger())
	g.ctx = context.Background()
	return g
}

func TestResolveMount(t *testing.T) {
	guid := "8c2e9a4e-09b4-4a8f-bb64-6a9f0d0c9b01"

	t.Run("liveUnknownCodec", func(t *testing.T) {
		g := newTestGateway(t, newFakeBroker())

		_, status, err := g.resolveMount(
			context.Background(), "/cam1/stream0", "", false)
		require.ErrorIs(t, err, ErrCodecUnknown)
		require.Equal(t, base.StatusNotFound, status)
	})

	t.Run("live", func(t *testing.T) {
		broker := newFakeBroker()
		broker.cameras = []vms.Camera{{
			// The access check resolves by the stream access point.
			AccessPoint:  "cam1/stream0",
			AccessLevel:  vms.AccessMonitoring,
			VideoStreams: []string{"cam1/stream0"},
			Microphones:  []string{"cam1/mic"},
		}}
		broker.stats["cam1/stream0"] = "video/h264"

		g := newTestGateway(t, broker)
		require.NoError(t, g.sync.discoverFleet(context.Background()))
		g.sync.maybeProbe(context.Background())
		require.Eventually(t, func() bool {
			_, _, known := g.sync.Template("/cam1/stream0")
			return known
		}, time.Second, time.Millisecond)

		conf, status, err := g.resolveMount(
			context.Background(), "/cam1/stream0", "", false)
		require.NoError(t, err)
		require.Equal(t, base.StatusOK, status)
		require.Equal(t, KindLive, conf.Kind)
		require.Equal(t, "video/h264", conf.CodecTemplate)
		require.Equal(t, "cam1/stream0", conf.VideoSourcePath)
		require.Equal(t, "cam1/mic", conf.AudioSourcePath)
	})

	t.Run("archiveInsufficientAccess", func(t *testing.T) {
		broker := newFakeBroker()
		broker.cameras = []vms.Camera{{
			AccessPoint: "cam1",
			AccessLevel: vms.AccessMonitoring, // Below archive.
		}}

		g := newTestGateway(t, broker)

		_, status, err := g.resolveMount(context.Background(),
			"/archive/cam1/20240101T000000/"+guid, "speed=1", false)
		require.Error(t, err)
		require.Equal(t, base.StatusForbidden, status)
	})

	t.Run("archive", func(t *testing.T) {
		broker := newFakeBroker()
		broker.cameras = []vms.Camera{{
			AccessPoint: "cam1",
			AccessLevel: vms.AccessArchive,
			Microphones: []string{"cam1/mic"},
		}}
		broker.bindings["cam1"] = "storage1:20112"

		g := newTestGateway(t, broker)

		conf, status, err := g.resolveMount(context.Background(),
			"/archive/cam1/20240101T000000/"+guid, "speed=1", false)
		require.NoError(t, err)
		require.Equal(t, base.StatusOK, status)
		require.Equal(t, KindArchive, conf.Kind)
		require.Equal(t, "storage1:20112", conf.VideoAccessPoint)

		// Audio rides the same archive binding at speed 1.
		require.Equal(t, "cam1/mic", conf.AudioSourcePath)
	})

	t.Run("archiveNoAudioAtSpeed", func(t *testing.T) {
		broker := newFakeBroker()
		broker.cameras = []vms.Camera{{
			AccessPoint: "cam1",
			AccessLevel: vms.AccessArchive,
			Microphones: []string{"cam1/mic"},
		}}
		broker.bindings["cam1"] = "storage1:20112"

		g := newTestGateway(t, broker)

		conf, _, err := g.resolveMount(context.Background(),
			"/archive/cam1/20240101T000000/"+guid, "speed=4", false)
		require.NoError(t, err)
		require.Empty(t, conf.AudioSourcePath)
	})

	t.Run("archiveEmptyBinding", func(t *testing.T) {
		broker := newFakeBroker()
		broker.cameras = []vms.Camera{{
			AccessPoint: "cam1",
			AccessLevel: vms.AccessArchive,
		}}
		// No binding registered, the broker resolves to nothing.

		g := newTestGateway(t, broker)

		_, status, err := g.resolveMount(context.Background(),
			"/archive/cam1/20240101T000000/"+guid, "speed=1", false)
		require.Error(t, err)
		require.Equal(t, base.StatusForbidden, status)
	})

	t.Run("archiveBindingFails", func(t *testing.T) {
		broker := newFakeBroker()
		broker.cameras = []vms.Camera{{
			AccessPoint: "cam1",
			AccessLevel: vms.AccessFull,
		}}
		broker.bindingErr = context.DeadlineExceeded

		g := newTestGateway(t, broker)

		_, status, err := g.resolveMount(context.Background(),
			"/archive/cam1/20240101T000000/"+guid, "", false)
		require.Error(t, err)
		require.Equal(t, base.StatusForbidden, status)
	})

	t.Run("onvif", func(t *testing.T) {
		broker := newFakeBroker()
		broker.cameras = []vms.Camera{{
			AccessPoint: "cam1",
			AccessLevel: vms.AccessFull,
			Microphones: []string{"cam1/mic"},
		}}
		broker.bindings["cam1"] = "storage1:20112"

		g := newTestGateway(t, broker)

		conf, _, err := g.resolveMount(context.Background(),
			"/onvif/cam1/"+guid, "", false)
		require.NoError(t, err)
		require.Equal(t, KindOnvifReplay, conf.Kind)

		// ONVIF replay never carries audio.
		require.Empty(t, conf.AudioSourcePath)
	})

	t.Run("loopbackSkipsAccessCheck", func(t *testing.T) {
		broker := newFakeBroker()
		broker.bindings["cam1"] = "storage1:20112"

		g := newTestGateway(t, broker)

		_, status, err := g.resolveMount(context.Background(),
			"/archive/cam1/20240101T000000/"+guid, "", true)
		require.NoError(t, err)
		require.Equal(t, base.StatusOK, status)
	})

	t.Run("badPath", func(t *testing.T) {
		g := newTestGateway(t, newFakeBroker())

		_, status, err := g.resolveMount(
			context.Background(), "/archive/cam1", "", false)
		require.Error(t, err)
		require.Equal(t, base.StatusBadRequest, status)
	})
}

func TestSessionQuota(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		broker := newFakeBroker()
		broker.maxSessions = 2

		g := newTestGateway(t, broker)

		max, err := g.sessionQuota(context.Background(), "admin")
		require.NoError(t, err)
		require.Equal(t, 2, max)
	})

	t.Run("webUIDenied", func(t *testing.T) {
		broker := newFakeBroker()
		broker.canUse = false

		g := newTestGateway(t, broker)

		_, err := g.sessionQuota(context.Background(), "admin")
		require.Error(t, err)
	})

	t.Run("brokerFailureDenies", func(t *testing.T) {
		broker := newFakeBroker()
		broker.policyErr = context.DeadlineExceeded

		g := newTestGateway(t, broker)

		_, err := g.sessionQuota(context.Background(), "admin")
		require.Error(t, err)
	})
}

// A connection that issued several DESCRIBEs holds one session per
// request. Closing it must release all of them, not just the last.
func TestConnCloseReleasesAllSessions(t *testing.T) {
	g := newTestGateway(t, newFakeBroker())
	conn := &gortsplib.ServerConn{}

	require.True(t, g.accounting.TryConnect("admin", "/cam1", 0))
	g.recordConnect(conn, "admin", "/cam1")
	require.True(t, g.accounting.TryConnect("admin", "/cam1", 0))
	g.recordConnect(conn, "admin", "/cam1")
	require.Equal(t, 2, g.accounting.UserTotal("admin"))

	g.mu.Lock()
	g.permitted[permKey{"/cam1", "cred"}] = permInfo{user: "admin"}
	g.mu.Unlock()

	g.OnConnClose(&gortsplib.ServerHandlerOnConnCloseCtx{Conn: conn})

	require.Equal(t, 0, g.accounting.UserTotal("admin"))

	g.mu.Lock()
	defer g.mu.Unlock()
	require.Empty(t, g.conns)
	require.Empty(t, g.mountRefs)

	// The cached verdict dies with the mount.
	require.Empty(t, g.permitted)
}

// A pipeline failure right after mount creation must not leave a
// leaked mount or accounting entry behind.
func TestFailedBuildLeavesNoMount(t *testing.T) {
	g := newTestGateway(t, newFakeBroker())
	path := "/archive/cam1/20240101T000000/guid1"

	sctx, created, err := g.registry.GetOrCreate(path, func() *StreamContext {
		c := NewStreamContext(StreamContextConfig{
			Path:   path,
			Kind:   KindArchive,
			Speed:  1,
			Logger: log.NewMockLogger(),
		})
		c.dialArchive = func(
			_ context.Context,
			_, _ string,
			_ time.Time,
			_ media.StartPolicy,
			_ int,
			_ bool,
		) (media.Reader, error) {
			return nil, context.DeadlineExceeded
		}
		return c
	})
	require.NoError(t, err)
	require.True(t, created)

	_, err = g.buildMount(context.Background(), sctx)
	require.Error(t, err)

	g.registry.Evict(path)
	_, exist := g.registry.Get(path)
	require.False(t, exist)
	require.Equal(t, 0, g.accounting.UserTotal("admin"))
}

func TestPipelineStatus(t *testing.T) {
	require.Equal(t, base.StatusNotFound, pipelineStatus(ErrNoData))
	require.Equal(t, base.StatusNotFound, pipelineStatus(ErrCodecUnknown))
	require.Equal(t, base.StatusBadRequest, pipelineStatus(ErrCodecUnsupported))
	require.Equal(t, base.StatusNotFound, pipelineStatus(context.Canceled))
}
