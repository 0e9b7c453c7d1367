// SPDX-License-Identifier: GPL-2.0-or-later

// Package gateway exposes the platform's cameras and archives as RTSP
// resources.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"

	"rtspgate/pkg/auth"
	"rtspgate/pkg/log"
	"rtspgate/pkg/metrics"
	"rtspgate/pkg/vms"
)

// Private alias for proxies that strip the standard header.
const altAuthHeader = "X-Authorization"

const resolveTimeout = 10 * time.Second

// Config gateway parameters.
type Config struct {
	RTSPAddress string

	// Live sample access point, host:port.
	MediaAddr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type connInfo struct {
	user string
	path string
}

type permKey struct {
	path   string
	header string
}

// permInfo caches the broker's authorization verdict for a permKey.
// The quota rides along so the fast path can reserve a session without
// re-querying the broker.
type permInfo struct {
	user string
	max  int
}

// Gateway owns the RTSP listener and dispatches its callbacks to the
// registry, the accounting table and the sync loop.
type Gateway struct {
	conf       Config
	gate       *auth.Gate
	broker     vms.Broker
	registry   *MountRegistry
	accounting *ConnectionAccounting
	sync       *LiveSync
	metrics    *metrics.Metrics
	logger     *log.Logger

	server *gortsplib.Server

	ctx       context.Context
	cancel    context.CancelFunc
	feederWG  sync.WaitGroup

	mu        sync.Mutex
	permitted map[permKey]permInfo // Verdict per (path, credential).
	conns     map[*gortsplib.ServerConn][]connInfo
	mountRefs map[string]int
	stopped   bool
}

// NewGateway wires the gateway components together.
func NewGateway(
	conf Config,
	gate *auth.Gate,
	broker vms.Broker,
	m *metrics.Metrics,
	logger *log.Logger,
) *Gateway {
	registry := NewMountRegistry(logger)

	g := &Gateway{
		conf:       conf,
		gate:       gate,
		broker:     broker,
		registry:   registry,
		accounting: NewConnectionAccounting(),
		sync:       NewLiveSync(broker, registry, logger),
		metrics:    m,
		logger:     logger,

		permitted: make(map[permKey]permInfo),
		conns:     make(map[*gortsplib.ServerConn][]connInfo),
		mountRefs: make(map[string]int),
	}

	g.server = &gortsplib.Server{
		Handler:      g,
		RTSPAddress:  conf.RTSPAddress,
		ReadTimeout:  conf.ReadTimeout,
		WriteTimeout: conf.WriteTimeout,
	}
	return g
}

// Registry returns the mount registry.
func (g *Gateway) Registry() *MountRegistry { return g.registry }

// Accounting returns the connection accounting table.
func (g *Gateway) Accounting() *ConnectionAccounting { return g.accounting }

// Start discovers the fleet, then brings up the listener and the sync
// loop. Fleet discovery fails closed, retried inside LiveSync.Start
// until it succeeds or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)

	if err := g.sync.Start(g.ctx); err != nil {
		g.cancel()
		return fmt.Errorf("live registry sync: %w", err)
	}

	if err := g.server.Start(); err != nil {
		g.sync.Stop()
		g.cancel()
		return fmt.Errorf("start rtsp listener: %w", err)
	}

	g.logger.Info().Src("gateway").
		Msgf("rtsp listener started on %v", g.conf.RTSPAddress)
	return nil
}

// Stop unmounts everything and releases the listener. Idempotent and
// safe to call from any goroutine.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.mu.Unlock()

	g.sync.Stop()
	if g.cancel != nil {
		g.cancel()
	}
	g.server.Close()
	g.registry.Stop()
	g.feederWG.Wait()
	g.sync.Wait()

	g.logger.Info().Src("gateway").Msg("stopped")
}

func (g *Gateway) authHeader(req *base.Request) string {
	if h := req.Header["Authorization"]; len(h) > 0 {
		return h[0]
	}
	if h := req.Header[altAuthHeader]; len(h) > 0 {
		return h[0]
	}
	return ""
}

func (g *Gateway) reject(reason string, status base.StatusCode) (*base.Response, *gortsplib.ServerStream, error) {
	g.metrics.Rejected.WithLabelValues(reason).Inc()
	return &base.Response{StatusCode: status}, nil, nil
}

// OnDescribe authenticates and authorizes the request, mounting the
// resource on success.
func (g *Gateway) OnDescribe(
	ctx *gortsplib.ServerHandlerOnDescribeCtx,
) (*base.Response, *gortsplib.ServerStream, error) {
	g.mu.Lock()
	stopped := g.stopped
	g.mu.Unlock()
	if stopped {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}

	header := g.authHeader(ctx.Request)
	if header == "" {
		// Challenge, the client retries with credentials.
		return &base.Response{
			StatusCode: base.StatusUnauthorized,
			Header: base.Header{
				"WWW-Authenticate": base.HeaderValue{`Basic realm="rtspgate"`},
			},
		}, nil, nil
	}

	// Intra-host bridging bypasses broker authorization.
	loopback := g.gate.IsLoopbackSentinel(ctx.Conn.NetConn().RemoteAddr(), header)

	user := ""
	if loopback {
		user = "loopback"
	} else {
		res := g.gate.ValidateHeader(header)
		if !res.IsValid {
			return g.reject("credentials", base.StatusForbidden)
		}
		user = res.User.Username
	}

	// A (resource, credential) pair already authorized against the
	// broker is not re-queried. The cached quota still applies.
	g.mu.Lock()
	info, granted := g.permitted[permKey{ctx.Path, header}]
	g.mu.Unlock()

	if granted {
		if sctx, exist := g.registry.Get(ctx.Path); exist {
			if stream, ok := sctx.Sink().(*gortsplib.ServerStream); ok {
				if !g.accounting.TryConnect(info.user, ctx.Path, info.max) {
					return g.reject("quota", base.StatusForbidden)
				}
				g.recordConnect(ctx.Conn, info.user, ctx.Path)
				return &base.Response{StatusCode: base.StatusOK}, stream, nil
			}
		}
	}

	rctx, cancel := context.WithTimeout(g.ctx, resolveTimeout)
	defer cancel()

	conf, status, err := g.resolveMount(rctx, ctx.Path, ctx.Query, loopback)
	if err != nil {
		g.logger.Debug().Src("gateway").Path(ctx.Path).
			Msgf("describe rejected: %v", err)
		return g.reject("resolve", status)
	}

	max := 0 // Loopback sessions are unlimited.
	if !loopback {
		max, err = g.sessionQuota(rctx, user)
		if err != nil {
			return g.reject("quota", base.StatusForbidden)
		}
	}

	// Reserve the session before mounting so concurrent authorization
	// attempts cannot overshoot the quota between check and record.
	if !g.accounting.TryConnect(user, ctx.Path, max) {
		return g.reject("quota", base.StatusForbidden)
	}

	conf.Logger = g.logger
	conf.OnSample = g.metrics.Samples.Inc
	sctx, created, err := g.registry.GetOrCreate(ctx.Path, func() *StreamContext {
		return NewStreamContext(*conf)
	})
	if err != nil {
		g.accounting.Disconnect(user, ctx.Path)
		return g.reject("stopped", base.StatusNotFound)
	}

	stream, err := g.buildMount(rctx, sctx)
	if err != nil {
		g.accounting.Disconnect(user, ctx.Path)
		// Never leak an empty mount point.
		if created {
			g.registry.Evict(ctx.Path)
			g.metrics.Mounts.Set(float64(g.registry.Count()))
		}
		g.logger.Warn().Src("gateway").Path(ctx.Path).
			Msgf("pipeline construction failed: %v", err)
		return g.reject("pipeline", pipelineStatus(err))
	}

	g.mu.Lock()
	g.permitted[permKey{ctx.Path, header}] = permInfo{user: user, max: max}
	g.mu.Unlock()

	g.recordConnect(ctx.Conn, user, ctx.Path)
	g.metrics.Mounts.Set(float64(g.registry.Count()))

	return &base.Response{StatusCode: base.StatusOK}, stream, nil
}

func pipelineStatus(err error) base.StatusCode {
	switch {
	case errors.Is(err, ErrCodecUnknown), errors.Is(err, ErrNoData):
		return base.StatusNotFound
	case errors.Is(err, ErrCodecUnsupported):
		return base.StatusBadRequest
	}
	return base.StatusNotFound
}

// resolveMount derives the stream context configuration from the path
// shape and the broker.
func (g *Gateway) resolveMount(
	ctx context.Context,
	path, rawQuery string,
	loopback bool,
) (*StreamContextConfig, base.StatusCode, error) {
	switch {
	case strings.HasPrefix(path, "/archive/"):
		query, err := url.ParseQuery(rawQuery)
		if err != nil {
			return nil, base.StatusBadRequest, err
		}
		req, err := ParseArchivePath(path, query)
		if err != nil {
			return nil, base.StatusBadRequest, err
		}
		return g.resolveArchiveMount(ctx, path, req, KindArchive, loopback)

	case strings.HasPrefix(path, "/onvif/"):
		req, err := ParseOnvifPath(path)
		if err != nil {
			return nil, base.StatusBadRequest, err
		}
		return g.resolveArchiveMount(ctx, path, req, KindOnvifReplay, loopback)
	}

	return g.resolveLiveMount(ctx, path, loopback)
}

func (g *Gateway) resolveLiveMount(
	ctx context.Context,
	path string,
	loopback bool,
) (*StreamContextConfig, base.StatusCode, error) {
	template, audioAP, known := g.sync.Template(path)
	if !known {
		return nil, base.StatusNotFound,
			fmt.Errorf("%w: %v", ErrCodecUnknown, path)
	}

	accessPoint := strings.TrimPrefix(path, "/")
	if !loopback {
		if err := g.checkAccess(ctx, accessPoint, vms.AccessMonitoring); err != nil {
			return nil, base.StatusForbidden, err
		}
	}

	conf := &StreamContextConfig{
		Path:             path,
		Kind:             KindLive,
		VideoAccessPoint: g.conf.MediaAddr,
		VideoSourcePath:  accessPoint,
		CodecTemplate:    template,
	}
	if audioAP != "" {
		conf.AudioAccessPoint = g.conf.MediaAddr
		conf.AudioSourcePath = audioAP
	}
	return conf, base.StatusOK, nil
}

func (g *Gateway) resolveArchiveMount(
	ctx context.Context,
	path string,
	req *ArchiveRequest,
	kind StreamKind,
	loopback bool,
) (*StreamContextConfig, base.StatusCode, error) {
	var camera *vms.Camera
	if !loopback {
		var err error
		camera, err = g.lookupCamera(ctx, req.ResourceID)
		if err != nil {
			return nil, base.StatusForbidden, err
		}
		if !camera.AccessLevel.Allows(vms.AccessArchive) {
			return nil, base.StatusForbidden,
				fmt.Errorf("access level %v below archive", camera.AccessLevel)
		}
	}

	binding, err := g.broker.ResolveArchiveBinding(ctx, req.ResourceID, req.Start)
	if err != nil {
		return nil, base.StatusForbidden,
			fmt.Errorf("resolve archive binding: %w", err)
	}
	if binding == "" {
		return nil, base.StatusForbidden,
			fmt.Errorf("no archive binding for %v", req.ResourceID)
	}

	conf := &StreamContextConfig{
		Path:             path,
		Kind:             kind,
		Speed:            req.Speed,
		KeyFramesOnly:    req.KeyFramesOnly,
		StartAt:          req.Start,
		VideoAccessPoint: binding,
		VideoSourcePath:  req.ResourceID,
	}

	// Audio only at normal forward speed.
	if kind == KindArchive && req.Speed == 1 &&
		camera != nil && len(camera.Microphones) > 0 {
		conf.AudioAccessPoint = binding
		conf.AudioSourcePath = camera.Microphones[0]
	}
	return conf, base.StatusOK, nil
}

func (g *Gateway) lookupCamera(ctx context.Context, accessPoint string) (*vms.Camera, error) {
	cameras, err := g.broker.BatchGetCameras(ctx, []string{accessPoint})
	if err != nil {
		return nil, fmt.Errorf("resolve camera: %w", err)
	}
	if len(cameras) == 0 {
		return nil, fmt.Errorf("unknown camera: %v", accessPoint)
	}
	return &cameras[0], nil
}

// checkAccess verifies the camera grants at least the required level.
func (g *Gateway) checkAccess(
	ctx context.Context,
	accessPoint string,
	required vms.AccessLevel,
) error {
	camera, err := g.lookupCamera(ctx, accessPoint)
	if err != nil {
		return err
	}
	if !camera.AccessLevel.Allows(required) {
		return fmt.Errorf("access level %v below required", camera.AccessLevel)
	}
	return nil
}

// sessionQuota queries the broker's streaming policy for the user and
// returns the concurrent session limit, 0 meaning unlimited. The quota
// itself is enforced by ConnectionAccounting.TryConnect so the check
// and the reservation are one atomic step. Broker failures deny, never
// default-allow.
func (g *Gateway) sessionQuota(ctx context.Context, user string) (int, error) {
	canUse, err := g.broker.UserCanUseWeb(ctx, user)
	if err != nil {
		return 0, fmt.Errorf("policy query: %w", err)
	}
	if !canUse {
		return 0, fmt.Errorf("user %v may not stream", user)
	}

	max, err := g.broker.MaxConcurrentSessions(ctx, user)
	if err != nil {
		return 0, fmt.Errorf("quota query: %w", err)
	}
	return max, nil
}

// buildMount constructs the pipeline if needed and returns the server
// stream attached to the context.
func (g *Gateway) buildMount(ctx context.Context, sctx *StreamContext) (*gortsplib.ServerStream, error) {
	if err := sctx.CreatePipeline(ctx); err != nil {
		return nil, err
	}

	if stream, ok := sctx.Sink().(*gortsplib.ServerStream); ok {
		return stream, nil
	}

	desc, err := sctx.Desc()
	if err != nil {
		return nil, err
	}

	stream := &gortsplib.ServerStream{Server: g.server, Desc: desc}
	if err := stream.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize stream: %w", err)
	}
	sctx.SetSink(stream)

	g.feederWG.Add(1)
	go func() {
		defer g.feederWG.Done()
		sctx.Feed(g.ctx)
	}()

	return stream, nil
}

// recordConnect attaches an already-reserved session to the
// connection. The accounting entry was reserved by TryConnect.
func (g *Gateway) recordConnect(conn *gortsplib.ServerConn, user, path string) {
	g.metrics.Sessions.Inc()

	g.mu.Lock()
	g.conns[conn] = append(g.conns[conn], connInfo{user: user, path: path})
	g.mountRefs[path]++
	g.mu.Unlock()
}

// OnConnClose releases every session the connection holds no matter
// how it ended, and reclaims a mount when its last client leaves. A
// connection may hold several sessions, one per DESCRIBE it issued.
func (g *Gateway) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	g.mu.Lock()
	records, exist := g.conns[ctx.Conn]
	if !exist {
		g.mu.Unlock()
		return
	}
	delete(g.conns, ctx.Conn)

	var evicted []string
	for _, info := range records {
		if _, tracked := g.mountRefs[info.path]; !tracked {
			continue
		}
		g.mountRefs[info.path]--
		if g.mountRefs[info.path] <= 0 {
			delete(g.mountRefs, info.path)
			evicted = append(evicted, info.path)
		}
	}

	// Cached verdicts for an evicted path would otherwise pile up
	// forever, archive paths are unique per request.
	for _, path := range evicted {
		for key := range g.permitted {
			if key.path == path {
				delete(g.permitted, key)
			}
		}
	}
	stopped := g.stopped
	g.mu.Unlock()

	for _, info := range records {
		g.accounting.Disconnect(info.user, info.path)
		g.metrics.Sessions.Dec()
	}

	if !stopped {
		for _, path := range evicted {
			g.registry.Evict(path)
		}
		if len(evicted) > 0 {
			g.metrics.Mounts.Set(float64(g.registry.Count()))
		}
	}
}

// OnSetup attaches the session to the mounted stream.
func (g *Gateway) OnSetup(
	ctx *gortsplib.ServerHandlerOnSetupCtx,
) (*base.Response, *gortsplib.ServerStream, error) {
	sctx, exist := g.registry.Get(ctx.Path)
	if !exist {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}

	stream, ok := sctx.Sink().(*gortsplib.ServerStream)
	if !ok {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, stream, nil
}

// OnPlay starts delivery. ONVIF replay paths honor an absolute-time
// Range header by seeking the open reader.
func (g *Gateway) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	if strings.HasPrefix(ctx.Path, "/onvif/") {
		if h := ctx.Request.Header["Range"]; len(h) > 0 {
			begin, _, err := ParseRangeClock(h[0])
			if err != nil {
				return &base.Response{StatusCode: base.StatusBadRequest}, nil
			}

			if sctx, exist := g.registry.Get(ctx.Path); exist {
				if err := sctx.Seek(begin); err != nil {
					g.logger.Warn().Src("gateway").Path(ctx.Path).
						Msgf("range seek: %v", err)
				}
			}
		}
	}
	return &base.Response{StatusCode: base.StatusOK}, nil
}
