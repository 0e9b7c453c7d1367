// SPDX-License-Identifier: GPL-2.0-or-later

package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"rtspgate/pkg/log"
	"rtspgate/pkg/vms"
)

type liveEntry struct {
	viaBUC bool

	// Codec pipeline template, empty until the statistics probe
	// answers.
	template string

	// Microphone access point, empty when the camera has none.
	audioAccessPoint string
}

// LiveSync keeps the set of mountable live resources in step with the
// camera fleet. It owns the live entries exclusively, nothing else
// mutates them.
type LiveSync struct {
	broker   vms.Broker
	registry *MountRegistry
	logger   *log.Logger

	// Tunable in tests.
	listRetryWait time.Duration
	probeInterval time.Duration
	bucInterval   time.Duration
	bucBatchSize  int

	// Serializes resubscribe so two renewals cannot both replace the
	// same old subscription and leak a cancel. Always taken before mu.
	resubMu sync.Mutex

	mu            sync.Mutex
	entries       map[string]*liveEntry // Keyed by stream access point.
	probe         map[string]struct{}
	probeInFlight bool
	deferred      []vms.Camera // BUC cameras awaiting promotion.
	cancelEvents  vms.CancelFunc
	stopped       bool

	wg sync.WaitGroup
}

// NewLiveSync returns a sync loop over the given registry.
func NewLiveSync(broker vms.Broker, registry *MountRegistry, logger *log.Logger) *LiveSync {
	return &LiveSync{
		broker:   broker,
		registry: registry,
		logger:   logger,

		listRetryWait: 5 * time.Second,
		probeInterval: 15 * time.Second,
		bucInterval:   10 * time.Second,
		bucBatchSize:  4,

		entries: make(map[string]*liveEntry),
		probe:   make(map[string]struct{}),
	}
}

// livePath maps a stream access point to its RTSP mount path.
func livePath(accessPoint string) string {
	return "/" + accessPoint
}

// Template returns the codec template and audio access point for a
// live mount path. ok is false when the path is not a tracked live
// resource or its codec is not yet known.
func (s *LiveSync) Template(path string) (template, audioAccessPoint string, ok bool) {
	accessPoint := strings.TrimPrefix(path, "/")

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exist := s.entries[accessPoint]
	if !exist || entry.template == "" {
		return "", "", false
	}
	return entry.template, entry.audioAccessPoint, true
}

// Start lists the fleet and launches the background loops. Fails
// closed: a broker error during the initial listing is retried until
// it succeeds or ctx is canceled, the registry is never silently
// started half-empty.
func (s *LiveSync) Start(ctx context.Context) error {
	if err := s.discoverFleet(ctx); err != nil {
		return err
	}

	if err := s.resubscribe(ctx); err != nil {
		return err
	}

	s.wg.Add(2)
	go s.probeLoop(ctx)
	go s.bucLoop(ctx)

	s.maybeProbe(ctx)
	return nil
}

// Stop cancels the event subscription and stops the loops. Idempotent.
// In-flight broker calls are not awaited, their callbacks see the
// stopped flag and become no-ops.
func (s *LiveSync) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancelEvents
	s.cancelEvents = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the background loops exit. Call after canceling
// the context passed to Start.
func (s *LiveSync) Wait() {
	s.wg.Wait()
}

func (s *LiveSync) discoverFleet(ctx context.Context) error {
	for {
		cameras, err := s.broker.ListCameras(ctx)
		if err == nil {
			count := 0
			for camera := range cameras {
				s.addCamera(camera)
				count++
			}
			s.logger.Info().Src("livesync").
				Msgf("fleet discovered: %v cameras", count)
			return nil
		}

		s.logger.Error().Src("livesync").
			Msgf("fleet listing failed, retrying: %v", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.listRetryWait):
		}
	}
}

// addCamera tracks every video stream of the camera. BUC cameras are
// deferred so the gateway does not open a herd of held-open
// connections at once.
func (s *LiveSync) addCamera(camera vms.Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if camera.BreaksUnusedConnections {
		s.deferred = append(s.deferred, camera)
		return
	}
	s.trackCamera(camera)
}

// trackCamera must be called with the lock held.
func (s *LiveSync) trackCamera(camera vms.Camera) {
	audio := ""
	if len(camera.Microphones) > 0 {
		audio = camera.Microphones[0]
	}

	for _, stream := range camera.VideoStreams {
		if _, exist := s.entries[stream]; exist {
			continue
		}
		s.entries[stream] = &liveEntry{
			viaBUC:           camera.BreaksUnusedConnections,
			audioAccessPoint: audio,
		}
		s.probe[stream] = struct{}{}
	}
}

// probeLoop periodically re-issues the statistics request for streams
// whose codec is still unknown. This is the only place codec
// discovery happens.
func (s *LiveSync) probeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maybeProbe(ctx)
		}
	}
}

// maybeProbe issues a statistics request for the probe set unless one
// is already in flight. Never two concurrent probes.
func (s *LiveSync) maybeProbe(ctx context.Context) {
	s.mu.Lock()
	if s.stopped || s.probeInFlight || len(s.probe) == 0 {
		s.mu.Unlock()
		return
	}
	s.probeInFlight = true

	keys := make([]string, 0, len(s.probe))
	for stream := range s.probe {
		keys = append(keys, stream)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		stats, err := s.broker.GetStatistics(ctx, keys)
		s.handleProbeResult(stats, err)
	}()
}

func (s *LiveSync) handleProbeResult(stats map[string]string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeInFlight = false
	if s.stopped {
		return
	}

	if err != nil {
		// Transient broker outage, the next tick retries.
		s.logger.Warn().Src("livesync").Msgf("codec probe failed: %v", err)
		return
	}

	for stream, template := range stats {
		if template == "" {
			continue
		}

		// A mounted path already has a live client attached, leave
		// it alone. The existing mount wins.
		if _, mounted := s.registry.Get(livePath(stream)); mounted {
			delete(s.probe, stream)
			continue
		}

		if entry, exist := s.entries[stream]; exist {
			entry.template = template
			delete(s.probe, stream)
			s.logger.Debug().Src("livesync").Path(livePath(stream)).
				Msgf("codec discovered: %v", template)
		}
	}
}

// bucLoop promotes a bounded number of deferred BUC cameras per tick.
func (s *LiveSync) bucLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.bucInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.promoteBUC(ctx)
		}
	}
}

func (s *LiveSync) promoteBUC(ctx context.Context) {
	s.mu.Lock()
	if s.stopped || len(s.deferred) == 0 {
		s.mu.Unlock()
		return
	}

	batch := s.bucBatchSize
	if batch > len(s.deferred) {
		batch = len(s.deferred)
	}
	for _, camera := range s.deferred[:batch] {
		s.trackCamera(camera)
	}
	s.deferred = s.deferred[batch:]
	s.mu.Unlock()

	if err := s.resubscribe(ctx); err != nil {
		s.logger.Warn().Src("livesync").Msgf("resubscribe: %v", err)
	}
	s.maybeProbe(ctx)
}

// resubscribe renews the event subscription to cover the current
// tracked set. One renewal at a time.
func (s *LiveSync) resubscribe(ctx context.Context) error {
	s.resubMu.Lock()
	defer s.resubMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}

	subjects := make([]string, 0, len(s.entries))
	for stream := range s.entries {
		subjects = append(subjects, stream)
	}
	oldCancel := s.cancelEvents
	s.mu.Unlock()

	events, cancel, err := s.broker.SubscribeEvents(ctx, subjects)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.cancelEvents = cancel
	s.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}

	s.wg.Add(1)
	go s.eventLoop(ctx, events)
	return nil
}

func (s *LiveSync) eventLoop(ctx context.Context, events <-chan vms.Event) {
	defer s.wg.Done()

	for event := range events {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		s.handleEvent(ctx, event)
	}
}

func (s *LiveSync) handleEvent(ctx context.Context, event vms.Event) {
	switch event.Type {
	case vms.EventSignalLost, vms.EventDeviceReconfigured, vms.EventCameraRemoved:
		s.removeSubject(event.Subject)
		if event.Type == vms.EventCameraRemoved {
			if err := s.resubscribe(ctx); err != nil {
				s.logger.Warn().Src("livesync").Msgf("resubscribe: %v", err)
			}
		}

	case vms.EventSignalRestored:
		s.mu.Lock()
		if _, exist := s.entries[event.Subject]; exist {
			s.probe[event.Subject] = struct{}{}
		}
		s.mu.Unlock()
		s.maybeProbe(ctx)

	case vms.EventCameraAdded:
		cameras, err := s.broker.BatchGetCameras(ctx, []string{event.Subject})
		if err != nil {
			s.logger.Warn().Src("livesync").
				Msgf("resolve added camera %v: %v", event.Subject, err)
			return
		}
		for _, camera := range cameras {
			s.addCamera(camera)
		}
		if err := s.resubscribe(ctx); err != nil {
			s.logger.Warn().Src("livesync").Msgf("resubscribe: %v", err)
		}
		s.maybeProbe(ctx)
	}
}

// removeSubject unmounts and forgets every tracked stream belonging
// to the subject, which may be a stream or its parent device.
func (s *LiveSync) removeSubject(subject string) {
	s.mu.Lock()
	var removed []string
	for stream := range s.entries {
		if stream == subject || strings.HasPrefix(stream, subject+"/") {
			removed = append(removed, stream)
			delete(s.entries, stream)
			delete(s.probe, stream)
		}
	}
	s.mu.Unlock()

	for _, stream := range removed {
		s.registry.Evict(livePath(stream))
		s.logger.Info().Src("livesync").Path(livePath(stream)).
			Msg("live resource removed")
	}
}
