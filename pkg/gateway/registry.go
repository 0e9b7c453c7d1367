// SPDX-License-Identifier: GPL-2.0-or-later

package gateway

import (
	"errors"
	"sync"

	"rtspgate/pkg/log"
)

// ErrRegistryStopped registry is shutting down.
var ErrRegistryStopped = errors.New("mount registry is stopped")

// MountRegistry is the table of resource path -> stream context. Each
// context is owned exclusively by the registry, callers hold
// non-owning references and must tolerate the context disappearing.
type MountRegistry struct {
	logger *log.Logger

	mu      sync.Mutex
	mounts  map[string]*StreamContext
	stopped bool
}

// NewMountRegistry returns an empty registry.
func NewMountRegistry(logger *log.Logger) *MountRegistry {
	return &MountRegistry{
		logger: logger,
		mounts: make(map[string]*StreamContext),
	}
}

// GetOrCreate returns the context mounted at path, creating it with
// create if absent. Insert-if-absent under the registry lock, so two
// concurrent DESCRIBEs for the same path share one context. The
// second return reports whether this call created the mount.
func (r *MountRegistry) GetOrCreate(
	path string,
	create func() *StreamContext,
) (*StreamContext, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, false, ErrRegistryStopped
	}

	if ctx, exist := r.mounts[path]; exist {
		return ctx, false, nil
	}

	ctx := create()
	r.mounts[path] = ctx
	return ctx, true, nil
}

// Get returns the context mounted at path.
func (r *MountRegistry) Get(path string) (*StreamContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, exist := r.mounts[path]
	return ctx, exist
}

// Evict unmounts path and tears the context down, disconnecting any
// attached clients. No-op when the path is not mounted. The teardown
// happens outside the registry lock.
func (r *MountRegistry) Evict(path string) {
	r.mu.Lock()
	ctx, exist := r.mounts[path]
	delete(r.mounts, path)
	r.mu.Unlock()

	if !exist {
		return
	}

	ctx.Close()
	r.logger.Info().Src("registry").Path(path).Msg("mount evicted")
}

// Paths returns all mounted paths.
func (r *MountRegistry) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]string, 0, len(r.mounts))
	for path := range r.mounts {
		paths = append(paths, path)
	}
	return paths
}

// Count returns the number of mounted paths.
func (r *MountRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mounts)
}

// Stop evicts every mount and rejects further creation.
func (r *MountRegistry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true

	mounts := r.mounts
	r.mounts = make(map[string]*StreamContext)
	r.mu.Unlock()

	for _, ctx := range mounts {
		ctx.Close()
	}
}
