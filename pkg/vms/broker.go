// SPDX-License-Identifier: GPL-2.0-or-later

package vms

import (
	"context"
	"time"
)

// CancelFunc cancels an event subscription.
type CancelFunc func()

// Broker is the gateway's view of the domain/security services.
// Every method fails closed: a transport error is returned as-is and
// the caller must treat it as a denial.
type Broker interface {
	// ListCameras streams the full camera fleet.
	ListCameras(ctx context.Context) (<-chan Camera, error)

	// BatchGetCameras resolves cameras by access point.
	BatchGetCameras(ctx context.Context, accessPoints []string) ([]Camera, error)

	// GetStatistics returns live stream statistics for the given
	// keys. The "codec" statistic carries the live codec type.
	GetStatistics(ctx context.Context, keys []string) (map[string]string, error)

	// SubscribeEvents yields domain change events for the given
	// subjects. The subscription must be renewed whenever the
	// tracked set changes.
	SubscribeEvents(ctx context.Context, subjects []string) (<-chan Event, CancelFunc, error)

	// ResolveArchiveBinding returns the archive storage access
	// point bound to the camera at the requested time.
	ResolveArchiveBinding(ctx context.Context, accessPoint string, at time.Time) (string, error)

	// MaxConcurrentSessions returns the per-user session quota.
	MaxConcurrentSessions(ctx context.Context, user string) (int, error)

	// UserCanUseWeb reports whether the user may use the
	// web/RTSP surface at all.
	UserCanUseWeb(ctx context.Context, user string) (bool, error)
}
