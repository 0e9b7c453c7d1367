// SPDX-License-Identifier: GPL-2.0-or-later

// Package vms contains the domain types and the client for the
// video-management platform the gateway fronts.
package vms

// AccessLevel camera access level granted to a user.
type AccessLevel int

// Access levels, ordered.
const (
	AccessNone AccessLevel = iota
	AccessMonitoring
	AccessArchive
	AccessFull
)

// Allows reports whether the granted level satisfies the required one.
func (l AccessLevel) Allows(required AccessLevel) bool {
	return l >= required
}

// Camera as reported by the domain service.
type Camera struct {
	AccessPoint string `json:"accessPoint"`
	DisplayName string `json:"displayName"`

	AccessLevel     AccessLevel `json:"accessLevel"`
	VideoStreams    []string    `json:"videoStreams"`
	ArchiveBindings []string    `json:"archiveBindings"`
	Microphones     []string    `json:"microphones"`

	// Device terminates idle links. The gateway must hold a
	// connection open instead of connecting on demand.
	BreaksUnusedConnections bool `json:"breaksUnusedConnections"`
}

// EventType domain event type.
type EventType int

// Domain events the gateway subscribes to.
const (
	EventCameraAdded EventType = iota + 1
	EventCameraRemoved
	EventSignalLost
	EventSignalRestored
	EventDeviceReconfigured
)

// Event domain change event.
type Event struct {
	Type    EventType `json:"type"`
	Subject string    `json:"subject"` // Stream or device access point.
}

// UserPolicy per-user global policy.
type UserPolicy struct {
	MaxConcurrentSessions int  `json:"maxConcurrentSessions"`
	WebUIAllowed          bool `json:"webUiAllowed"`
}
