// SPDX-License-Identifier: GPL-2.0-or-later

package gateway

import "sync"

type connKey struct {
	user string
	path string
}

// ConnectionAccounting tracks concurrent sessions per user and path.
// Mutated from the authorization path and the disconnect path, both
// through the same lock.
type ConnectionAccounting struct {
	mu     sync.Mutex
	counts map[connKey]int
}

// NewConnectionAccounting returns an empty accounting table.
func NewConnectionAccounting() *ConnectionAccounting {
	return &ConnectionAccounting{
		counts: make(map[connKey]int),
	}
}

// Connect records one session for (user, path).
func (a *ConnectionAccounting) Connect(user, path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[connKey{user, path}]++
}

// TryConnect records one session for (user, path) unless the user
// already holds max sessions. max <= 0 means unlimited. Check and
// reservation share the lock so concurrent authorization attempts
// cannot both slip under the limit.
func (a *ConnectionAccounting) TryConnect(user, path string, max int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if max > 0 {
		total := 0
		for key, count := range a.counts {
			if key.user == user {
				total += count
			}
		}
		if total >= max {
			return false
		}
	}

	a.counts[connKey{user, path}]++
	return true
}

// Disconnect removes one session for (user, path). A count never goes
// below zero, disconnects for unknown sessions are ignored.
func (a *ConnectionAccounting) Disconnect(user, path string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := connKey{user, path}
	if a.counts[key] > 0 {
		a.counts[key]--
	}
}

// UserTotal returns the user's session count across all paths.
func (a *ConnectionAccounting) UserTotal(user string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := 0
	for key, count := range a.counts {
		if key.user == user {
			total += count
		}
	}
	return total
}

// Count returns the session count for (user, path).
func (a *ConnectionAccounting) Count(user, path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[connKey{user, path}]
}

// Snapshot returns path -> user -> active session count for the admin
// surface. Zeroed records are omitted.
func (a *ConnectionAccounting) Snapshot() map[string]map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := make(map[string]map[string]int)
	for key, count := range a.counts {
		if count == 0 {
			continue
		}
		if snapshot[key.path] == nil {
			snapshot[key.path] = make(map[string]int)
		}
		snapshot[key.path][key.user] = count
	}
	return snapshot
}
