package server

import "sync"

// SessionDirectory is the global subdomain -> ControlSession map (spec
// §2, §3). Writes are serialized by mu; reads are concurrent via RLock,
// matching the "Directory writes are serialized" resource-model rule
// (spec §5).
type SessionDirectory struct {
	mu       sync.RWMutex
	sessions map[string]*ControlSession
}

// NewSessionDirectory returns an empty directory.
func NewSessionDirectory() *SessionDirectory {
	return &SessionDirectory{sessions: make(map[string]*ControlSession)}
}

func (d *SessionDirectory) register(subdomain string, s *ControlSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[subdomain] = s
}

// remove deletes subdomain only if it still maps to s, so a session that
// lost a race to a newer registration under the same name cannot evict
// its successor.
func (d *SessionDirectory) remove(subdomain string, s *ControlSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.sessions[subdomain]; ok && cur == s {
		delete(d.sessions, subdomain)
	}
}

// Lookup resolves a subdomain to its owning session.
func (d *SessionDirectory) Lookup(subdomain string) (*ControlSession, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[subdomain]
	return s, ok
}

// takenSet snapshots the currently-assigned subdomains for the allocator.
func (d *SessionDirectory) takenSet() map[string]struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	taken := make(map[string]struct{}, len(d.sessions))
	for k := range d.sessions {
		taken[k] = struct{}{}
	}
	return taken
}

// Count reports the number of active sessions.
func (d *SessionDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// CloseAll initiates close on every active session, draining the
// directory (spec §4.6 shutdown).
func (d *SessionDirectory) CloseAll() {
	d.mu.RLock()
	sessions := make([]*ControlSession, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}
