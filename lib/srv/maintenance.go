package srv

import "sync/atomic"

// Maintenance is the §6 "maintenance toggle": a boolean that causes new
// auth attempts to be rejected with a configured message, admin users
// bypassing it. Shared by reference between the SSH and standalone
// listeners so a single admin action (§6 "Maintenance toggle") affects
// both ingress paths at once.
type Maintenance struct {
	active  atomic.Bool
	message atomic.Pointer[string]
}

// NewMaintenance returns a Maintenance toggle initially inactive.
func NewMaintenance() *Maintenance {
	m := &Maintenance{}
	empty := ""
	m.message.Store(&empty)
	return m
}

// SetActive flips the toggle. msg replaces the rejection message shown
// to non-admin connections while active; an empty msg leaves the
// previous message in place.
func (m *Maintenance) SetActive(active bool, msg string) {
	m.active.Store(active)
	if msg != "" {
		m.message.Store(&msg)
	}
}

// Active reports whether maintenance mode is currently on.
func (m *Maintenance) Active() bool { return m.active.Load() }

// Message returns the configured rejection message.
func (m *Maintenance) Message() string {
	if p := m.message.Load(); p != nil {
		return *p
	}
	return ""
}

const reasonMaintenance = "maintenance_mode"
