package remoteaccess

import (
	"net"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ListenerID is a stable handle for one remote-administration session. IDs
// are allocated monotonically and never reused, so responses generated after
// the socket list has been re-indexed still reach the right session.
type ListenerID int32

// NoListener is never allocated.
const NoListener ListenerID = 0

// AdminAddr is the address attached to the admin UI identity.
type AdminAddr struct{}

// Network implements net.Addr.
func (AdminAddr) Network() string { return "admin" }

// String implements net.Addr.
func (AdminAddr) String() string { return "admin-ui" }

type listener struct {
	id            ListenerID
	requiresAuth  bool
	authenticated bool
	admin         bool
	addr          net.Addr
	session       string
	created       time.Time

	lastRequestID    int32
	profiling        bool
	profileRequestID int32

	pending [][]byte
}

// ListenerInfo is a read-only view of a listener identity.
type ListenerInfo struct {
	ID            ListenerID `json:"id"`
	Address       string     `json:"address"`
	Session       string     `json:"session"`
	Admin         bool       `json:"admin"`
	RequiresAuth  bool       `json:"requires_auth"`
	Authenticated bool       `json:"authenticated"`
	Profiling     bool       `json:"profiling"`
	Pending       int        `json:"pending"`
	LastRequestID int32      `json:"last_request_id"`
	Created       time.Time  `json:"created"`
}

func (l *listener) info() ListenerInfo {
	info := ListenerInfo{
		ID:            l.id,
		Session:       l.session,
		Admin:         l.admin,
		RequiresAuth:  l.requiresAuth,
		Authenticated: l.authenticated,
		Profiling:     l.profiling,
		Pending:       len(l.pending),
		LastRequestID: l.lastRequestID,
		Created:       l.created,
	}
	if l.addr != nil {
		info.Address = l.addr.String()
	}
	return info
}

func (l *listener) remote() string {
	if l.addr == nil {
		return ""
	}
	return l.addr.String()
}

// AllocateListener creates a new identity. An identity that does not require
// authentication starts authenticated.
func (d *Dispatcher) AllocateListener(requiresAuth bool, addr net.Addr) ListenerID {
	d.nextID++
	l := &listener{
		id:            d.nextID,
		requiresAuth:  requiresAuth,
		authenticated: !requiresAuth,
		addr:          addr,
		session:       uuid.NewString(),
		created:       time.Now(),
	}
	d.listeners[l.id] = l

	d.logger.Debug().
		Int32("listener", int32(l.id)).
		Str("remote", l.remote()).
		Str("session", l.session).
		Bool("requires_auth", requiresAuth).
		Msg("listener allocated")
	return l.id
}

// AllocateAdminListener creates the pre-authenticated admin UI identity.
func (d *Dispatcher) AllocateAdminListener() ListenerID {
	id := d.AllocateListener(false, AdminAddr{})
	d.listeners[id].admin = true
	return id
}

// ReleaseListener forgets an identity. Its authentication and any pending
// responses are dropped with it.
func (d *Dispatcher) ReleaseListener(id ListenerID) {
	l, ok := d.listeners[id]
	if !ok {
		return
	}
	l.authenticated = false
	l.pending = nil
	delete(d.listeners, id)

	d.logger.Debug().
		Int32("listener", int32(id)).
		Str("remote", l.remote()).
		Msg("listener released")
}

// IsAuthenticated reports whether id has authenticated.
func (d *Dispatcher) IsAuthenticated(id ListenerID) bool {
	l, ok := d.listeners[id]
	return ok && l.authenticated
}

// IsAdmin reports whether id is the admin UI identity.
func (d *Dispatcher) IsAdmin(id ListenerID) bool {
	l, ok := d.listeners[id]
	return ok && l.admin
}

// ListenerForAddr finds the identity attached to addr.
func (d *Dispatcher) ListenerForAddr(addr net.Addr) (ListenerID, bool) {
	if addr == nil {
		return NoListener, false
	}
	for id, l := range d.listeners {
		if l.addr != nil && l.addr.Network() == addr.Network() && l.addr.String() == addr.String() {
			return id, true
		}
	}
	return NoListener, false
}

// Listener returns a snapshot of one identity.
func (d *Dispatcher) Listener(id ListenerID) (ListenerInfo, bool) {
	l, ok := d.listeners[id]
	if !ok {
		return ListenerInfo{}, false
	}
	return l.info(), true
}

// Listeners returns a snapshot of every identity ordered by id.
func (d *Dispatcher) Listeners() []ListenerInfo {
	out := make([]ListenerInfo, 0, len(d.listeners))
	for _, l := range d.listeners {
		out = append(out, l.info())
	}
	slices.SortFunc(out, func(a, b ListenerInfo) int { return int(a.ID - b.ID) })
	return out
}
