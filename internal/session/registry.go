package session

import (
	"sync"

	"github.com/sfukit/sfuclient/internal/domain"
)

type attemptKey struct {
	role domain.Role
	key  string
}

// Attempt is a reserved, not yet settled negotiation.
type Attempt struct {
	reg       *Registry
	key       attemptKey
	session   *Session
	cancelled bool
	done      chan struct{}
}

// Bind attaches the session created for the attempt. It fails with
// domain.ErrSessionCancelled if the attempt was cancelled meanwhile.
func (a *Attempt) Bind(s *Session) error {
	a.reg.mu.Lock()
	defer a.reg.mu.Unlock()
	if a.cancelled {
		return domain.ErrSessionCancelled
	}
	a.session = s
	return nil
}

// Cancelled reports whether the attempt was torn down before settling.
func (a *Attempt) Cancelled() bool {
	a.reg.mu.Lock()
	defer a.reg.mu.Unlock()
	return a.cancelled
}

// Done is closed when the attempt is cancelled.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// cancel must be called with the registry lock held.
func (a *Attempt) cancel() {
	if !a.cancelled {
		a.cancelled = true
		close(a.done)
	}
}

// Registry holds the active sessions by media id and the pending attempts
// by reservation key.
type Registry struct {
	mu      sync.Mutex
	active  map[domain.MediaID]*Session
	pending map[attemptKey]*Attempt
}

func NewRegistry() *Registry {
	return &Registry{
		active:  make(map[domain.MediaID]*Session),
		pending: make(map[attemptKey]*Attempt),
	}
}

// Reserve records a pending attempt. Publisher attempts are keyed by the
// client's peer id, so a second concurrent publish fails with
// domain.ErrAlreadyPublishing. Subscriber attempts are keyed by the source
// media id and fail with *domain.DuplicateSessionError.
func (r *Registry) Reserve(role domain.Role, key string) (*Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := attemptKey{role: role, key: key}
	if _, ok := r.pending[k]; ok {
		if role == domain.RolePublisher {
			return nil, domain.ErrAlreadyPublishing
		}
		return nil, &domain.DuplicateSessionError{MediaID: domain.MediaID(key)}
	}
	a := &Attempt{reg: r, key: k, done: make(chan struct{})}
	r.pending[k] = a
	return a, nil
}

// Promote moves a pending attempt to the active map under mid. It fails with
// domain.ErrSessionCancelled if the attempt was cancelled or released, so a
// settled negotiation never resurrects a removed entry.
func (r *Registry) Promote(a *Attempt, mid domain.MediaID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending[a.key] != a {
		return domain.ErrSessionCancelled
	}
	if _, ok := r.active[mid]; ok {
		return &domain.DuplicateSessionError{MediaID: mid}
	}
	delete(r.pending, a.key)
	r.active[mid] = a.session
	return nil
}

// Release drops an attempt that failed. No-op if it is no longer pending.
func (r *Registry) Release(a *Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[a.key] == a {
		delete(r.pending, a.key)
	}
}

// Cancel drops a pending attempt and returns its session, if one was bound.
// The caller that settles the attempt tears the session down.
func (r *Registry) Cancel(role domain.Role, key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := attemptKey{role: role, key: key}
	a, ok := r.pending[k]
	if !ok {
		return nil, false
	}
	delete(r.pending, k)
	a.cancel()
	return a.session, true
}

// Register adds an active session directly.
func (r *Registry) Register(mid domain.MediaID, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[mid]; ok {
		return &domain.DuplicateSessionError{MediaID: mid}
	}
	r.active[mid] = s
	return nil
}

// Remove deletes an active session. Removing an absent id is a no-op.
func (r *Registry) Remove(mid domain.MediaID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[mid]
	if ok {
		delete(r.active, mid)
	}
	return s, ok
}

func (r *Registry) Lookup(mid domain.MediaID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[mid]
	return s, ok
}

// Drain empties the registry. Pending attempts are cancelled; their bound
// sessions are returned along with every active one.
func (r *Registry) Drain() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.active)+len(r.pending))
	for mid, s := range r.active {
		out = append(out, s)
		delete(r.active, mid)
	}
	for k, a := range r.pending {
		a.cancel()
		if a.session != nil {
			out = append(out, a.session)
		}
		delete(r.pending, k)
	}
	return out
}
