package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/noah-isme/enrollpay/internal/obs"
	"github.com/noah-isme/enrollpay/internal/session"
)

// Registry keeps the live checkout sessions of this process, indexed by
// session id and by the owner's cart.
type Registry struct {
	IdleTTL time.Duration
	Now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	byCart  map[string]string
}

type entry struct {
	ctrl    *session.Controller
	userID  string
	cartID  string
	touched time.Time
}

// NewRegistry returns an empty registry evicting settled sessions after idleTTL.
func NewRegistry(idleTTL time.Duration) *Registry {
	return &Registry{
		IdleTTL: idleTTL,
		entries: make(map[string]*entry),
		byCart:  make(map[string]string),
	}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func cartKey(userID, cartID string) string { return userID + "\x00" + cartID }

// Add registers ctrl for userID and cartID. A session the same user held for
// that cart is closed and replaced.
func (r *Registry) Add(ctrl *session.Controller, userID, cartID string) {
	key := cartKey(userID, cartID)
	r.mu.Lock()
	var replaced *session.Controller
	if prevID, ok := r.byCart[key]; ok {
		if prev, ok := r.entries[prevID]; ok {
			replaced = prev.ctrl
			delete(r.entries, prevID)
		}
	}
	r.entries[ctrl.ID()] = &entry{ctrl: ctrl, userID: userID, cartID: cartID, touched: r.now()}
	r.byCart[key] = ctrl.ID()
	r.updateGaugeLocked()
	r.mu.Unlock()

	if replaced != nil {
		replaced.Close()
	}
}

// Get returns the session id owned by userID. A session owned by someone
// else is reported as missing.
func (r *Registry) Get(id, userID string) (*session.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.userID != userID {
		return nil, false
	}
	e.touched = r.now()
	return e.ctrl, true
}

// ForCart returns the session userID currently holds for cartID.
func (r *Registry) ForCart(userID, cartID string) (*session.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byCart[cartKey(userID, cartID)]
	if !ok {
		return nil, false
	}
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.ctrl, true
}

// Owned returns every session held for userID.
func (r *Registry) Owned(userID string) []*session.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session.Controller
	for _, e := range r.entries {
		if e.userID == userID {
			out = append(out, e.ctrl)
		}
	}
	return out
}

// Remove closes and forgets the session.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		r.deleteLocked(id, e)
	}
	r.mu.Unlock()
	if ok {
		e.ctrl.Close()
	}
}

// Len returns the number of sessions held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep evicts idle and terminal sessions untouched for longer than IdleTTL
// and returns how many were removed. Sessions with a charge in flight are kept.
func (r *Registry) Sweep() int {
	if r.IdleTTL <= 0 {
		return 0
	}
	now := r.now()
	var evicted []*session.Controller

	r.mu.Lock()
	for id, e := range r.entries {
		snap := e.ctrl.Snapshot()
		if snap.State != session.StateIdle && !snap.State.IsTerminal() {
			continue
		}
		last := e.touched
		if snap.UpdatedAt.After(last) {
			last = snap.UpdatedAt
		}
		if now.Sub(last) < r.IdleTTL {
			continue
		}
		r.deleteLocked(id, e)
		evicted = append(evicted, e.ctrl)
	}
	r.mu.Unlock()

	for _, ctrl := range evicted {
		ctrl.Close()
	}
	return len(evicted)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Close closes every session and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	ctrls := make([]*session.Controller, 0, len(r.entries))
	for _, e := range r.entries {
		ctrls = append(ctrls, e.ctrl)
	}
	r.entries = make(map[string]*entry)
	r.byCart = make(map[string]string)
	r.updateGaugeLocked()
	r.mu.Unlock()

	for _, ctrl := range ctrls {
		ctrl.Close()
	}
}

func (r *Registry) deleteLocked(id string, e *entry) {
	delete(r.entries, id)
	key := cartKey(e.userID, e.cartID)
	if r.byCart[key] == id {
		delete(r.byCart, key)
	}
	r.updateGaugeLocked()
}

func (r *Registry) updateGaugeLocked() {
	if obs.PaymentActiveSessions != nil {
		obs.PaymentActiveSessions.Set(float64(len(r.entries)))
	}
}
