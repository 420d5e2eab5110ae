// Package registry tracks which subdomains currently have a connected
// tunnel client and which channel handle to dispatch requests to, per
// spec.md §4.3.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rishikesh-suvarna/tunl.cc/internal/domain"
)

// Channel is the minimal surface the Registry needs from a control
// session in order to dispatch a request and to close an idle tunnel. The
// concrete implementation lives in internal/control.
type Channel interface {
	// Send delivers a tunnelproto Request-carrying message to the client.
	// Implementations return an error if the channel can no longer accept
	// writes.
	Send(ctx context.Context, requestID, method, path string, headers map[string][]string, body []byte) error
	Close()
}

// UserStore resolves the external user/API-key collaborator described in
// spec.md §6: the Registry never owns user records, it only asks.
type UserStore interface {
	Lookup(ctx context.Context, apiKey string) (domain.User, error)
	ActiveTunnelCount(ctx context.Context, userID string) (int, error)
}

// EventSink receives tunnel lifecycle notifications for the external
// persistence/analytics collaborator of spec.md §6. A nil EventSink is
// valid; the Registry treats it as a no-op sink.
type EventSink interface {
	TunnelOpened(ctx context.Context, t domain.Tunnel)
	TunnelClosed(ctx context.Context, subdomain string)
	RequestLogged(ctx context.Context, subdomain, method, path string, statusCode int, durationMs int64)
}

type entry struct {
	tunnel  domain.Tunnel
	channel Channel
}

// Registry is the in-memory subdomain -> channel map. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	users UserStore
	sink  EventSink
	log   *slog.Logger

	staleAfter    time.Duration
	sweepInterval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

const (
	// DefaultStaleAfter is the inactivity threshold past which the
	// background sweep unregisters a tunnel, per spec.md §4.3.
	DefaultStaleAfter = time.Hour
	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = 5 * time.Minute
)

// New constructs a Registry. users and sink may both be nil, in which
// case quota checks always pass and lifecycle events are dropped —
// useful for tests that don't care about the external collaborators.
func New(users UserStore, sink EventSink, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		entries:       make(map[string]*entry),
		users:         users,
		sink:          sink,
		log:           log,
		staleAfter:    DefaultStaleAfter,
		sweepInterval: DefaultSweepInterval,
		stop:          make(chan struct{}),
	}
	return r
}

// StartSweep launches the background inactivity sweep. Callers should
// call Stop when the registry is no longer needed.
func (r *Registry) StartSweep() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// Stop halts the background sweep and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// Register attempts to bind subdomain to ch. It fails with
// domain.ErrSubdomainTaken if the subdomain is already bound, and with
// domain.ErrTunnelLimitReached if apiKey resolves to a user who has
// reached their tunnel quota. userID/apiKey may be empty for anonymous
// tunnels, in which case quota checks are skipped. Failures are wrapped
// in a *domain.ControlError naming the subdomain and the failing step,
// unwrappable via errors.Is to the usual sentinels.
func (r *Registry) Register(ctx context.Context, subdomain, apiKey, ip string, ch Channel) (domain.Tunnel, error) {
	var user domain.User
	if apiKey != "" && r.users != nil {
		u, err := r.users.Lookup(ctx, apiKey)
		if err != nil {
			return domain.Tunnel{}, &domain.ControlError{Subdomain: subdomain, Op: "lookup_user", Err: domain.ErrInvalidAPIKey}
		}
		user = u
		if user.TunnelLimit > 0 {
			n, err := r.users.ActiveTunnelCount(ctx, user.UserID)
			if err != nil {
				return domain.Tunnel{}, &domain.ControlError{Subdomain: subdomain, Op: "active_tunnel_count", Err: err}
			}
			if n >= user.TunnelLimit {
				return domain.Tunnel{}, &domain.ControlError{Subdomain: subdomain, Op: "quota_check", Err: domain.ErrTunnelLimitReached}
			}
		}
	}

	now := time.Now()
	t := domain.Tunnel{
		Subdomain:      subdomain,
		UserID:         user.UserID,
		IP:             ip,
		ConnectedAt:    now,
		LastActivityAt: now,
	}

	r.mu.Lock()
	if _, exists := r.entries[subdomain]; exists {
		r.mu.Unlock()
		return domain.Tunnel{}, &domain.ControlError{Subdomain: subdomain, Op: "bind", Err: domain.ErrSubdomainTaken}
	}
	r.entries[subdomain] = &entry{tunnel: t, channel: ch}
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.TunnelOpened(ctx, t)
	}
	return t, nil
}

// Lookup returns the channel bound to subdomain, if any.
func (r *Registry) Lookup(subdomain string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[subdomain]
	if !ok {
		return nil, false
	}
	return e.channel, true
}

// Touch records activity on subdomain's tunnel, resetting its inactivity
// clock. It is a no-op if the subdomain is not registered.
func (r *Registry) Touch(subdomain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[subdomain]; ok {
		e.tunnel.LastActivityAt = time.Now()
	}
}

// Unregister removes subdomain's binding, if present. It is idempotent:
// unregistering an absent subdomain is not an error.
func (r *Registry) Unregister(ctx context.Context, subdomain string) {
	r.mu.Lock()
	_, existed := r.entries[subdomain]
	delete(r.entries, subdomain)
	r.mu.Unlock()

	if existed && r.sink != nil {
		r.sink.TunnelClosed(ctx, subdomain)
	}
}

// ActiveCount returns the number of currently registered tunnels.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a copy of all currently registered tunnels, for
// diagnostics.
func (r *Registry) Snapshot() []domain.Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Tunnel, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.tunnel)
	}
	return out
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.staleAfter)

	var stale []string
	r.mu.RLock()
	for sub, e := range r.entries {
		if e.tunnel.LastActivityAt.Before(cutoff) {
			stale = append(stale, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range stale {
		r.mu.Lock()
		e, ok := r.entries[sub]
		if ok && e.tunnel.LastActivityAt.Before(cutoff) {
			delete(r.entries, sub)
		} else {
			ok = false
		}
		r.mu.Unlock()

		if ok {
			r.log.Info("unregistering idle tunnel", "subdomain", sub)
			if e.channel != nil {
				e.channel.Close()
			}
			if r.sink != nil {
				r.sink.TunnelClosed(context.Background(), sub)
			}
		}
	}
}
