package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rishikesh-suvarna/tunl.cc/internal/domain"
)

type fakeChannel struct {
	closed bool
}

func (f *fakeChannel) Send(ctx context.Context, requestID, method, path string, headers map[string][]string, body []byte) error {
	return nil
}

func (f *fakeChannel) Close() { f.closed = true }

type fakeUserStore struct {
	users map[string]domain.User
	count int
}

func (f *fakeUserStore) Lookup(ctx context.Context, apiKey string) (domain.User, error) {
	u, ok := f.users[apiKey]
	if !ok {
		return domain.User{}, domain.ErrInvalidAPIKey
	}
	return u, nil
}

func (f *fakeUserStore) ActiveTunnelCount(ctx context.Context, userID string) (int, error) {
	return f.count, nil
}

type fakeSink struct {
	mu     sync.Mutex
	opened []string
	closed []string
}

func (f *fakeSink) TunnelOpened(ctx context.Context, t domain.Tunnel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, t.Subdomain)
}

func (f *fakeSink) TunnelClosed(ctx context.Context, subdomain string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, subdomain)
}

func (f *fakeSink) RequestLogged(ctx context.Context, subdomain, method, path string, statusCode int, durationMs int64) {
}

func TestRegisterAndLookup(t *testing.T) {
	t.Parallel()

	r := New(nil, nil, nil)
	ch := &fakeChannel{}
	if _, err := r.Register(context.Background(), "abc", "", "1.2.3.4", ch); err != nil {
		t.Fatal(err)
	}
	got, ok := r.Lookup("abc")
	if !ok || got != ch {
		t.Fatalf("expected lookup to return registered channel")
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	t.Parallel()

	r := New(nil, nil, nil)
	if _, err := r.Register(context.Background(), "abc", "", "", &fakeChannel{}); err != nil {
		t.Fatal(err)
	}
	_, err := r.Register(context.Background(), "abc", "", "", &fakeChannel{})
	if !errors.Is(err, domain.ErrSubdomainTaken) {
		t.Fatalf("expected ErrSubdomainTaken, got %v", err)
	}
}

func TestRegisterConcurrentUniqueness(t *testing.T) {
	t.Parallel()

	r := New(nil, nil, nil)
	const n = 50
	var wg sync.WaitGroup
	successes := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Register(context.Background(), "shared", "", "", &fakeChannel{})
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 success among %d concurrent registers, got %d", n, count)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	r := New(nil, sink, nil)
	if _, err := r.Register(context.Background(), "abc", "", "", &fakeChannel{}); err != nil {
		t.Fatal(err)
	}
	r.Unregister(context.Background(), "abc")
	r.Unregister(context.Background(), "abc")

	if _, ok := r.Lookup("abc"); ok {
		t.Fatal("expected subdomain to be gone after unregister")
	}
	if len(sink.closed) != 1 {
		t.Fatalf("expected exactly one TunnelClosed event, got %d", len(sink.closed))
	}
}

func TestRegisterEnforcesTunnelLimit(t *testing.T) {
	t.Parallel()

	users := &fakeUserStore{
		users: map[string]domain.User{"key1": {UserID: "u1", TunnelLimit: 1}},
		count: 1,
	}
	r := New(users, nil, nil)
	_, err := r.Register(context.Background(), "abc", "key1", "", &fakeChannel{})
	if !errors.Is(err, domain.ErrTunnelLimitReached) {
		t.Fatalf("expected ErrTunnelLimitReached, got %v", err)
	}
}

func TestRegisterRejectsInvalidAPIKey(t *testing.T) {
	t.Parallel()

	users := &fakeUserStore{users: map[string]domain.User{}}
	r := New(users, nil, nil)
	_, err := r.Register(context.Background(), "abc", "bogus", "", &fakeChannel{})
	if !errors.Is(err, domain.ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestSweepRemovesStaleTunnels(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	r := New(nil, sink, nil)
	r.staleAfter = 10 * time.Millisecond
	ch := &fakeChannel{}
	if _, err := r.Register(context.Background(), "abc", "", "", ch); err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	r.sweep()

	if _, ok := r.Lookup("abc"); ok {
		t.Fatal("expected stale tunnel to be swept")
	}
	if !ch.closed {
		t.Fatal("expected channel to be closed on sweep")
	}
}

func TestTouchResetsInactivityClock(t *testing.T) {
	t.Parallel()

	r := New(nil, nil, nil)
	r.staleAfter = 50 * time.Millisecond
	if _, err := r.Register(context.Background(), "abc", "", "", &fakeChannel{}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)
	r.Touch("abc")
	time.Sleep(30 * time.Millisecond)
	r.sweep()

	if _, ok := r.Lookup("abc"); !ok {
		t.Fatal("expected touched tunnel to survive sweep")
	}
}

func TestActiveCount(t *testing.T) {
	t.Parallel()

	r := New(nil, nil, nil)
	for _, sub := range []string{"a", "b", "c"} {
		if _, err := r.Register(context.Background(), sub, "", "", &fakeChannel{}); err != nil {
			t.Fatal(err)
		}
	}
	if got := r.ActiveCount(); got != 3 {
		t.Fatalf("expected 3 active tunnels, got %d", got)
	}
}
