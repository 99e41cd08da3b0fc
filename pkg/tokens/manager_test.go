package tokens

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]TokenRecord
	gets    int
	puts    int
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]TokenRecord{}}
}

func (s *fakeStore) Get(_ context.Context, secret string) (TokenRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	rec, ok := s.records[secret]
	return rec, ok, nil
}

func (s *fakeStore) Put(_ context.Context, secret string, rec TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.putErr != nil {
		return s.putErr
	}
	s.records[secret] = rec
	return nil
}

type rejectedRefresh struct{ status string }

func (e *rejectedRefresh) Error() string       { return "refresh rejected: " + e.status }
func (e *rejectedRefresh) RefreshFailed() bool { return true }

type fakeProvider struct {
	mu           sync.Mutex
	registers    int
	refreshes    int
	lastRefresh  string
	registerFunc func() (TokenRecord, error)
	refreshFunc  func() (TokenRecord, error)
}

func (p *fakeProvider) Register(_ context.Context, _ string) (TokenRecord, error) {
	p.mu.Lock()
	p.registers++
	p.mu.Unlock()
	return p.registerFunc()
}

func (p *fakeProvider) Refresh(_ context.Context, _ string, refreshToken string) (TokenRecord, error) {
	p.mu.Lock()
	p.refreshes++
	p.lastRefresh = refreshToken
	p.mu.Unlock()
	return p.refreshFunc()
}

type countingObserver struct {
	events []string
}

func (o *countingObserver) ObserveRenewal(kind, outcome string) {
	o.events = append(o.events, kind+":"+outcome)
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func withFixedNow(t *testing.T) {
	t.Helper()
	old := nowUTC
	nowUTC = func() time.Time { return fixedNow }
	t.Cleanup(func() { nowUTC = old })
}

func recordExpiringIn(access, refresh string, d time.Duration) TokenRecord {
	return TokenRecord{AccessToken: access, RefreshToken: refresh, ExpiresAt: fixedNow.Add(d).UnixMilli()}
}

func TestGetValidTokenRegistersUnknownSecret(t *testing.T) {
	withFixedNow(t)
	store := newFakeStore()
	provider := &fakeProvider{
		registerFunc: func() (TokenRecord, error) { return recordExpiringIn("reg-access", "reg-refresh", time.Hour), nil },
		refreshFunc:  func() (TokenRecord, error) { t.Error("unexpected refresh"); return TokenRecord{}, errors.New("unexpected refresh") },
	}
	obs := &countingObserver{}
	m := NewManager(store, provider, WithObserver(obs))

	tok, err := m.GetValidToken(context.Background(), "secret-1")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok != "reg-access" {
		t.Fatalf("unexpected token %q", tok)
	}
	if provider.registers != 1 || provider.refreshes != 0 {
		t.Fatalf("expected 1 registration and 0 refreshes, got %d/%d", provider.registers, provider.refreshes)
	}
	if store.puts != 1 {
		t.Fatalf("expected exactly one store write, got %d", store.puts)
	}
	if got := store.records["secret-1"].RefreshToken; got != "reg-refresh" {
		t.Fatalf("stored refresh token = %q", got)
	}
	if len(obs.events) != 1 || obs.events[0] != "register:ok" {
		t.Fatalf("unexpected observer events: %v", obs.events)
	}
}

func TestGetValidTokenReturnsCachedTokenWithoutNetwork(t *testing.T) {
	withFixedNow(t)
	store := newFakeStore()
	store.records["secret-1"] = recordExpiringIn("cached", "r", RenewalMargin+time.Second)
	provider := &fakeProvider{
		registerFunc: func() (TokenRecord, error) { t.Error("unexpected register"); return TokenRecord{}, errors.New("unexpected register") },
		refreshFunc:  func() (TokenRecord, error) { t.Error("unexpected refresh"); return TokenRecord{}, errors.New("unexpected refresh") },
	}
	m := NewManager(store, provider)

	tok, err := m.GetValidToken(context.Background(), "secret-1")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok != "cached" {
		t.Fatalf("unexpected token %q", tok)
	}
	if store.puts != 0 {
		t.Fatalf("expected no store writes, got %d", store.puts)
	}
}

func TestGetValidTokenRefreshesInsideRenewalMargin(t *testing.T) {
	for _, remaining := range []time.Duration{RenewalMargin, time.Minute, 0, -time.Hour} {
		t.Run(remaining.String(), func(t *testing.T) {
			withFixedNow(t)
			store := newFakeStore()
			store.records["s"] = recordExpiringIn("old", "old-refresh", remaining)
			provider := &fakeProvider{
				registerFunc: func() (TokenRecord, error) { t.Error("unexpected register"); return TokenRecord{}, errors.New("unexpected register") },
				refreshFunc:  func() (TokenRecord, error) { return recordExpiringIn("new", "new-refresh", time.Hour), nil },
			}
			m := NewManager(store, provider)

			tok, err := m.GetValidToken(context.Background(), "s")
			if err != nil {
				t.Fatalf("GetValidToken: %v", err)
			}
			if tok != "new" {
				t.Fatalf("unexpected token %q", tok)
			}
			if provider.refreshes != 1 || provider.lastRefresh != "old-refresh" {
				t.Fatalf("expected one refresh with old-refresh, got %d with %q", provider.refreshes, provider.lastRefresh)
			}
			rec := store.records["s"]
			if rec.AccessToken != "new" || rec.RefreshToken != "new-refresh" {
				t.Fatalf("record not replaced: %+v", rec)
			}
		})
	}
}

func TestGetValidTokenFallsBackToRegistrationOnRefreshFailure(t *testing.T) {
	withFixedNow(t)
	store := newFakeStore()
	store.records["s"] = recordExpiringIn("old", "revoked", time.Minute)
	provider := &fakeProvider{
		registerFunc: func() (TokenRecord, error) { return recordExpiringIn("fresh", "fresh-refresh", time.Hour), nil },
		refreshFunc:  func() (TokenRecord, error) { return TokenRecord{}, &rejectedRefresh{status: "400 Bad Request"} },
	}
	obs := &countingObserver{}
	m := NewManager(store, provider, WithObserver(obs))

	tok, err := m.GetValidToken(context.Background(), "s")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok != "fresh" {
		t.Fatalf("unexpected token %q", tok)
	}
	if provider.refreshes != 1 || provider.registers != 1 {
		t.Fatalf("expected 1 refresh then 1 registration, got %d/%d", provider.refreshes, provider.registers)
	}
	if store.records["s"].RefreshToken != "fresh-refresh" {
		t.Fatalf("stored record should come from registration: %+v", store.records["s"])
	}
	if store.puts != 1 {
		t.Fatalf("expected one write, got %d", store.puts)
	}
	want := []string{"refresh:error", "register:ok"}
	if len(obs.events) != 2 || obs.events[0] != want[0] || obs.events[1] != want[1] {
		t.Fatalf("unexpected observer events: %v", obs.events)
	}
}

func TestGetValidTokenSurfacesCombinedFailure(t *testing.T) {
	withFixedNow(t)
	store := newFakeStore()
	store.records["s"] = recordExpiringIn("old", "revoked", time.Minute)
	regErr := errors.New("signup 403 Forbidden")
	refreshErr := &rejectedRefresh{status: "400 Bad Request"}
	provider := &fakeProvider{
		registerFunc: func() (TokenRecord, error) { return TokenRecord{}, regErr },
		refreshFunc:  func() (TokenRecord, error) { return TokenRecord{}, refreshErr },
	}
	m := NewManager(store, provider)

	_, err := m.GetValidToken(context.Background(), "s")
	var authErr *AuthProviderError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthProviderError, got %T %v", err, err)
	}
	if !errors.Is(err, regErr) {
		t.Fatalf("expected registration cause in chain: %v", err)
	}
	var rf *rejectedRefresh
	if !errors.As(err, &rf) {
		t.Fatalf("expected refresh cause in chain: %v", err)
	}
	if store.puts != 0 {
		t.Fatalf("expected no writes on failure, got %d", store.puts)
	}
	if store.records["s"].AccessToken != "old" {
		t.Fatal("failed renewal must not touch the stored record")
	}
}

func TestGetValidTokenRegistrationFailureIsFatal(t *testing.T) {
	withFixedNow(t)
	regErr := errors.New("signup 400 Bad Request")
	provider := &fakeProvider{
		registerFunc: func() (TokenRecord, error) { return TokenRecord{}, regErr },
		refreshFunc:  func() (TokenRecord, error) { t.Error("unexpected refresh"); return TokenRecord{}, errors.New("unexpected refresh") },
	}
	m := NewManager(newFakeStore(), provider)

	_, err := m.GetValidToken(context.Background(), "s")
	var authErr *AuthProviderError
	if !errors.As(err, &authErr) || authErr.Refresh != nil {
		t.Fatalf("expected registration-only AuthProviderError, got %v", err)
	}
	if provider.registers != 1 {
		t.Fatalf("expected exactly one registration attempt, got %d", provider.registers)
	}
}

func TestGetValidTokenPropagatesNonRefreshErrors(t *testing.T) {
	withFixedNow(t)
	store := newFakeStore()
	store.records["s"] = recordExpiringIn("old", "r", 0)
	netErr := errors.New("dial tcp: connection refused")
	provider := &fakeProvider{
		registerFunc: func() (TokenRecord, error) { t.Error("unexpected register"); return TokenRecord{}, errors.New("unexpected register") },
		refreshFunc:  func() (TokenRecord, error) { return TokenRecord{}, netErr },
	}
	m := NewManager(store, provider)

	_, err := m.GetValidToken(context.Background(), "s")
	if !errors.Is(err, netErr) {
		t.Fatalf("expected transport error unchanged, got %v", err)
	}
	var authErr *AuthProviderError
	if errors.As(err, &authErr) {
		t.Fatal("non-refresh errors must not be wrapped as AuthProviderError")
	}
}

func TestGetValidTokenIsIdempotentAfterRegistration(t *testing.T) {
	withFixedNow(t)
	provider := &fakeProvider{
		registerFunc: func() (TokenRecord, error) { return recordExpiringIn("a", "r", time.Hour), nil },
		refreshFunc:  func() (TokenRecord, error) { t.Error("unexpected refresh"); return TokenRecord{}, errors.New("unexpected refresh") },
	}
	m := NewManager(newFakeStore(), provider)
	for i := 0; i < 2; i++ {
		if _, err := m.GetValidToken(context.Background(), "s"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if provider.registers != 1 {
		t.Fatalf("expected a single registration, got %d", provider.registers)
	}
}

func TestGetValidTokenStoreWriteFailureStillReturnsToken(t *testing.T) {
	withFixedNow(t)
	store := newFakeStore()
	store.putErr = errors.New("disk full")
	provider := &fakeProvider{
		registerFunc: func() (TokenRecord, error) { return recordExpiringIn("a", "r", time.Hour), nil },
	}
	m := NewManager(store, provider)
	tok, err := m.GetValidToken(context.Background(), "s")
	if err != nil || tok != "a" {
		t.Fatalf("expected token despite write failure, got %q %v", tok, err)
	}
}

func TestGetValidTokenRejectsEmptySecret(t *testing.T) {
	m := NewManager(newFakeStore(), &fakeProvider{})
	if _, err := m.GetValidToken(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestTokenRecordValid(t *testing.T) {
	tests := []struct {
		name string
		rec  TokenRecord
		want bool
	}{
		{name: "well before margin", rec: recordExpiringIn("a", "r", time.Hour), want: true},
		{name: "one ms outside margin", rec: recordExpiringIn("a", "r", RenewalMargin+time.Millisecond), want: true},
		{name: "exactly at margin", rec: recordExpiringIn("a", "r", RenewalMargin), want: false},
		{name: "expired", rec: recordExpiringIn("a", "r", -time.Second), want: false},
		{name: "no access token", rec: recordExpiringIn("", "r", time.Hour), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rec.Valid(fixedNow); got != tc.want {
				t.Fatalf("Valid() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestGetValidTokenCollapsesConcurrentRenewals(t *testing.T) {
	withFixedNow(t)
	store := newFakeStore()
	release := make(chan struct{})
	provider := &fakeProvider{
		registerFunc: func() (TokenRecord, error) {
			<-release
			return recordExpiringIn("shared", "r", time.Hour), nil
		},
		refreshFunc: func() (TokenRecord, error) { return TokenRecord{}, errors.New("unexpected refresh") },
	}
	m := NewManager(store, provider)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan string, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.GetValidToken(context.Background(), "secret-1")
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			results <- tok
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		gets := store.gets
		store.mu.Unlock()
		if gets == callers || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for tok := range results {
		if tok != "shared" {
			t.Fatalf("unexpected result %q", tok)
		}
	}
	if provider.registers != 1 {
		t.Fatalf("registrations = %d, want 1", provider.registers)
	}
}

// blockingProvider registers only once released, honouring its context.
type blockingProvider struct {
	entered chan struct{}
	release chan struct{}
	ctxErr  atomic.Value
}

func (p *blockingProvider) Register(ctx context.Context, _ string) (TokenRecord, error) {
	close(p.entered)
	select {
	case <-p.release:
		return recordExpiringIn("shared", "r", time.Hour), nil
	case <-ctx.Done():
		p.ctxErr.Store(ctx.Err())
		return TokenRecord{}, ctx.Err()
	}
}

func (p *blockingProvider) Refresh(context.Context, string, string) (TokenRecord, error) {
	return TokenRecord{}, errors.New("unexpected refresh")
}

func TestGetValidTokenSurvivesCancelledCaller(t *testing.T) {
	withFixedNow(t)
	store := newFakeStore()
	provider := &blockingProvider{entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(store, provider)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.GetValidToken(firstCtx, "secret-1")
		firstErr <- err
	}()
	<-provider.entered

	type result struct {
		tok string
		err error
	}
	second := make(chan result, 1)
	go func() {
		tok, err := m.GetValidToken(context.Background(), "secret-1")
		second <- result{tok, err}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		gets := store.gets
		store.mu.Unlock()
		if gets == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled caller error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting for the renewal")
	}

	close(provider.release)
	select {
	case res := <-second:
		if res.err != nil || res.tok != "shared" {
			t.Fatalf("live caller got %q, %v", res.tok, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live caller never got a token")
	}
	if err := provider.ctxErr.Load(); err != nil {
		t.Fatalf("renewal context was cancelled: %v", err)
	}
	if store.records["secret-1"].AccessToken != "shared" {
		t.Fatal("renewed token was not stored")
	}
}

func TestGetValidTokenRegistrationContextErrorIsNotWrapped(t *testing.T) {
	withFixedNow(t)
	provider := &fakeProvider{
		registerFunc: func() (TokenRecord, error) { return TokenRecord{}, context.DeadlineExceeded },
		refreshFunc:  func() (TokenRecord, error) { return TokenRecord{}, errors.New("unexpected refresh") },
	}
	m := NewManager(newFakeStore(), provider)

	_, err := m.GetValidToken(context.Background(), "s")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	var authErr *AuthProviderError
	if errors.As(err, &authErr) {
		t.Fatalf("context error must not be wrapped: %v", err)
	}
}
