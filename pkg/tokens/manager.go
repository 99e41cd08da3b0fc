package tokens

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

var nowUTC = func() time.Time { return time.Now().UTC() }

// renewalTimeout bounds a shared renewal once it is detached from the
// requests waiting on it.
var renewalTimeout = 2 * time.Minute

// Manager hands out currently valid upstream access tokens per client secret,
// using a Store as cache and a Provider to mint or renew.
type Manager struct {
	store    Store
	provider Provider
	observer Observer
	renewals singleflight.Group
}

type Option func(*Manager)

func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

func NewManager(store Store, provider Provider, opts ...Option) *Manager {
	m := &Manager{store: store, provider: provider}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// GetValidToken returns an access token for secret that stays valid for at
// least RenewalMargin. A cached token is returned without any network call.
// Otherwise the cached refresh token is used, falling back to a fresh
// registration when the refresh is rejected.
//
// The read-renew-write sequence is not atomic across processes sharing the
// store: concurrent renewals each overwrite the record and the last write wins.
// Within one process renewals for the same secret are collapsed.
func (m *Manager) GetValidToken(ctx context.Context, secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("client secret is required")
	}
	cached, found, err := m.store.Get(ctx, secret)
	if err != nil {
		return "", fmt.Errorf("read cached token: %w", err)
	}
	if found && cached.Valid(nowUTC()) {
		return cached.AccessToken, nil
	}
	// The shared renewal outlives any single caller; each caller only waits
	// for it as long as its own context allows.
	ch := m.renewals.DoChan(secret, func() (any, error) {
		renewCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), renewalTimeout)
		defer cancel()
		return m.renew(renewCtx, secret, cached, found)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(TokenRecord).AccessToken, nil
	}
}

func (m *Manager) renew(ctx context.Context, secret string, cached TokenRecord, found bool) (TokenRecord, error) {
	var refreshErr error
	if found && cached.RefreshToken != "" {
		rec, err := m.provider.Refresh(ctx, secret, cached.RefreshToken)
		if err == nil {
			m.observe("refresh", "ok")
			m.persist(ctx, secret, rec)
			return rec, nil
		}
		m.observe("refresh", "error")
		if !isRefreshFailure(err) {
			return TokenRecord{}, err
		}
		slog.Warn("token refresh rejected, registering again", "client", Fingerprint(secret), "error", err)
		refreshErr = err
	}

	rec, err := m.provider.Register(ctx, secret)
	if err != nil {
		m.observe("register", "error")
		if isContextError(err) {
			return TokenRecord{}, err
		}
		return TokenRecord{}, &AuthProviderError{Refresh: refreshErr, Register: err}
	}
	m.observe("register", "ok")
	m.persist(ctx, secret, rec)
	return rec, nil
}

// persist overwrites the cached record. A failed write only costs a renewal
// on the next request, so the fresh token is still handed out.
func (m *Manager) persist(ctx context.Context, secret string, rec TokenRecord) {
	if err := m.store.Put(ctx, secret, rec); err != nil {
		slog.Error("store token record", "client", Fingerprint(secret), "error", err)
		return
	}
	slog.Debug("token record stored", "client", Fingerprint(secret), "expires_at", rec.Expiry().UTC().Format(time.RFC3339))
}

func (m *Manager) observe(kind, outcome string) {
	if m.observer != nil {
		m.observer.ObserveRenewal(kind, outcome)
	}
}

// Fingerprint identifies a client secret in logs without revealing it.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:4])
}
