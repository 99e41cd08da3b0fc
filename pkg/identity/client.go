package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/lkarlslund/buddyproxy/pkg/tokens"
	"github.com/lkarlslund/buddyproxy/pkg/version"
)

const (
	DefaultSignUpURL  = "https://identitytoolkit.googleapis.com/v1/accounts:signUp"
	DefaultRefreshURL = "https://securetoken.googleapis.com/v1/token"

	// Firebase ID tokens live for one hour unless the provider says otherwise.
	defaultTokenLifetime = time.Hour
)

var nowUTC = func() time.Time { return time.Now().UTC() }

type Config struct {
	SignUpURL  string
	RefreshURL string
	// Timeout bounds each call; zero leaves the transport default in place.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the Firebase identity endpoints. Each call is a single
// round trip without retries.
type Client struct {
	signUpURL  string
	refreshURL string
	client     *http.Client
}

var _ tokens.Provider = (*Client)(nil)

func NewClient(cfg Config) *Client {
	c := &Client{
		signUpURL:  strings.TrimSpace(cfg.SignUpURL),
		refreshURL: strings.TrimSpace(cfg.RefreshURL),
		client:     cfg.HTTPClient,
	}
	if c.signUpURL == "" {
		c.signUpURL = DefaultSignUpURL
	}
	if c.refreshURL == "" {
		c.refreshURL = DefaultRefreshURL
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: cfg.Timeout}
	}
	return c
}

type signUpResponse struct {
	IDToken      string  `json:"idToken"`
	RefreshToken string  `json:"refreshToken"`
	ExpiresIn    seconds `json:"expiresIn"`
}

type refreshResponse struct {
	IDToken      string  `json:"id_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresIn    seconds `json:"expires_in"`
}

// Register exchanges the long-lived secret for a fresh token pair.
func (c *Client) Register(ctx context.Context, secret string) (tokens.TokenRecord, error) {
	endpoint, err := withKey(c.signUpURL, secret)
	if err != nil {
		return tokens.TokenRecord{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(`{"returnSecureToken":true}`)))
	if err != nil {
		return tokens.TokenRecord{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := c.client.Do(req)
	if err != nil {
		return tokens.TokenRecord{}, fmt.Errorf("identity signUp: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return tokens.TokenRecord{}, &RegistrationError{
			StatusCode: resp.StatusCode,
			Status:     statusText(resp),
			Body:       readSnippet(resp.Body),
		}
	}
	var out signUpResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return tokens.TokenRecord{}, fmt.Errorf("decode signUp response: %w", err)
	}
	if strings.TrimSpace(out.IDToken) == "" {
		return tokens.TokenRecord{}, fmt.Errorf("signUp response carries no idToken")
	}
	rec := newRecord(out.IDToken, out.RefreshToken, out.ExpiresIn)
	slog.Debug("identity registration completed", "client", tokens.Fingerprint(secret), "expires_at", rec.Expiry().UTC().Format(time.RFC3339))
	return rec, nil
}

// Refresh exchanges a refresh token for a fresh token pair. Any rejection,
// including an unusable response body, is reported as *RefreshError.
func (c *Client) Refresh(ctx context.Context, secret, refreshToken string) (tokens.TokenRecord, error) {
	endpoint, err := withKey(c.refreshURL, secret)
	if err != nil {
		return tokens.TokenRecord{}, err
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return tokens.TokenRecord{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := c.client.Do(req)
	if err != nil {
		return tokens.TokenRecord{}, fmt.Errorf("identity token refresh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return tokens.TokenRecord{}, &RefreshError{
			StatusCode: resp.StatusCode,
			Status:     statusText(resp),
			Body:       readSnippet(resp.Body),
		}
	}
	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return tokens.TokenRecord{}, &RefreshError{StatusCode: resp.StatusCode, Status: statusText(resp), Body: "malformed response: " + err.Error()}
	}
	if strings.TrimSpace(out.IDToken) == "" {
		return tokens.TokenRecord{}, &RefreshError{StatusCode: resp.StatusCode, Status: statusText(resp), Body: "response carries no id_token"}
	}
	refreshed := out.RefreshToken
	if strings.TrimSpace(refreshed) == "" {
		refreshed = refreshToken
	}
	rec := newRecord(out.IDToken, refreshed, out.ExpiresIn)
	slog.Debug("identity token refreshed", "client", tokens.Fingerprint(secret), "expires_at", rec.Expiry().UTC().Format(time.RFC3339))
	return rec, nil
}

// newRecord anchors the expiry at the completion of the call that produced
// the tokens, so every record's clock math is self-consistent.
func newRecord(idToken, refreshToken string, expiresIn seconds) tokens.TokenRecord {
	completed := nowUTC()
	lifetime := time.Duration(expiresIn) * time.Second
	var expiresAt time.Time
	if lifetime > 0 {
		expiresAt = completed.Add(lifetime)
	} else if exp, ok := idTokenExpiry(idToken); ok {
		expiresAt = exp
	} else {
		expiresAt = completed.Add(defaultTokenLifetime)
	}
	return tokens.TokenRecord{
		AccessToken:  idToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt.UnixMilli(),
	}
}

// idTokenExpiry reads the exp claim without verifying the signature; the
// token came straight from the provider over TLS.
func idTokenExpiry(idToken string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func withKey(base, secret string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid identity endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", secret)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func statusText(resp *http.Response) string {
	if s := strings.TrimSpace(resp.Status); s != "" {
		return s
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 1024))
	return strings.TrimSpace(string(b))
}

// seconds accepts both `"3600"` and `3600`; Firebase sends the former.
type seconds int64

func (s *seconds) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if raw == "" || raw == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid expiry %q: %w", raw, err)
	}
	*s = seconds(n)
	return nil
}
