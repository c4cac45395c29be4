package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

const (
	// defaultRefreshMargin renews tokens slightly before their expiry so a
	// dial never presents a token that lapses mid-handshake.
	defaultRefreshMargin = 30 * time.Second

	// defaultHTTPTimeout bounds the token endpoint call when no client is
	// supplied.
	defaultHTTPTimeout = 30 * time.Second

	notifyAuthFailure = "cloud_auth_failure"
	notifyTitle       = "Gray Logic Cloud"

	messageAuthFailure = "Logged out of Gray Logic Cloud because the stored " +
		"credentials could not be verified. Log in again to continue using " +
		"the service."
)

// Logger is the minimal logging interface this package needs. Satisfied by
// *slog.Logger and the infrastructure logging wrapper.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Notifier delivers user-facing messages about credential problems.
type Notifier interface {
	UserMessage(identifier, title, message string)
}

// SessionConfig holds the dependencies and settings for a Session.
type SessionConfig struct {
	// TokenURL is the cloud token endpoint used to renew access tokens.
	TokenURL string

	// InstanceID identifies this installation to the token endpoint.
	InstanceID string

	// Repository persists credentials across restarts.
	Repository CredentialsRepository

	// HTTPClient for the token endpoint call. Default: 30 second timeout.
	HTTPClient *http.Client

	// RefreshMargin is how early before expiry CheckToken renews the
	// access token. Default: 30 seconds.
	RefreshMargin time.Duration

	// Notifier for user-facing auth failure messages. Optional.
	Notifier Notifier

	// OnAuthFailure runs (in its own goroutine) after the endpoint rejects
	// the stored credentials and the session has logged itself out.
	// Optional.
	OnAuthFailure func()

	// Logger for session events. Optional.
	Logger Logger
}

// Session holds this instance's cloud credentials and keeps the access
// token fresh.
//
// It satisfies the relay connection's session interface: CheckToken runs
// before every dial, AccessToken supplies the Authorization header, and
// SubscriptionExpired feeds the subscription gate. A background refresher,
// started and stopped through the OnConnect/OnDisconnect hooks, renews the
// token shortly before expiry while the link is up.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Token endpoint calls are serialised; concurrent CheckToken calls
//     perform at most one renewal.
type Session struct {
	cfg SessionConfig

	mu     sync.Mutex
	creds  *Credentials
	claims *CloudClaims

	refreshMu   sync.Mutex
	refreshStop chan struct{}

	randInt func(n int) int
}

// NewSession creates a Session for the given configuration.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("session requires a token URL")
	}
	if cfg.Repository == nil {
		return nil, fmt.Errorf("session requires a credentials repository")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = defaultRefreshMargin
	}

	return &Session{
		cfg:     cfg,
		randInt: rand.Intn,
	}, nil
}

// Load primes the session from the credential store. Returns ErrNotLoggedIn
// when no credentials have been stored yet.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Session) loadLocked(ctx context.Context) error {
	creds, err := s.cfg.Repository.Get(ctx)
	if err != nil {
		return err
	}

	claims, err := ParseClaims(creds.AccessToken)
	if err != nil {
		return err
	}

	s.creds = creds
	s.claims = claims
	return nil
}

// LoggedIn reports whether the session holds credentials.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds != nil
}

// AccessToken returns the current access token, or an empty string when
// not logged in.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds == nil {
		return ""
	}
	return s.creds.AccessToken
}

// Username returns the username claim of the current token, or an empty
// string when not logged in.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claims == nil {
		return ""
	}
	return s.claims.Username
}

// SubscriptionExpired reports whether the cloud subscription has lapsed.
// A session without credentials counts as expired.
func (s *Session) SubscriptionExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claims == nil {
		return true
	}
	return s.claims.SubscriptionExpired(time.Now())
}

// StoreCredentials validates and persists a fresh token pair, replacing
// any previous one. Used when the instance is first paired with the cloud.
func (s *Session) StoreCredentials(ctx context.Context, accessToken, refreshToken string) error {
	claims, err := ParseClaims(accessToken)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	creds := &Credentials{AccessToken: accessToken, RefreshToken: refreshToken}
	if err := s.cfg.Repository.Save(ctx, creds); err != nil {
		return err
	}

	s.creds = creds
	s.claims = claims
	s.logInfo("cloud credentials stored", "username", claims.Username)
	return nil
}

// Logout clears the stored credentials and the in-memory session.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logoutLocked(ctx)
}

func (s *Session) logoutLocked(ctx context.Context) error {
	if err := s.cfg.Repository.Clear(ctx); err != nil {
		return err
	}
	s.creds = nil
	s.claims = nil
	s.logInfo("logged out of cloud")
	return nil
}

// CheckToken ensures the session holds a usable access token, renewing it
// when it is missing or about to expire.
//
// A rejected renewal is terminal: the user is notified, the credentials
// are cleared, the OnAuthFailure callback fires and ErrRefreshRejected is
// returned. Transient endpoint failures are returned as plain errors and
// leave the stored credentials untouched.
func (s *Session) CheckToken(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds == nil {
		if err := s.loadLocked(ctx); err != nil {
			return err
		}
	}

	if !s.needsRefreshLocked(time.Now()) {
		return nil
	}
	return s.renewLocked(ctx)
}

// RefreshNow renews the access token regardless of its remaining validity.
func (s *Session) RefreshNow(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds == nil {
		if err := s.loadLocked(ctx); err != nil {
			return err
		}
	}
	return s.renewLocked(ctx)
}

func (s *Session) needsRefreshLocked(now time.Time) bool {
	if s.claims == nil {
		return true
	}
	exp, ok := s.claims.Expiration()
	if !ok {
		return true
	}
	return !now.Before(exp.Add(-s.cfg.RefreshMargin))
}

type tokenRequest struct {
	InstanceID   string `json:"instance_id"`
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

func (s *Session) renewLocked(ctx context.Context) error {
	body, err := json.Marshal(tokenRequest{
		InstanceID:   s.cfg.InstanceID,
		RefreshToken: s.creds.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling token endpoint: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return s.handleRejectedLocked(ctx)
	default:
		return fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return fmt.Errorf("token endpoint returned no access token")
	}

	claims, err := ParseClaims(tr.AccessToken)
	if err != nil {
		return err
	}

	creds := &Credentials{
		AccessToken:  tr.AccessToken,
		RefreshToken: s.creds.RefreshToken,
	}
	// The endpoint may rotate the refresh token alongside the access token.
	if tr.RefreshToken != "" {
		creds.RefreshToken = tr.RefreshToken
	}

	if err := s.cfg.Repository.Save(ctx, creds); err != nil {
		return err
	}
	s.creds = creds
	s.claims = claims

	if exp, ok := claims.Expiration(); ok {
		s.logDebug("access token renewed", "expires_at", exp.UTC().Format(time.RFC3339))
	} else {
		s.logDebug("access token renewed")
	}
	return nil
}

func (s *Session) handleRejectedLocked(ctx context.Context) error {
	s.logError("unable to refresh token: credentials rejected")

	if s.cfg.Notifier != nil {
		s.cfg.Notifier.UserMessage(notifyAuthFailure, notifyTitle, messageAuthFailure)
	}
	if err := s.logoutLocked(ctx); err != nil {
		s.logWarn("failed to clear rejected credentials", "error", err)
	}
	if s.cfg.OnAuthFailure != nil {
		go s.cfg.OnAuthFailure()
	}
	return ErrRefreshRejected
}

// OnConnect starts the background token refresher. Registered as a relay
// on-connect lifecycle hook.
func (s *Session) OnConnect(context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if s.refreshStop != nil {
		return nil
	}
	stop := make(chan struct{})
	s.refreshStop = stop
	go s.refreshLoop(stop)
	return nil
}

// OnDisconnect stops the background token refresher. Registered as a relay
// on-disconnect lifecycle hook.
func (s *Session) OnDisconnect(context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if s.refreshStop != nil {
		close(s.refreshStop)
		s.refreshStop = nil
	}
	return nil
}

// refreshDelay computes how long the refresher sleeps before the next
// renewal: a random 10 to 610 seconds ahead of expiry, or a random 40 to
// 60 minutes when no usable expiry is known.
func (s *Session) refreshDelay(now time.Time) time.Duration {
	s.mu.Lock()
	claims := s.claims
	s.mu.Unlock()

	if claims != nil {
		if exp, ok := claims.Expiration(); ok {
			lead := time.Duration(10+s.randInt(601)) * time.Second
			if delay := exp.Sub(now) - lead; delay > time.Second {
				return delay
			}
		}
	}
	return time.Duration(2400+s.randInt(1201)) * time.Second
}

func (s *Session) refreshLoop(stop <-chan struct{}) {
	s.logDebug("token refresher started")
	defer s.logDebug("token refresher stopped")

	for {
		delay := s.refreshDelay(time.Now())
		s.logDebug("sleeping before token refresh", "delay", delay.String())

		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := s.RefreshNow(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, ErrRefreshRejected) {
				// The session logged itself out; nothing left to refresh.
				return
			}
			s.logError("cannot refresh cloud token", "error", err)
		}
	}
}

func (s *Session) logDebug(msg string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Debug(msg, args...)
	}
}

func (s *Session) logInfo(msg string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info(msg, args...)
	}
}

func (s *Session) logWarn(msg string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Warn(msg, args...)
	}
}

func (s *Session) logError(msg string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Error(msg, args...)
	}
}
