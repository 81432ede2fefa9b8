// Package identity tracks the signed-in user and notifies listeners of
// sign-in and sign-out transitions.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/matheus3301/swoon/internal/logging"
)

var (
	ErrMissingUser  = errors.New("user id is required")
	ErrTokenExpired = errors.New("access token expired")
	ErrUserMismatch = errors.New("token subject does not match user id")
)

// EventType distinguishes auth transitions.
type EventType string

const (
	SignedIn  EventType = "signed_in"
	SignedOut EventType = "signed_out"
)

// AuthEvent is delivered to OnAuthStateChange listeners.
type AuthEvent struct {
	Type   EventType
	UserID string
	Token  string
}

// Credentials are presented on sign-in. AccessToken is optional; when set it
// must be a JWT whose sub claim (if any) names the user.
type Credentials struct {
	UserID      string
	AccessToken string
}

type listener struct {
	id int
	fn func(AuthEvent)
}

// Provider is the identity collaborator consumed by the realtime manager,
// the message pipeline and the call engine.
type Provider struct {
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	userID    string
	token     string
	expiry    *clock.Timer
	listeners []listener
	leaving   []leaveHook
	nextID    int
}

type leaveHook struct {
	id int
	fn func(userID string)
}

// NewProvider creates a signed-out provider.
func NewProvider(clk clock.Clock, logger *zap.Logger) *Provider {
	if clk == nil {
		clk = clock.New()
	}
	return &Provider{clock: clk, logger: logging.OrNop(logger)}
}

// SignIn records the user and notifies listeners. The token's claims are read
// without verification; the backend verifies it. A token with an exp claim
// signs the user out automatically when it expires.
func (p *Provider) SignIn(_ context.Context, creds Credentials) error {
	userID := creds.UserID

	var claims jwt.RegisteredClaims
	if creds.AccessToken != "" {
		if _, _, err := jwt.NewParser().ParseUnverified(creds.AccessToken, &claims); err != nil {
			return fmt.Errorf("parse access token: %w", err)
		}
		switch {
		case userID == "":
			userID = claims.Subject
		case claims.Subject != "" && claims.Subject != userID:
			return fmt.Errorf("%w: %s != %s", ErrUserMismatch, claims.Subject, userID)
		}
	}
	if userID == "" {
		return ErrMissingUser
	}

	p.mu.Lock()
	if p.expiry != nil {
		p.expiry.Stop()
		p.expiry = nil
	}
	if claims.ExpiresAt != nil {
		ttl := claims.ExpiresAt.Sub(p.clock.Now())
		if ttl <= 0 {
			p.mu.Unlock()
			return ErrTokenExpired
		}
		token := creds.AccessToken
		p.expiry = p.clock.AfterFunc(ttl, func() { p.expire(token) })
	}
	p.userID = userID
	p.token = creds.AccessToken
	p.mu.Unlock()

	p.logger.Info("signed in", zap.String("user", userID))
	p.notify(AuthEvent{Type: SignedIn, UserID: userID, Token: creds.AccessToken})
	return nil
}

// SignOut clears the current user. It is a no-op when already signed out.
func (p *Provider) SignOut() {
	userID := p.CurrentUserID()
	if userID == "" {
		return
	}
	p.runLeaving(userID)

	p.mu.Lock()
	if p.userID != userID {
		p.mu.Unlock()
		return
	}
	p.clearLocked()
	p.mu.Unlock()

	p.logger.Info("signed out", zap.String("user", userID))
	p.notify(AuthEvent{Type: SignedOut, UserID: userID})
}

func (p *Provider) expire(token string) {
	p.mu.Lock()
	if p.userID == "" || p.token != token {
		p.mu.Unlock()
		return
	}
	userID := p.userID
	p.mu.Unlock()

	p.runLeaving(userID)

	p.mu.Lock()
	if p.userID != userID || p.token != token {
		p.mu.Unlock()
		return
	}
	p.clearLocked()
	p.mu.Unlock()

	p.logger.Warn("access token expired, signing out", zap.String("user", userID))
	p.notify(AuthEvent{Type: SignedOut, UserID: userID})
}

func (p *Provider) clearLocked() {
	if p.expiry != nil {
		p.expiry.Stop()
		p.expiry = nil
	}
	p.userID = ""
	p.token = ""
}

// CurrentUserID returns the signed-in user id, or "" when signed out.
func (p *Provider) CurrentUserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}

// Token returns the current access token, possibly empty.
func (p *Provider) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// IsAuthenticated reports whether a user is signed in.
func (p *Provider) IsAuthenticated() bool {
	return p.CurrentUserID() != ""
}

// OnAuthStateChange registers fn for auth transitions. Listeners run
// synchronously, in registration order, on the goroutine that caused the
// transition. The returned func removes the listener.
func (p *Provider) OnAuthStateChange(fn func(AuthEvent)) (off func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners = append(p.listeners, listener{id: id, fn: fn})
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, l := range p.listeners {
			if l.id == id {
				p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
				return
			}
		}
	}
}

// BeforeSignOut registers fn to run while userID is still signed in, ahead of
// every SignedOut listener. It runs for explicit sign-outs and token expiry.
// The returned func removes the hook.
func (p *Provider) BeforeSignOut(fn func(userID string)) (off func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.leaving = append(p.leaving, leaveHook{id: id, fn: fn})
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, h := range p.leaving {
			if h.id == id {
				p.leaving = append(p.leaving[:i:i], p.leaving[i+1:]...)
				return
			}
		}
	}
}

func (p *Provider) runLeaving(userID string) {
	p.mu.Lock()
	hs := make([]leaveHook, len(p.leaving))
	copy(hs, p.leaving)
	p.mu.Unlock()

	for _, h := range hs {
		h.fn(userID)
	}
}

func (p *Provider) notify(evt AuthEvent) {
	p.mu.Lock()
	ls := make([]listener, len(p.listeners))
	copy(ls, p.listeners)
	p.mu.Unlock()

	for _, l := range ls {
		l.fn(evt)
	}
}
