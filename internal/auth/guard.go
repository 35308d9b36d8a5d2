package auth

import (
	"net/url"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// DefaultSkew is the safety margin subtracted from a token's expiry before
// treating it as live, covering clock drift and request latency.
const DefaultSkew = 15 * time.Second

// Reason says why a session ended.
type Reason string

const (
	ReasonExpired Reason = "expired"
	ReasonInvalid Reason = "invalid"
	ReasonLogout  Reason = "logout"
)

// TokenExpired reports whether the access token should be treated as expired.
// It fails closed: a token that does not split into three segments, whose
// payload is not valid base64url JSON, or that carries no exp claim is
// expired. The boundary is inclusive: exp == now+skew counts as expired.
func TokenExpired(token string, skew time.Duration) bool {
	return tokenExpiredAt(token, skew, time.Now())
}

func tokenExpiredAt(token string, skew time.Duration, now time.Time) bool {
	if token == "" {
		return true
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return true
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return exp.Unix() <= now.Add(skew).Unix()
}

// GuardOptions configures a Guard. CloseConnection and Redirect may be nil.
type GuardOptions struct {
	Credentials *Store
	// CloseConnection tears down the live event channel, best-effort.
	CloseConnection func()
	// Redirect carries the user to a login surface with the logout reason
	// and the URL-encoded location to resume at after re-authentication.
	Redirect func(reason Reason, next string)
	// Location supplies the current location used as the return path.
	Location func() string
	Skew     time.Duration
	Logger   *zap.Logger

	now func() time.Time
}

// Guard derives authentication validity from the credential store and owns
// the one authorized path to end a session.
type Guard struct {
	creds      *Store
	closeConn  func()
	redirect   func(reason Reason, next string)
	location   func() string
	skew       time.Duration
	logger     *zap.Logger
	now        func() time.Time
	loggingOut atomic.Bool
}

func NewGuard(opts GuardOptions) *Guard {
	skew := opts.Skew
	if skew <= 0 {
		skew = DefaultSkew
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	return &Guard{
		creds:     opts.Credentials,
		closeConn: opts.CloseConnection,
		redirect:  opts.Redirect,
		location:  opts.Location,
		skew:      skew,
		logger:    logger,
		now:       now,
	}
}

// Authenticated is true iff a token exists and is not expired.
func (g *Guard) Authenticated() bool {
	cred := g.creds.Get()
	if cred.Empty() {
		return false
	}
	return !tokenExpiredAt(cred.AccessToken, g.skew, g.now())
}

// TokenExpired checks the currently stored access token.
func (g *Guard) TokenExpired() bool {
	return tokenExpiredAt(g.creds.AccessToken(), g.skew, g.now())
}

// Logout ends the session: close any live connection, clear the persisted
// credentials, then redirect with the reason and encoded return path.
// Concurrent calls collapse into one; later calls are no-ops until Reset.
func (g *Guard) Logout(reason Reason) {
	if !g.loggingOut.CompareAndSwap(false, true) {
		return
	}
	g.logger.Info("ending session", zap.String("reason", string(reason)))
	if g.closeConn != nil {
		g.closeConn()
	}
	if err := g.creds.Clear(); err != nil {
		g.logger.Warn("failed to clear credentials", zap.Error(err))
	}
	if g.redirect != nil {
		next := ""
		if g.location != nil {
			next = url.QueryEscape(g.location())
		}
		g.redirect(reason, next)
	}
}

// Reset re-arms the guard after a successful login so a later logout runs
// its side effects again.
func (g *Guard) Reset() {
	g.loggingOut.Store(false)
}
