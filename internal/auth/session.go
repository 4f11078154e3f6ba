package auth

import (
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/hkdf"

	"github.com/jw6ventures/council/internal/config"
)

const (
	sessionCookieName = "council_session"
	stateCookieName   = "council_oauth_state"
	stateTTL          = 10 * time.Minute
)

// Identity is the verified session payload. It is rebuilt from the signed
// cookie on every request and never stored server side.
type Identity struct {
	Subject           string   `json:"sub"`
	Name              string   `json:"name,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Groups            []string `json:"groups"`
	Provider          string   `json:"provider"`
	IssuedAt          int64    `json:"iat"`
	ExpiresAt         int64    `json:"exp"`
}

// UserName is the person user name for this identity, "<provider>-<sub>".
func (id *Identity) UserName() string {
	return id.Provider + "-" + id.Subject
}

// DisplayName prefers the name claim over the preferred username.
func (id *Identity) DisplayName() string {
	if id.Name != "" {
		return id.Name
	}
	if id.PreferredUsername != "" {
		return id.PreferredUsername
	}
	return id.Subject
}

// loginState travels in the short-lived state cookie between /auth/login and
// the callback.
type loginState struct {
	State     string `json:"state"`
	Verifier  string `json:"verifier"`
	Path      string `json:"path"`
	ExpiresAt int64  `json:"exp"`
}

// SessionManager signs and verifies the stateless session cookie and the OAuth
// state cookie.
type SessionManager struct {
	provider string
	ttl      time.Duration
	secure   bool
	session  *securecookie.SecureCookie
	state    *securecookie.SecureCookie
	now      func() time.Time
}

func NewSessionManager(cfg *config.Config) (*SessionManager, error) {
	session, err := newCodec(cfg.Session.Secret, "council session", cfg.Session.TTL)
	if err != nil {
		return nil, err
	}
	state, err := newCodec(cfg.Session.Secret, "council oauth state", stateTTL)
	if err != nil {
		return nil, err
	}
	return &SessionManager{
		provider: cfg.OAuth.SourceName,
		ttl:      cfg.Session.TTL,
		secure:   cfg.SecureCookies(),
		session:  session,
		state:    state,
		now:      time.Now,
	}, nil
}

// newCodec derives independent HMAC and AES keys for one cookie purpose.
func newCodec(secret, info string, maxAge time.Duration) (*securecookie.SecureCookie, error) {
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	hashKey := make([]byte, 64)
	blockKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, hashKey); err != nil {
		return nil, fmt.Errorf("derive hash key: %w", err)
	}
	if _, err := io.ReadFull(kdf, blockKey); err != nil {
		return nil, fmt.Errorf("derive block key: %w", err)
	}
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(maxAge / time.Second))
	sc.SetSerializer(securecookie.JSONEncoder{})
	return sc, nil
}

// Sign stamps the identity with provider, issue and expiry times and returns
// the encoded cookie value. A payload the codec refuses, for instance one
// over its length limit, is reported as ErrSessionEncoding.
func (m *SessionManager) Sign(id *Identity) (string, error) {
	now := m.now()
	id.Provider = m.provider
	id.IssuedAt = now.Unix()
	id.ExpiresAt = now.Add(m.ttl).Unix()
	if id.Groups == nil {
		id.Groups = []string{}
	}
	token, err := m.session.Encode(sessionCookieName, id)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionEncoding, err)
	}
	return token, nil
}

// Verify decodes a session token. Every failure is reported as
// ErrInvalidSession with the cause attached for logging.
func (m *SessionManager) Verify(token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidSession)
	}
	var id Identity
	if err := m.session.Decode(sessionCookieName, token, &id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if id.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidSession)
	}
	if id.Provider != m.provider {
		return nil, fmt.Errorf("%w: issued by provider %q", ErrInvalidSession, id.Provider)
	}
	if !m.now().Before(time.Unix(id.ExpiresAt, 0)) {
		return nil, fmt.Errorf("%w: expired", ErrInvalidSession)
	}
	return &id, nil
}

// setCookie stores a signed session token with the expiry it carries.
func (m *SessionManager) setCookie(w http.ResponseWriter, token string, expiresAt int64) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  time.Unix(expiresAt, 0),
		MaxAge:   int(m.ttl / time.Second),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// FromRequest verifies the session cookie of r. A missing cookie yields an
// error matching both ErrInvalidSession and http.ErrNoCookie.
func (m *SessionManager) FromRequest(r *http.Request) (*Identity, error) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	return m.Verify(c.Value)
}

// Clear removes the session cookie.
func (m *SessionManager) Clear(w http.ResponseWriter) {
	m.expire(w, sessionCookieName)
}

func (m *SessionManager) issueState(w http.ResponseWriter, st loginState) error {
	st.ExpiresAt = m.now().Add(stateTTL).Unix()
	encoded, err := m.state.Encode(stateCookieName, st)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(stateTTL / time.Second),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// readState returns the state cookie payload. Any failure means the callback
// cannot be tied to a login this browser started.
func (m *SessionManager) readState(r *http.Request) (loginState, error) {
	var st loginState
	c, err := r.Cookie(stateCookieName)
	if err != nil {
		return st, fmt.Errorf("%w: %w", ErrForgeryDetected, err)
	}
	if err := m.state.Decode(stateCookieName, c.Value, &st); err != nil {
		return st, fmt.Errorf("%w: %v", ErrForgeryDetected, err)
	}
	if !m.now().Before(time.Unix(st.ExpiresAt, 0)) {
		return st, fmt.Errorf("%w: state expired", ErrForgeryDetected)
	}
	if st.State == "" {
		return st, fmt.Errorf("%w: empty state", ErrForgeryDetected)
	}
	return st, nil
}

func (m *SessionManager) clearState(w http.ResponseWriter) {
	m.expire(w, stateCookieName)
}

func (m *SessionManager) expire(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
