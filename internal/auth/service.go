package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/jw6ventures/council/internal/config"
	"github.com/jw6ventures/council/internal/metrics"
	"github.com/jw6ventures/council/internal/store"
)

// PersonDirectory creates the person record for a first-time login.
type PersonDirectory interface {
	EnsureByUserName(ctx context.Context, userName, fullName string) (*store.Person, error)
}

// Service encapsulates the OAuth login flow and session guards.
type Service struct {
	oauth    *oauth2.Config
	provider *oidc.Provider
	client   *http.Client
	timeout  time.Duration
	sessions *SessionManager
	resolver *Resolver
	persons  PersonDirectory
	logger   logrus.FieldLogger
}

func NewService(ctx context.Context, cfg *config.Config, sessions *SessionManager, resolver *Resolver, persons PersonDirectory, logger logrus.FieldLogger) *Service {
	client := &http.Client{Timeout: cfg.OAuth.Timeout}
	provider := (&oidc.ProviderConfig{
		AuthURL:     cfg.OAuth.AuthURL,
		TokenURL:    cfg.OAuth.TokenURL,
		UserInfoURL: cfg.OAuth.UserInfoURL,
	}).NewProvider(oidc.ClientContext(ctx, client))

	return &Service{
		oauth: &oauth2.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL(),
			Scopes:       cfg.OAuth.Scopes,
		},
		provider: provider,
		client:   client,
		timeout:  cfg.OAuth.Timeout,
		sessions: sessions,
		resolver: resolver,
		persons:  persons,
		logger:   logger.WithField("component", "auth"),
	}
}

// Login is the outcome of a completed authorization-code exchange.
type Login struct {
	Identity   *Identity
	Token      string
	ReturnPath string
}

// BeginLogin stores a fresh state and PKCE verifier in the state cookie and
// returns the provider authorization URL.
func (s *Service) BeginLogin(w http.ResponseWriter, returnPath string) (string, error) {
	state, err := randomToken()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()
	if err := s.sessions.issueState(w, loginState{
		State:    state,
		Verifier: verifier,
		Path:     safeReturnPath(returnPath),
	}); err != nil {
		return "", fmt.Errorf("issue state cookie: %w", err)
	}
	return s.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// completeLogin checks the returned state against the cookie, exchanges the
// code, reads the user-info endpoint and signs a session token. Only groups
// the resolver maps are kept in the session.
func (s *Service) completeLogin(ctx context.Context, expected loginState, code, state string) (*Login, error) {
	if subtle.ConstantTimeCompare([]byte(expected.State), []byte(state)) != 1 {
		return nil, ErrForgeryDetected
	}
	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", ErrProviderUnavailable)
	}

	id, err := s.fetchIdentity(ctx, expected.Verifier, code)
	if err != nil {
		return nil, err
	}
	claimed := len(id.Groups)
	id.Groups = s.resolver.Known(id.Groups)
	if dropped := claimed - len(id.Groups); dropped > 0 {
		s.logger.WithFields(logrus.Fields{
			"subject": id.Subject,
			"dropped": dropped,
		}).Debug("ignoring unmapped groups")
	}

	token, err := s.sessions.Sign(id)
	if err != nil {
		return nil, fmt.Errorf("sign session: %w", err)
	}
	if _, err := s.persons.EnsureByUserName(ctx, id.UserName(), id.DisplayName()); err != nil {
		return nil, fmt.Errorf("ensure person %s: %w", id.UserName(), err)
	}

	return &Login{Identity: id, Token: token, ReturnPath: expected.Path}, nil
}

type userInfoClaims struct {
	Subject           string          `json:"sub"`
	Name              string          `json:"name"`
	PreferredUsername string          `json:"preferred_username"`
	Groups            json.RawMessage `json:"groups"`
}

func (s *Service) fetchIdentity(ctx context.Context, verifier, code string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx = oidc.ClientContext(ctx, s.client)

	tok, err := s.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: token exchange: %v", ErrProviderUnavailable, err)
	}
	info, err := s.provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo: %v", ErrProviderUnavailable, err)
	}

	var claims userInfoClaims
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decode claims: %v", ErrProviderUnavailable, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: userinfo has no subject", ErrProviderUnavailable)
	}
	groups, err := parseGroups(claims.Groups)
	if err != nil {
		return nil, err
	}

	return &Identity{
		Subject:           claims.Subject,
		Name:              claims.Name,
		PreferredUsername: claims.PreferredUsername,
		Groups:            groups,
	}, nil
}

// parseGroups accepts a list of strings or a single string.
func parseGroups(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return []string{}, nil
		}
		return []string{single}, nil
	}
	return nil, fmt.Errorf("%w: malformed groups claim", ErrProviderUnavailable)
}

// BeginOAuth starts the OAuth authorization flow.
func (s *Service) BeginOAuth(w http.ResponseWriter, r *http.Request) {
	target, err := s.BeginLogin(w, r.URL.Query().Get("path"))
	if err != nil {
		s.logger.WithError(err).Error("begin login")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleOAuthCallback completes the OAuth flow and sets the session cookie.
func (s *Service) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	expected, err := s.sessions.readState(r)
	s.sessions.clearState(w)
	if err != nil {
		s.deny(w, r, err)
		return
	}
	if perr := q.Get("error"); perr != "" {
		s.deny(w, r, fmt.Errorf("%w: provider returned %q", ErrProviderUnavailable, perr))
		return
	}

	login, err := s.completeLogin(r.Context(), expected, q.Get("code"), q.Get("state"))
	if err != nil {
		if errors.Is(err, ErrForgeryDetected) || errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrSessionEncoding) {
			s.deny(w, r, err)
			return
		}
		s.logger.WithError(err).Error("complete login")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	s.sessions.setCookie(w, login.Token, login.Identity.ExpiresAt)
	s.logger.WithFields(logrus.Fields{
		"user":   login.Identity.UserName(),
		"groups": len(login.Identity.Groups),
	}).Info("login")
	http.Redirect(w, r, login.ReturnPath, http.StatusFound)
}

// Logout clears the session cookie. Tokens already handed out stay valid
// until they expire.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// LoadSession attaches the identity and capabilities of a valid session to the
// request context. Requests without a valid session continue anonymously.
func (s *Service) LoadSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.sessions.FromRequest(r)
		if err != nil {
			if !errors.Is(err, http.ErrNoCookie) {
				metrics.AuthDenial(denialReason(err))
				s.logger.WithError(err).Debug("discarding session cookie")
				s.sessions.Clear(w)
			}
			next.ServeHTTP(w, r)
			return
		}
		ctx := WithIdentity(r.Context(), id, s.resolver.Resolve(id.Groups))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSession rejects anonymous requests. It expects LoadSession to have run.
func (s *Service) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFromContext(r.Context()); !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireCapability guards a route with a single capability.
func (s *Service) RequireCapability(c Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return s.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := Require(CapabilitiesFromContext(r.Context()), c); err != nil {
				metrics.AuthDenial(denialReason(err))
				id, _ := IdentityFromContext(r.Context())
				s.logger.WithError(err).WithField("user", id.UserName()).Info("capability check failed")
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

// deny logs the internal reason and answers with a generic response.
func (s *Service) deny(w http.ResponseWriter, r *http.Request, err error) {
	reason := denialReason(err)
	metrics.AuthDenial(reason)
	s.logger.WithError(err).WithFields(logrus.Fields{
		"reason":     reason,
		"remote_ip":  r.RemoteAddr,
		"user_agent": r.UserAgent(),
	}).Warn("login rejected")
	http.Error(w, "login failed", http.StatusForbidden)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// safeReturnPath keeps post-login redirects on this site.
func safeReturnPath(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.Contains(p, "\\") {
		return "/"
	}
	u, err := url.Parse(p)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return u.RequestURI()
}
