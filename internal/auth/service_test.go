package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jw6ventures/council/internal/store"
)

type fakeIdP struct {
	server       *httptest.Server
	userinfo     string
	tokenStatus  int
	tokenCalls   atomic.Int32
	lastVerifier atomic.Value
}

func newFakeIdP(t *testing.T, userinfo string) *fakeIdP {
	t.Helper()
	idp := &fakeIdP{userinfo: userinfo, tokenStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		idp.tokenCalls.Add(1)
		_ = r.ParseForm()
		idp.lastVerifier.Store(r.PostForm.Get("code_verifier"))
		if idp.tokenStatus != http.StatusOK {
			http.Error(w, "boom", idp.tokenStatus)
			return
		}
		if r.PostForm.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, idp.userinfo)
	})
	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

type fakePersons struct {
	mu      sync.Mutex
	ensured map[string]string
}

func (f *fakePersons) EnsureByUserName(_ context.Context, userName, fullName string) (*store.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensured == nil {
		f.ensured = map[string]string{}
	}
	f.ensured[userName] = fullName
	return &store.Person{ID: uuid.New(), UserName: userName, FullName: fullName}, nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestService(t *testing.T, idp *fakeIdP, persons PersonDirectory) *Service {
	t.Helper()
	cfg := testConfig(idp.server.URL)
	resolver, err := NewResolver(map[string][]string{
		"fsr":    {"ViewHidden"},
		"admins": {"Admin"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewService(context.Background(), cfg, newTestSessions(t, cfg), resolver, persons, quietLogger())
}

// beginLogin drives /auth/login and returns the state and the cookies to
// replay on the callback.
func beginLogin(t *testing.T, svc *Service, path string) (string, []*http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	svc.BeginOAuth(rec, httptest.NewRequest(http.MethodGet, "/auth/login?path="+url.QueryEscape(path), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("login status = %d", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	q := loc.Query()
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("authorization URL lacks PKCE challenge: %s", loc)
	}
	if q.Get("redirect_uri") != "https://council.example.com/auth/callback" {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	return q.Get("state"), rec.Result().Cookies()
}

func callback(svc *Service, query string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/auth/callback?"+query, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	svc.HandleOAuthCallback(rec, req)
	return rec
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName && c.Value != "" {
			return c
		}
	}
	return nil
}

func TestOAuthLoginFlow(t *testing.T) {
	idp := newFakeIdP(t, `{"sub":"1001","name":"Ada Lovelace","preferred_username":"ada","groups":["fsr","students"]}`)
	persons := &fakePersons{}
	svc := newTestService(t, idp, persons)

	state, cookies := beginLogin(t, svc, "/intern/protokolle?jahr=2024")
	rec := callback(svc, "code=good-code&state="+url.QueryEscape(state), cookies)

	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d body=%s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/intern/protokolle?jahr=2024" {
		t.Errorf("redirect = %q", loc)
	}
	c := sessionCookie(rec)
	if c == nil {
		t.Fatal("no session cookie issued")
	}
	if !c.HttpOnly || !c.Secure {
		t.Errorf("session cookie must be HttpOnly and Secure: %+v", c)
	}

	id, err := svc.sessions.Verify(c.Value)
	if err != nil {
		t.Fatalf("issued session does not verify: %v", err)
	}
	if id.Subject != "1001" || len(id.Groups) != 1 || id.Groups[0] != "fsr" {
		t.Errorf("unexpected identity %+v", id)
	}
	if persons.ensured["oauth-1001"] != "Ada Lovelace" {
		t.Errorf("person not ensured: %v", persons.ensured)
	}
	if v, _ := idp.lastVerifier.Load().(string); v == "" {
		t.Error("token request carried no PKCE verifier")
	}
}

func TestOAuthGroupsClaimAsString(t *testing.T) {
	idp := newFakeIdP(t, `{"sub":"5","preferred_username":"bob","groups":"admins"}`)
	persons := &fakePersons{}
	svc := newTestService(t, idp, persons)

	state, cookies := beginLogin(t, svc, "")
	rec := callback(svc, "code=good-code&state="+url.QueryEscape(state), cookies)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/" {
		t.Fatalf("callback = %d %q", rec.Code, rec.Header().Get("Location"))
	}
	id, err := svc.sessions.Verify(sessionCookie(rec).Value)
	if err != nil {
		t.Fatal(err)
	}
	if len(id.Groups) != 1 || id.Groups[0] != "admins" {
		t.Errorf("groups = %v", id.Groups)
	}
	if persons.ensured["oauth-5"] != "bob" {
		t.Errorf("display name fallback not used: %v", persons.ensured)
	}
}

func TestOAuthLargeGroupsClaim(t *testing.T) {
	groups := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		groups = append(groups, fmt.Sprintf("/org/faculty-of-sciences/working-group-%03d", i))
	}
	groups = append(groups, "admins", "fsr", "admins")
	claim, err := json.Marshal(map[string]any{"sub": "77", "name": "Big Claim", "groups": groups})
	if err != nil {
		t.Fatal(err)
	}
	idp := newFakeIdP(t, string(claim))
	svc := newTestService(t, idp, &fakePersons{})

	state, cookies := beginLogin(t, svc, "/")
	rec := callback(svc, "code=good-code&state="+url.QueryEscape(state), cookies)
	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d body=%s", rec.Code, rec.Body.String())
	}
	c := sessionCookie(rec)
	if c == nil {
		t.Fatal("no session cookie issued")
	}
	if len(c.Value) > 4096 {
		t.Errorf("session cookie is %d bytes", len(c.Value))
	}
	id, err := svc.sessions.Verify(c.Value)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(id.Groups, ",") != "admins,fsr" {
		t.Errorf("groups = %v", id.Groups)
	}
	if got := svc.resolver.Resolve(id.Groups); got != svc.resolver.Resolve(groups) {
		t.Errorf("capabilities changed: %v != %v", got, svc.resolver.Resolve(groups))
	}
}

func TestOAuthCallbackRejections(t *testing.T) {
	tests := []struct {
		name        string
		userinfo    string
		tokenStatus int
		query       func(state string) string
		dropCookies bool
		wantToken   bool
	}{
		{
			name:  "state mismatch",
			query: func(string) string { return "code=good-code&state=forged" },
		},
		{
			name:        "missing state cookie",
			query:       func(s string) string { return "code=good-code&state=" + url.QueryEscape(s) },
			dropCookies: true,
		},
		{
			name:        "token endpoint failure",
			tokenStatus: http.StatusInternalServerError,
			query:       func(s string) string { return "code=good-code&state=" + url.QueryEscape(s) },
			wantToken:   true,
		},
		{
			name:      "rejected code",
			query:     func(s string) string { return "code=bad&state=" + url.QueryEscape(s) },
			wantToken: true,
		},
		{
			name:      "malformed groups claim",
			userinfo:  `{"sub":"9","groups":{"nested":true}}`,
			query:     func(s string) string { return "code=good-code&state=" + url.QueryEscape(s) },
			wantToken: true,
		},
		{
			name:      "missing subject",
			userinfo:  `{"name":"ghost"}`,
			query:     func(s string) string { return "code=good-code&state=" + url.QueryEscape(s) },
			wantToken: true,
		},
		{
			name:  "provider error",
			query: func(s string) string { return "error=access_denied&state=" + url.QueryEscape(s) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userinfo := tt.userinfo
			if userinfo == "" {
				userinfo = `{"sub":"1","groups":["fsr"]}`
			}
			idp := newFakeIdP(t, userinfo)
			if tt.tokenStatus != 0 {
				idp.tokenStatus = tt.tokenStatus
			}
			persons := &fakePersons{}
			svc := newTestService(t, idp, persons)

			state, cookies := beginLogin(t, svc, "/")
			if tt.dropCookies {
				cookies = nil
			}
			rec := callback(svc, tt.query(state), cookies)

			if rec.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", rec.Code)
			}
			if sessionCookie(rec) != nil {
				t.Error("rejected login issued a session cookie")
			}
			if len(persons.ensured) != 0 {
				t.Errorf("rejected login created persons: %v", persons.ensured)
			}
			if calls := idp.tokenCalls.Load(); (calls > 0) != tt.wantToken {
				t.Errorf("token endpoint calls = %d", calls)
			}
		})
	}
}

func TestCapabilityGuard(t *testing.T) {
	idp := newFakeIdP(t, `{}`)
	svc := newTestService(t, idp, &fakePersons{})

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := svc.LoadSession(svc.RequireCapability(ManagePersons)(ok))

	do := func(groups []string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/persons", nil)
		if groups != nil {
			token, err := svc.sessions.Sign(&Identity{Subject: "u", Groups: groups})
			if err != nil {
				t.Fatal(err)
			}
			req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d", rec.Code)
	}
	if rec := do([]string{"fsr"}); rec.Code != http.StatusForbidden {
		t.Errorf("member status = %d", rec.Code)
	}
	if rec := do([]string{"admins"}); rec.Code != http.StatusNoContent {
		t.Errorf("admin status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/persons", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "forged"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("forged cookie status = %d", rec.Code)
	}
}

func TestSafeReturnPath(t *testing.T) {
	tests := map[string]string{
		"":                     "/",
		"/":                    "/",
		"/intern/a?b=c":        "/intern/a?b=c",
		"https://evil.example": "/",
		"//evil.example/x":     "/",
		"/\\evil.example":      "/",
		"relative/path":        "/",
	}
	for in, want := range tests {
		if got := safeReturnPath(in); got != want {
			t.Errorf("safeReturnPath(%q) = %q, want %q", in, got, want)
		}
	}
}
