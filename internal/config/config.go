package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	OAuth struct {
		ClientID     string
		ClientSecret string
		AuthURL      string
		TokenURL     string
		UserInfoURL  string
		RedirectPath string
		Scopes       []string
		SourceName   string
		Timeout      time.Duration
	}

	Session struct {
		Secret string
		TTL    time.Duration
	}

	Content struct {
		PublicDir    string
		HiddenDir    string
		ProtectedDir string
		FallbackLang string
	}

	Calendar struct {
		Refresh time.Duration
		Timeout time.Duration
	}

	Log struct {
		Level  string
		Format string
	}

	PolicyFile        string
	PrometheusEnabled bool
	TrustedProxies    []string
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = getenvDefault("APP_BASE_URL", "http://localhost:8080")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		var missing []string
		if host == "" {
			missing = append(missing, "APP_DB_HOST")
		}
		if name == "" {
			missing = append(missing, "APP_DB_NAME")
		}
		if user == "" {
			missing = append(missing, "APP_DB_USER")
		}
		if password == "" {
			missing = append(missing, "APP_DB_PASSWORD")
		}

		if len(missing) == 0 {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.OAuth.ClientID = os.Getenv("APP_OAUTH_CLIENT_ID")
	cfg.OAuth.ClientSecret = os.Getenv("APP_OAUTH_CLIENT_SECRET")
	cfg.OAuth.AuthURL = os.Getenv("APP_OAUTH_AUTH_URL")
	cfg.OAuth.TokenURL = os.Getenv("APP_OAUTH_TOKEN_URL")
	cfg.OAuth.UserInfoURL = os.Getenv("APP_OAUTH_USERINFO_URL")
	cfg.OAuth.RedirectPath = getenvDefault("APP_OAUTH_REDIRECT_PATH", "/auth/callback")
	cfg.OAuth.Scopes = getenvList("APP_OAUTH_SCOPES")
	if len(cfg.OAuth.Scopes) == 0 {
		cfg.OAuth.Scopes = []string{"openid", "profile", "offline_access"}
	}
	cfg.OAuth.SourceName = getenvDefault("APP_OAUTH_SOURCE_NAME", "oauth")
	cfg.Session.Secret = os.Getenv("APP_SESSION_SECRET")

	var err error
	if cfg.OAuth.Timeout, err = getenvDuration("APP_OAUTH_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.Session.TTL, err = getenvDuration("APP_SESSION_TTL", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Calendar.Refresh, err = getenvDuration("APP_CALENDAR_REFRESH", 4*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Calendar.Timeout, err = getenvDuration("APP_CALENDAR_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}

	cfg.Content.PublicDir = getenvDefault("APP_CONTENT_PUBLIC_DIR", "content/public")
	cfg.Content.HiddenDir = getenvDefault("APP_CONTENT_HIDDEN_DIR", "content/hidden")
	cfg.Content.ProtectedDir = getenvDefault("APP_CONTENT_PROTECTED_DIR", "content/protected")
	cfg.Content.FallbackLang = getenvDefault("APP_CONTENT_FALLBACK_LANG", "de")

	cfg.Log.Level = getenvDefault("APP_LOG_LEVEL", "info")
	cfg.Log.Format = getenvDefault("APP_LOG_FORMAT", "text")

	cfg.PolicyFile = getenvDefault("APP_POLICY_FILE", "policy.yaml")
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.OAuth.ClientID == "" || cfg.OAuth.ClientSecret == "" {
		return nil, fmt.Errorf("oauth configuration is required: client id and secret")
	}
	if cfg.OAuth.AuthURL == "" || cfg.OAuth.TokenURL == "" || cfg.OAuth.UserInfoURL == "" {
		return nil, errors.New("APP_OAUTH_AUTH_URL, APP_OAUTH_TOKEN_URL and APP_OAUTH_USERINFO_URL are required")
	}
	if cfg.Session.Secret == "" {
		return nil, errors.New("APP_SESSION_SECRET is required")
	}
	if len(cfg.Session.Secret) < 32 {
		return nil, fmt.Errorf("APP_SESSION_SECRET must be at least 32 characters long (got %d)", len(cfg.Session.Secret))
	}
	if cfg.Content.PublicDir == cfg.Content.HiddenDir || cfg.Content.HiddenDir == cfg.Content.ProtectedDir || cfg.Content.PublicDir == cfg.Content.ProtectedDir {
		return nil, errors.New("content roots must be three distinct directories")
	}

	return cfg, nil
}

// RedirectURL is the absolute OAuth callback URL.
func (c *Config) RedirectURL() string {
	return strings.TrimRight(c.BaseURL, "/") + c.OAuth.RedirectPath
}

// SecureCookies reports whether cookies should carry the Secure attribute.
func (c *Config) SecureCookies() bool {
	return !strings.HasPrefix(strings.ToLower(c.BaseURL), "http://")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration (got %q)", key, v)
	}
	return d, nil
}
