package content

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jw6ventures/council/internal/auth"
)

const (
	htmlCacheControl  = "private, must-revalidate, max-age=0"
	assetCacheControl = "immutable, max-age=31536000"
)

// Handler serves the tiered static site. Every gate failure is answered with
// the same not-found page so hidden and protected paths cannot be probed.
type Handler struct {
	gate         *Gate
	fallbackLang string
	logger       logrus.FieldLogger
}

func NewHandler(gate *Gate, fallbackLang string, logger logrus.FieldLogger) *Handler {
	return &Handler{
		gate:         gate,
		fallbackLang: strings.Trim(fallbackLang, "/"),
		logger:       logger.WithField("component", "content"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	caps := auth.CapabilitiesFromContext(r.Context())
	requested := strings.TrimPrefix(r.URL.Path, "/")

	f, err := h.gate.Resolve(caps, requested)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidPath):
		h.logger.WithField("path", r.URL.Path).Debug("rejected content path")
		h.notFound(w, r)
		return
	default:
		if target, ok := h.languageFallback(caps, requested); ok {
			http.Redirect(w, r, withQuery(target, r.URL.RawQuery), http.StatusPermanentRedirect)
			return
		}
		h.notFound(w, r)
		return
	}

	if f.Index && !strings.HasSuffix(r.URL.Path, "/") {
		http.Redirect(w, r, withQuery(r.URL.Path+"/", r.URL.RawQuery), http.StatusMovedPermanently)
		return
	}
	h.serveFile(w, r, f, http.StatusOK)
}

// languageFallback reports the fallback-language location of a path that only
// exists there, e.g. /impressum.html -> /de/impressum.html.
func (h *Handler) languageFallback(caps auth.CapabilitySet, requested string) (string, bool) {
	if h.fallbackLang == "" {
		return "", false
	}
	if requested == h.fallbackLang || strings.HasPrefix(requested, h.fallbackLang+"/") {
		return "", false
	}
	candidate := path.Join(h.fallbackLang, requested)
	if strings.HasSuffix(requested, "/") || requested == "" {
		candidate += "/"
	}
	if _, err := h.gate.Resolve(caps, candidate); err != nil {
		return "", false
	}
	return "/" + candidate, true
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	if h.fallbackLang != "" {
		// The error page is always taken from the public tier.
		if f, err := h.gate.Resolve(auth.CapabilitySet(0), path.Join(h.fallbackLang, "404.html")); err == nil && f.Tier == Public {
			h.serveFile(w, r, f, http.StatusNotFound)
			return
		}
	}
	w.Header().Set("Cache-Control", htmlCacheControl)
	http.Error(w, "404 page not found", http.StatusNotFound)
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, f *ResolvedFile, status int) {
	file, err := os.Open(f.Path)
	if err != nil {
		h.logger.WithError(err).WithField("file", f.Path).Error("open content file")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	w.Header().Set("Cache-Control", cacheControl(f))
	if status != http.StatusOK {
		// ServeContent would answer conditional requests with 304 or 200.
		if ctype := contentTypeFor(f.Path); ctype != "" {
			w.Header().Set("Content-Type", ctype)
		}
		w.WriteHeader(status)
		if r.Method != http.MethodHead {
			_, _ = io.Copy(w, file)
		}
		return
	}
	// A zero modtime keeps Last-Modified off the response.
	http.ServeContent(w, r, f.Path, time.Time{}, file)
}

func cacheControl(f *ResolvedFile) string {
	if isHTML(f.Path) {
		return htmlCacheControl
	}
	if f.Tier != Public {
		return "private, " + assetCacheControl
	}
	return assetCacheControl
}

func isHTML(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".html", ".htm":
		return true
	}
	return false
}

func contentTypeFor(name string) string {
	if isHTML(name) {
		return "text/html; charset=utf-8"
	}
	return ""
}

func withQuery(target, rawQuery string) string {
	if rawQuery == "" {
		return target
	}
	return target + "?" + rawQuery
}
