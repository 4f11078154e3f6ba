package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jw6ventures/council/internal/calendar"
	httperrors "github.com/jw6ventures/council/internal/http/errors"
)

func (h *Handler) ListCalendars(w http.ResponseWriter, r *http.Request) {
	httperrors.WriteJSON(w, http.StatusOK, h.calendars.Names())
}

// GetCalendar returns the mirrored upcoming events of one calendar.
func (h *Handler) GetCalendar(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	snap, err := h.calendars.Get(r.Context(), name)
	switch {
	case err == nil:
	case errors.Is(err, calendar.ErrUnknownCalendar):
		httperrors.NotFound(w, "unknown calendar")
		return
	case errors.Is(err, calendar.ErrUnavailable):
		httperrors.Unavailable(w, r, http.StatusServiceUnavailable, err, "calendar unavailable")
		return
	case r.Context().Err() != nil:
		// Client went away while waiting for the refresh.
		return
	default:
		httperrors.InternalError(w, r, err, "load calendar")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Last-Modified", snap.Refreshed.UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "no-cache")
	if snap.Stale {
		w.Header().Set("X-Calendar-Stale", "true")
	}
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(snap.JSON)
	}
}
