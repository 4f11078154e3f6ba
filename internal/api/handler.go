package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jw6ventures/council/internal/auth"
	"github.com/jw6ventures/council/internal/availability"
	"github.com/jw6ventures/council/internal/calendar"
	"github.com/jw6ventures/council/internal/http/csrf"
	httperrors "github.com/jw6ventures/council/internal/http/errors"
	"github.com/jw6ventures/council/internal/store"
)

// Calendars is the read side of the calendar mirror.
type Calendars interface {
	Names() []string
	Get(ctx context.Context, name string) (*calendar.Snapshot, error)
}

// Ledger is the leave bookkeeping used by the persons endpoints.
type Ledger interface {
	RecordLeave(ctx context.Context, personID uuid.UUID, start, end time.Time) (availability.Change, error)
	RevokeLeave(ctx context.Context, personID uuid.UUID, start, end time.Time) (availability.Change, error)
	ListLeaves(ctx context.Context, personID uuid.UUID) ([]availability.Interval, error)
	LeavesOn(ctx context.Context, date time.Time) ([]availability.PersonLeave, error)
}

// Handler serves the JSON API under /api.
type Handler struct {
	persons   store.PersonRepository
	calendars Calendars
	ledger    Ledger
	logger    logrus.FieldLogger
}

func NewHandler(persons store.PersonRepository, calendars Calendars, ledger Ledger, logger logrus.FieldLogger) *Handler {
	return &Handler{
		persons:   persons,
		calendars: calendars,
		ledger:    ledger,
		logger:    logger.WithField("component", "api"),
	}
}

type meResponse struct {
	UserName     string     `json:"user_name"`
	Name         string     `json:"name"`
	Groups       []string   `json:"groups"`
	Capabilities []string   `json:"capabilities"`
	PersonID     *uuid.UUID `json:"person_id,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
	CSRFToken    string     `json:"csrf_token,omitempty"`
}

// Me describes the signed-in user. It expects RequireSession in front of it.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httperrors.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	caps := auth.CapabilitiesFromContext(r.Context())

	resp := meResponse{
		UserName:     id.UserName(),
		Name:         id.DisplayName(),
		Groups:       id.Groups,
		Capabilities: caps.Names(),
		ExpiresAt:    time.Unix(id.ExpiresAt, 0).UTC(),
		CSRFToken:    csrf.TokenFromContext(r.Context()),
	}
	if resp.Groups == nil {
		resp.Groups = []string{}
	}

	person, err := h.persons.GetByUserName(r.Context(), id.UserName())
	switch {
	case err == nil:
		resp.PersonID = &person.ID
	case errors.Is(err, store.ErrNotFound):
	default:
		httperrors.InternalError(w, r, err, "look up person for session")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, resp)
}

type personResponse struct {
	ID       uuid.UUID `json:"id"`
	FullName string    `json:"full_name"`
	UserName string    `json:"user_name"`
}

func (h *Handler) ListPersons(w http.ResponseWriter, r *http.Request) {
	persons, err := h.persons.List(r.Context())
	if err != nil {
		httperrors.InternalError(w, r, err, "list persons")
		return
	}
	out := make([]personResponse, len(persons))
	for i, p := range persons {
		out[i] = personResponse{ID: p.ID, FullName: p.FullName, UserName: p.UserName}
	}
	httperrors.WriteJSON(w, http.StatusOK, out)
}
