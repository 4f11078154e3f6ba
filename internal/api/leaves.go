package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jw6ventures/council/internal/availability"
	httperrors "github.com/jw6ventures/council/internal/http/errors"
	"github.com/jw6ventures/council/internal/store"
)

const maxLeaveBody = 4 << 10

type leaveRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type personLeavesResponse struct {
	PersonID uuid.UUID               `json:"person_id"`
	Leaves   []availability.Interval `json:"leaves"`
}

type leavesOnResponse struct {
	Date   string                     `json:"date"`
	Leaves []availability.PersonLeave `json:"leaves"`
}

// ListPersonLeaves returns the person's consolidated leave intervals.
func (h *Handler) ListPersonLeaves(w http.ResponseWriter, r *http.Request) {
	personID, ok := h.person(w, r)
	if !ok {
		return
	}
	leaves, err := h.ledger.ListLeaves(r.Context(), personID)
	if err != nil {
		httperrors.InternalError(w, r, err, "list leaves")
		return
	}
	if leaves == nil {
		leaves = []availability.Interval{}
	}
	httperrors.WriteJSON(w, http.StatusOK, personLeavesResponse{PersonID: personID, Leaves: leaves})
}

func (h *Handler) RecordLeave(w http.ResponseWriter, r *http.Request) {
	h.changeLeave(w, r, "record", h.ledger.RecordLeave)
}

func (h *Handler) RevokeLeave(w http.ResponseWriter, r *http.Request) {
	h.changeLeave(w, r, "revoke", h.ledger.RevokeLeave)
}

type leaveOp func(ctx context.Context, personID uuid.UUID, start, end time.Time) (availability.Change, error)

func (h *Handler) changeLeave(w http.ResponseWriter, r *http.Request, op string, apply leaveOp) {
	personID, ok := h.person(w, r)
	if !ok {
		return
	}
	start, end, err := decodeLeave(w, r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, err.Error())
		return
	}

	change, err := apply(r.Context(), personID, start, end)
	switch {
	case err == nil:
	case errors.Is(err, availability.ErrInvalidRange):
		httperrors.BadRequestError(w, r, err, "start must not be after end")
		return
	case errors.Is(err, store.ErrNotFound):
		httperrors.NotFound(w, "unknown person")
		return
	case errors.Is(err, availability.ErrStoreConflict):
		httperrors.Unavailable(w, r, http.StatusConflict, err, "concurrent update, try again")
		return
	default:
		httperrors.InternalError(w, r, err, op+" leave")
		return
	}

	if change.Removed == nil {
		change.Removed = []availability.Interval{}
	}
	if change.Added == nil {
		change.Added = []availability.Interval{}
	}
	h.logger.WithFields(logrus.Fields{
		"op":      op,
		"person":  personID,
		"removed": len(change.Removed),
		"added":   len(change.Added),
	}).Debug("leave changed")
	httperrors.WriteJSON(w, http.StatusOK, change)
}

// LeavesOn lists everyone absent on ?date=YYYY-MM-DD.
func (h *Handler) LeavesOn(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		httperrors.WriteError(w, http.StatusBadRequest, "date is required")
		return
	}
	date, err := availability.ParseDate(raw)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "date must be YYYY-MM-DD")
		return
	}
	leaves, err := h.ledger.LeavesOn(r.Context(), date)
	if err != nil {
		httperrors.InternalError(w, r, err, "list leaves on date")
		return
	}
	if leaves == nil {
		leaves = []availability.PersonLeave{}
	}
	httperrors.WriteJSON(w, http.StatusOK, leavesOnResponse{Date: date.Format(time.DateOnly), Leaves: leaves})
}

// person resolves {id} to a known person, answering 404 otherwise.
func (h *Handler) person(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httperrors.NotFound(w, "unknown person")
		return uuid.Nil, false
	}
	p, err := h.persons.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httperrors.NotFound(w, "unknown person")
		return uuid.Nil, false
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "load person")
		return uuid.Nil, false
	}
	return p.ID, true
}

func decodeLeave(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLeaveBody))
	dec.DisallowUnknownFields()
	var req leaveRequest
	if err := dec.Decode(&req); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid request body: %w", err)
	}
	start, err := availability.ParseDate(req.Start)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("start must be YYYY-MM-DD")
	}
	end, err := availability.ParseDate(req.End)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("end must be YYYY-MM-DD")
	}
	return start, end, nil
}
