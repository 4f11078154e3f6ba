package errors

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// loggerHolder keeps the stored type stable for atomic.Value.
type loggerHolder struct{ logrus.FieldLogger }

var logger atomic.Value

func init() {
	logger.Store(loggerHolder{logrus.StandardLogger()})
}

// SetLogger replaces the logger used by the helpers in this package.
func SetLogger(l logrus.FieldLogger) {
	logger.Store(loggerHolder{l})
}

func requestLogger(r *http.Request) logrus.FieldLogger {
	l := logger.Load().(loggerHolder).FieldLogger
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		return l.WithField("request_id", requestID)
	}
	return l
}

type errorBody struct {
	Error string `json:"error"`
}

// WriteJSON encodes data with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError answers with {"error": message}.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, errorBody{Error: message})
}

func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	requestLogger(r).WithError(err).Error(message)

	// Return generic error to client
	WriteError(w, http.StatusInternalServerError, "internal server error")
}

func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	requestLogger(r).WithError(err).Warn("bad request")
	WriteError(w, http.StatusBadRequest, clientMessage)
}

func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, message)
}

// Unavailable reports a dependency failure; the cause is logged, not returned.
func Unavailable(w http.ResponseWriter, r *http.Request, status int, err error, message string) {
	requestLogger(r).WithError(err).Warn(message)
	WriteError(w, status, message)
}

func LogError(r *http.Request, message string, err error) {
	requestLogger(r).WithError(err).Error(message)
}

func LogInfo(r *http.Request, message string) {
	requestLogger(r).Info(message)
}
