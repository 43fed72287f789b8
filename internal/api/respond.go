package api

import (
	"encoding/json"
	"net/http"

	"github.com/safar/go-checkout-store/internal/apperr"
	"github.com/safar/go-checkout-store/internal/logging"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("encode response", zap.Error(err))
	}
}

func respondStatus(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Status: status, Message: message})
}

// respondError maps err to its HTTP status. Unclassified errors are logged in
// full and answered with a generic message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()

	if kind == apperr.KindInternal {
		logging.FromContext(r.Context()).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}

	respondStatus(w, status, apperr.PublicMessage(err))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("invalid request body")
	}
	return nil
}
