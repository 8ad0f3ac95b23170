// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type ErrorResponse struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		LoggerFromContext(r.Context()).Error("failed to write json response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, msg, reason string, status int) {
	writeJSON(w, r, ErrorResponse{
		Error:         msg,
		Reason:        reason,
		CorrelationID: CorrelationCtx(r.Context()),
	}, status)
}
