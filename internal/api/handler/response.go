package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// JSON writes data as the response body with the given status.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	// The status line is already sent, so an encode failure can only be logged.
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "status", status, "error", err)
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Error writes a machine-readable error code and a human-readable message.
func Error(w http.ResponseWriter, status int, code string, message string) {
	JSON(w, status, ErrorResponse{
		Error:   code,
		Message: message,
	})
}
