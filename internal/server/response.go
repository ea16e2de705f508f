package server

import (
	"encoding/json"
	"net/http"
)

type apiError struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// writeJSON writes v pretty-printed.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, `{"error":true,"message":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: true, Message: msg})
}
