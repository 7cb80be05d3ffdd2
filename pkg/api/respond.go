package api

import (
	"encoding/json"
	"net/http"
)

// errorDetails carries the captured output of a failed engine command
type errorDetails struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

type errorResponse struct {
	Error   string        `json:"error"`
	Details *errorDetails `json:"details,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeFailure(w http.ResponseWriter, status int, msg, stdout, stderr string) {
	writeJSON(w, status, errorResponse{
		Error:   msg,
		Details: &errorDetails{Stdout: stdout, Stderr: stderr},
	})
}
