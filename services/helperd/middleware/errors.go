package middleware

import (
	"encoding/json"
	"net/http"
)

// errorBody mirrors the API error envelope so middleware rejections look like
// handler failures.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	kind := "Unauthorized"
	if status == http.StatusForbidden {
		kind = "Forbidden"
	}
	WriteError(w, status, kind, message)
}

// WriteError writes the standard JSON error envelope.
func WriteError(w http.ResponseWriter, status int, kind, message string) {
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
