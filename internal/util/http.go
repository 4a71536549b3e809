package util

import (
	"encoding/json"
	"net/http"
)

// APIError is the body of every error answer. Fields carries extra,
// error-specific values such as a login URL.
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	RequestID string            `json:"request_id,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, code, msg, reqID string) {
	WriteJSON(w, status, APIError{Code: code, Message: msg, RequestID: reqID})
}

func WriteErrorFields(w http.ResponseWriter, status int, code, msg, reqID string, fields map[string]string) {
	WriteJSON(w, status, APIError{Code: code, Message: msg, RequestID: reqID, Fields: fields})
}
