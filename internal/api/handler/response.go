package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// validate is shared across handlers for request-body field validation
// (required/max/oneof tags) rather than hand-rolled if-chains.
var validate = validator.New()

func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "failed to encode response", http.StatusInternalServerError)
		}
	}
}

// ErrorResponse is the single-field error body returned by every
// handler in this package.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

func Error(w http.ResponseWriter, status int, detail string) {
	JSON(w, status, ErrorResponse{Detail: detail})
}
