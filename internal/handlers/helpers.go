package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/models"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError maps a service error onto the uniform error body. Kinds decide
// the status code; the reason string is already redacted for anything
// outside the taxonomy.
func WriteError(w http.ResponseWriter, err error) error {
	kind := common.KindOf(err)
	return WriteJSON(w, kind.HTTPStatus(), models.ErrorResponse{
		Error:  string(kind),
		Reason: common.ReasonOf(err),
	})
}

// PathID extracts the single path segment following prefix. Empty ids and
// nested paths report false.
func PathID(r *http.Request, prefix string) (string, bool) {
	id := strings.TrimPrefix(r.URL.Path, prefix)
	if id == "" || id == r.URL.Path || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// RequireJobID pulls {id} off the path and rejects anything that is not a
// canonical job id before any store access happens.
func RequireJobID(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	id, ok := PathID(r, prefix)
	if !ok || !models.IsValidJobID(id) {
		WriteError(w, common.NewError(common.KindInvalidJobID,
			"job id must be a canonical UUID"))
		return "", false
	}
	return id, true
}
