// Package httputil writes the JSON responses and parses the query values
// shared by the debug routes.
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// WriteJSON writes data as indented JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("encode json response: %w", err)
	}
	return nil
}

// WriteJSONError writes {"error": msg} with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}

// AddressParam parses the named query value as a 32-bit device address.
// Decimal and 0x-prefixed hex are accepted.
func AddressParam(q url.Values, name string) (uint32, error) {
	s := q.Get(name)
	if s == "" {
		return 0, fmt.Errorf("missing %s parameter", name)
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return uint32(n), nil
}

// IntParam parses the named query value as a positive integer no larger
// than ceil. An absent value yields def.
func IntParam(q url.Values, name string, def, ceil int) (int, error) {
	s := q.Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return min(n, ceil), nil
}
