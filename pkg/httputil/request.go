package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// ParseJSON decodes a single JSON value from the request body into dest.
// Unknown fields are rejected so a misspelled permission name is not
// silently dropped.
func ParseJSON(r *http.Request, dest any) error {
	return decode(r, dest, false)
}

// ParseOptionalJSON is ParseJSON except that an empty body leaves dest untouched
func ParseOptionalJSON(r *http.Request, dest any) error {
	return decode(r, dest, true)
}

func decode(r *http.Request, dest any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dest)

	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
	case optional && errors.Is(err, io.EOF):
		return nil
	case errors.As(err, &tooLarge):
		return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
	default:
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if dec.More() {
		return errors.New("invalid JSON: unexpected data after the request object")
	}
	return nil
}

// ParseQueryInt reads a non-negative integer query parameter, returning
// defaultVal when it is absent
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil || val < 0 {
		return 0, fmt.Errorf("query parameter %s must be a non-negative integer, got %q", key, str)
	}
	return val, nil
}
