// Package normalize decodes textual node outputs that look like JSON documents.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// ErrMalformed is returned when a value looked like a JSON document but did not decode.
var ErrMalformed = errors.New("malformed structured value")

// Error describes a failed normalization.
type Error struct {
	// Input is the text that failed to decode, truncated for readability.
	Input string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize %q: %v", e.Input, e.Cause)
}

// Unwrap exposes both ErrMalformed and the decoder error.
func (e *Error) Unwrap() []error {
	return []error{ErrMalformed, e.Cause}
}

const maxInputInError = 64

// Value returns v decoded into maps and slices when it is text whose first
// non-space character is '[' or '{'. Any other value is returned unchanged.
func Value(v any) (any, error) {
	var text string
	switch t := v.(type) {
	case string:
		text = t
	case []byte:
		text = string(t)
	case json.RawMessage:
		text = string(t)
	default:
		return v, nil
	}

	if !LooksStructured(text) {
		return v, nil
	}

	container, err := gabs.ParseJSON([]byte(text))
	if err != nil {
		return nil, &Error{Input: truncate(text), Cause: err}
	}
	return container.Data(), nil
}

// LooksStructured reports whether s starts, after leading whitespace, with '[' or '{'.
func LooksStructured(s string) bool {
	s = strings.TrimLeft(s, " \t\r\n")
	return strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{")
}

func truncate(s string) string {
	if len(s) <= maxInputInError {
		return s
	}
	return s[:maxInputInError] + "..."
}
