// Package ruledata defines the envelope carried between rule engine nodes.
package ruledata

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/copystructure"
)

// HeaderExecuteTime holds the unix millisecond timestamp at which a node
// started executing the data.
const HeaderExecuteTime = "executeTime"

// RuleData is one unit of data in transit through a node.
//
// A RuleData handed to an event listener or written to an output is a
// snapshot: callers derive a new envelope with Copy or WithPayload instead of
// mutating it.
type RuleData struct {
	// ID identifies this envelope. Copies keep the ID, derived envelopes get a new one.
	ID string `json:"id"`
	// ContextID is shared by every envelope derived from the same upstream data.
	ContextID string `json:"contextId"`
	// Headers carry metadata such as the execute time.
	Headers map[string]any `json:"headers,omitempty"`
	// Payload is the opaque structured value.
	Payload any `json:"data"`
}

// New creates an envelope with a fresh identity around payload.
func New(payload any) *RuleData {
	return &RuleData{
		ID:        uuid.NewString(),
		ContextID: uuid.NewString(),
		Headers:   make(map[string]any),
		Payload:   payload,
	}
}

// Copy returns an independent snapshot with the same identity and a deep copy
// of payload and headers.
func (d *RuleData) Copy() *RuleData {
	if d == nil {
		return nil
	}
	return &RuleData{
		ID:        d.ID,
		ContextID: d.ContextID,
		Headers:   cloneHeaders(d.Headers),
		Payload:   Clone(d.Payload),
	}
}

// WithPayload derives a new envelope sharing provenance with d but carrying payload.
func (d *RuleData) WithPayload(payload any) *RuleData {
	return &RuleData{
		ID:        uuid.NewString(),
		ContextID: d.ContextID,
		Headers:   cloneHeaders(d.Headers),
		Payload:   payload,
	}
}

// Header returns a header value.
func (d *RuleData) Header(key string) (any, bool) {
	v, ok := d.Headers[key]
	return v, ok
}

// SetHeader sets a header value.
func (d *RuleData) SetHeader(key string, value any) {
	if d.Headers == nil {
		d.Headers = make(map[string]any)
	}
	d.Headers[key] = value
}

// SetExecuteTime stamps the envelope with t.
func (d *RuleData) SetExecuteTime(t time.Time) {
	d.SetHeader(HeaderExecuteTime, t.UnixMilli())
}

// ExecuteTime returns the stamped execute time. ok is false when the data has
// not been stamped yet.
func (d *RuleData) ExecuteTime() (t time.Time, ok bool) {
	v, found := d.Headers[HeaderExecuteTime]
	if !found {
		return time.Time{}, false
	}
	switch ms := v.(type) {
	case int64:
		return time.UnixMilli(ms), true
	case int:
		return time.UnixMilli(int64(ms)), true
	case float64:
		// headers decoded from JSON
		return time.UnixMilli(int64(ms)), true
	case json.Number:
		n, err := ms.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(n), true
	}
	return time.Time{}, false
}

// Clone deep-copies v so the result shares no mutable state with it.
//
// JSON trees are copied directly. Other maps, slices and pointers are copied
// with copystructure. Struct values are returned as they are: copystructure
// would drop their unexported fields.
func Clone(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64, int, int64:
		return v
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Clone(val)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	}

	switch reflect.TypeOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer:
		out, err := copystructure.Copy(v)
		if err != nil {
			return v
		}
		return out
	}
	return v
}

func cloneHeaders(h map[string]any) map[string]any {
	if h == nil {
		return make(map[string]any)
	}
	return Clone(h).(map[string]any)
}
