// Package message defines the wire format used between rule nodes over NATS.
//
// Data subjects carry bare RuleData documents. Event and error subjects carry
// an Envelope naming the node, the lifecycle kind or failure, and a snapshot
// of the data involved.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marc45/rule-engine/pkg/event"
	"github.com/marc45/rule-engine/pkg/node"
	"github.com/marc45/rule-engine/pkg/ruledata"
)

// Type discriminates envelopes published on event and error subjects.
type Type string

const (
	TypeEvent Type = "event"
	TypeError Type = "error"
)

// Envelope is a lifecycle event or failure report.
type Envelope struct {
	Type      Type               `json:"type"`
	NodeID    string             `json:"nodeId"`
	Event     event.Kind         `json:"event,omitempty"`
	Data      *ruledata.RuleData `json:"data,omitempty"`
	Error     *ErrorInfo         `json:"error,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

// ErrorInfo describes a failed item.
type ErrorInfo struct {
	Message   string `json:"message"`
	Kind      string `json:"kind,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Retryable bool   `json:"retryable"`
	Permanent bool   `json:"permanent"`
}

// NewEvent creates an event envelope.
func NewEvent(nodeID string, kind event.Kind, data *ruledata.RuleData) *Envelope {
	return &Envelope{
		Type:      TypeEvent,
		NodeID:    nodeID,
		Event:     kind,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// NewError creates an error envelope. Kind and phase are filled in when err
// is a *node.ProcessingError.
func NewError(nodeID string, data *ruledata.RuleData, err error) *Envelope {
	return &Envelope{
		Type:      TypeError,
		NodeID:    nodeID,
		Data:      data,
		Error:     NewErrorInfo(err),
		CreatedAt: time.Now().UTC(),
	}
}

// NewErrorInfo classifies err.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{
		Message:   err.Error(),
		Retryable: node.IsRetryable(err),
		Permanent: node.IsPermanent(err),
	}
	var perr *node.ProcessingError
	if errors.As(err, &perr) {
		info.Phase = perr.Phase
		if perr.Kind != nil {
			info.Kind = perr.Kind.Error()
		}
	} else if errors.Is(err, node.ErrConfiguration) {
		info.Kind = node.ErrConfiguration.Error()
	}
	return info
}

// ToBytes serializes the envelope to JSON.
func (e *Envelope) ToBytes() ([]byte, error) {
	return json.Marshal(e)
}

// FromBytes parses an envelope.
func FromBytes(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	switch e.Type {
	case TypeEvent:
		if !e.Event.Valid() {
			return nil, fmt.Errorf("unknown event kind %q", e.Event)
		}
	case TypeError:
		if e.Error == nil {
			return nil, errors.New("error envelope without error")
		}
	default:
		return nil, fmt.Errorf("unknown envelope type %q", e.Type)
	}
	return &e, nil
}

// EncodeData serializes data for a data subject.
func EncodeData(data *ruledata.RuleData) ([]byte, error) {
	if data == nil {
		return nil, errors.New("data cannot be nil")
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data %s: %w", data.ID, err)
	}
	return b, nil
}

// DecodeData parses a body received on a data subject.
//
// A JSON object with id, contextId and data members is read as a RuleData
// document. Anything else becomes the payload of a fresh RuleData as a
// string, left for the node's input normalization to parse.
func DecodeData(body []byte) *ruledata.RuleData {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err == nil && isDataDocument(probe) {
		var d ruledata.RuleData
		if err := json.Unmarshal(body, &d); err == nil && d.ID != "" {
			if d.Headers == nil {
				d.Headers = make(map[string]any)
			}
			return &d
		}
	}
	return ruledata.New(string(body))
}

func isDataDocument(m map[string]json.RawMessage) bool {
	for _, key := range []string{"id", "contextId", "data"} {
		if _, ok := m[key]; !ok {
			return false
		}
	}
	return true
}
