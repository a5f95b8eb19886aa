// Package event defines node lifecycle events and an in-process event bus.
package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/marc45/rule-engine/pkg/ruledata"
)

// Kind identifies a lifecycle phase of one item's journey through a node.
type Kind string

const (
	// Before is fired when an item arrives, carrying a copy of the item.
	Before Kind = "NODE_EXECUTE_BEFORE"
	// Started is fired before the business function runs, carrying config-derived data.
	Started Kind = "NODE_STARTED"
	// Result is fired for every result written to the output.
	Result Kind = "NODE_EXECUTE_RESULT"
	// Done is fired once processing of an item finished, successfully or not.
	Done Kind = "NODE_EXECUTE_DONE"
)

// Kinds lists every lifecycle kind in the order they occur for an item.
var Kinds = []Kind{Before, Started, Result, Done}

// Valid reports whether k is a known lifecycle kind.
func (k Kind) Valid() bool {
	switch k {
	case Before, Started, Result, Done:
		return true
	}
	return false
}

// Event pairs a lifecycle kind with a data snapshot.
type Event struct {
	Kind   Kind               `json:"kind"`
	NodeID string             `json:"nodeId,omitempty"`
	Data   *ruledata.RuleData `json:"data"`
}

// Ack yields the delivery result of an event once it has been acknowledged.
type Ack <-chan error

// Acked returns an Ack that is already resolved with err.
func Acked(err error) Ack {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}

// Wait blocks until the event is acknowledged or ctx is done.
// A nil Ack counts as acknowledged.
func (a Ack) Wait(ctx context.Context) error {
	if a == nil {
		return nil
	}
	select {
	case err := <-a:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listener receives lifecycle events. Returning an error from a Started
// listener vetoes execution of the item.
type Listener func(ctx context.Context, e Event) error

// Bus fans events out to listeners registered per kind.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Kind][]Listener
	all       []Listener
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[Kind][]Listener)}
}

// Subscribe registers l for events of kind k.
func (b *Bus) Subscribe(k Kind, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[k] = append(b.listeners[k], l)
}

// SubscribeAll registers l for every kind.
func (b *Bus) SubscribeAll(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, l)
}

// Fire delivers e to its listeners in registration order and returns once all
// of them have returned. The first listener error stops delivery and is returned.
func (b *Bus) Fire(ctx context.Context, e Event) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}

	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.all)+len(b.listeners[e.Kind]))
	listeners = append(listeners, b.all...)
	listeners = append(listeners, b.listeners[e.Kind]...)
	b.mu.RUnlock()

	for _, l := range listeners {
		if err := l(ctx, e); err != nil {
			return fmt.Errorf("listener rejected %s: %w", e.Kind, err)
		}
	}
	return nil
}
