package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/marc45/rule-engine/pkg/node"
	"github.com/marc45/rule-engine/pkg/ruledata"
)

// Input is a channel-backed node.Input.
//
// With zero workers Send calls the handler in the caller's goroutine, so a
// slow node slows the sender down. With workers > 0 items are buffered and
// handled by that many goroutines. Either way Send fails once the subscriber
// is gone.
type Input struct {
	items   chan *ruledata.RuleData
	workers int

	// sendMu guards closing items against concurrent sends.
	sendMu sync.RWMutex
	closed bool

	mu      sync.Mutex
	handler node.Handler
	ctx     context.Context
	stop    chan struct{}
	wg      sync.WaitGroup

	subscribes   int
	unsubscribes int
}

// NewInput creates an input with the given buffer size and worker count.
func NewInput(buffer, workers int) *Input {
	if buffer < 0 {
		buffer = 0
	}
	return &Input{
		items:   make(chan *ruledata.RuleData, buffer),
		workers: workers,
	}
}

// Subscribe attaches h. Only one subscription may be active at a time.
func (in *Input) Subscribe(ctx context.Context, h node.Handler) (node.Subscription, error) {
	if h == nil {
		return nil, errors.New("handler cannot be nil")
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.handler != nil {
		return nil, errors.New("input already subscribed")
	}
	in.handler = h
	in.ctx = ctx
	in.stop = make(chan struct{})
	in.subscribes++

	for i := 0; i < in.workers; i++ {
		in.wg.Add(1)
		go in.worker(ctx, h, in.stop)
	}

	return &subscription{input: in, stop: in.stop}, nil
}

func (in *Input) worker(ctx context.Context, h node.Handler, stop <-chan struct{}) {
	defer in.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case data, ok := <-in.items:
			if !ok {
				return
			}
			h(ctx, data)
		}
	}
}

// Send delivers data to the subscriber, blocking while the buffer is full.
// It returns ErrNoSubscriber before Subscribe and after Unsubscribe.
func (in *Input) Send(ctx context.Context, data *ruledata.RuleData) error {
	in.sendMu.RLock()
	defer in.sendMu.RUnlock()
	if in.closed {
		return ErrClosed
	}

	in.mu.Lock()
	h, hctx, stop := in.handler, in.ctx, in.stop
	in.mu.Unlock()
	if h == nil {
		return ErrNoSubscriber
	}

	if in.workers == 0 {
		h(hctx, data)
		return nil
	}

	select {
	case <-stop:
		return ErrNoSubscriber
	default:
	}
	select {
	case in.items <- data:
		return nil
	case <-stop:
		return ErrNoSubscriber
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting items and waits for the workers to drain the buffer.
func (in *Input) Close() {
	in.sendMu.Lock()
	if in.closed {
		in.sendMu.Unlock()
		return
	}
	in.closed = true
	close(in.items)
	in.sendMu.Unlock()
	in.wg.Wait()
}

// Subscriptions returns how many times Subscribe and Unsubscribe took effect.
func (in *Input) Subscriptions() (subscribed, unsubscribed int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.subscribes, in.unsubscribes
}

type subscription struct {
	input *Input
	stop  chan struct{}
	once  sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		in := s.input
		in.mu.Lock()
		in.handler = nil
		in.unsubscribes++
		in.mu.Unlock()
		close(s.stop)
	})
	return nil
}

// WriteFunc intercepts writes to an Output. A returned error fails the write.
type WriteFunc func(ctx context.Context, data *ruledata.RuleData) error

// Output records every successful write.
type Output struct {
	write WriteFunc

	mu      sync.Mutex
	written []*ruledata.RuleData
}

// NewOutput creates an output. write may be nil.
func NewOutput(write WriteFunc) *Output {
	return &Output{write: write}
}

func (o *Output) Write(ctx context.Context, data *ruledata.RuleData) error {
	if o.write != nil {
		if err := o.write(ctx, data); err != nil {
			return err
		}
	}
	o.mu.Lock()
	o.written = append(o.written, data)
	o.mu.Unlock()
	return nil
}

// Written returns the data written so far.
func (o *Output) Written() []*ruledata.RuleData {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*ruledata.RuleData(nil), o.written...)
}
