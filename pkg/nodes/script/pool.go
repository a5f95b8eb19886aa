package script

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
)

// entryScript wraps the user script into a callable function.
const entryScript = "(function(msg, metadata) {\n%s\n})"

// resetScript deletes globals a script assigned so they do not leak into the
// next item processed by the same runtime.
const resetScript = `(function(keep) {
	var names = Object.getOwnPropertyNames(this);
	for (var i = 0; i < names.length; i++) {
		if (keep.indexOf(names[i]) === -1) {
			try { delete this[names[i]]; } catch (e) {}
		}
	}
})`

// pooledVM is a runtime with the compiled entry function bound.
type pooledVM struct {
	vm    *goja.Runtime
	entry goja.Callable
	reset goja.Callable
	keep  goja.Value
	uses  int
}

// PoolStats reports pool usage.
type PoolStats struct {
	Size     int   `json:"size"`
	Idle     int   `json:"idle"`
	Created  int64 `json:"created"`
	Acquired int64 `json:"acquired"`
}

// VMPool keeps up to size runtimes for one compiled script.
type VMPool struct {
	program  *goja.Program
	sandbox  sandbox
	idle     chan *pooledVM
	size     int
	maxReuse int

	current  atomic.Int32
	created  atomic.Int64
	acquired atomic.Int64

	mu     sync.Mutex
	closed bool
}

// Compile checks the script syntax and returns the compiled entry function.
func Compile(script string) (*goja.Program, error) {
	prog, err := goja.Compile("script", fmt.Sprintf(entryScript, script), true)
	if err != nil {
		return nil, fromGoja(err)
	}
	return prog, nil
}

func newVMPool(program *goja.Program, sb sandbox, size, maxReuse int) *VMPool {
	return &VMPool{
		program:  program,
		sandbox:  sb,
		idle:     make(chan *pooledVM, size),
		size:     size,
		maxReuse: maxReuse,
	}
}

// Warm creates runtimes until n are idle or the pool is full.
func (p *VMPool) Warm(n int) error {
	for i := 0; i < n && p.reserve(); i++ {
		vm, err := p.grow()
		if err != nil {
			return err
		}
		if err := p.Release(vm); err != nil {
			return err
		}
	}
	return nil
}

// Acquire takes an idle runtime, creates one while below size, or waits.
func (p *VMPool) Acquire(ctx context.Context) (*pooledVM, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}
	p.acquired.Add(1)

	select {
	case vm, ok := <-p.idle:
		if !ok {
			return nil, ErrPoolClosed
		}
		return vm, nil
	default:
	}

	if p.reserve() {
		return p.grow()
	}

	select {
	case vm, ok := <-p.idle:
		if !ok {
			return nil, ErrPoolClosed
		}
		return vm, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release resets vm and returns it to the pool. Runtimes past their reuse
// budget or failing the reset are replaced on the next Acquire.
func (p *VMPool) Release(vm *pooledVM) error {
	vm.uses++
	vm.vm.ClearInterrupt()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || vm.uses >= p.maxReuse {
		p.current.Add(-1)
		return nil
	}
	if _, err := vm.reset(goja.Undefined(), vm.keep); err != nil {
		p.current.Add(-1)
		return fmt.Errorf("failed to reset vm: %w", err)
	}

	select {
	case p.idle <- vm:
	default:
		p.current.Add(-1)
	}
	return nil
}

// Close drops every idle runtime. Acquire fails afterwards.
func (p *VMPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.idle)
	for range p.idle {
		p.current.Add(-1)
	}
	return nil
}

// Stats returns the current pool statistics.
func (p *VMPool) Stats() PoolStats {
	return PoolStats{
		Size:     int(p.current.Load()),
		Idle:     len(p.idle),
		Created:  p.created.Load(),
		Acquired: p.acquired.Load(),
	}
}

// reserve claims a slot for a new runtime. It fails once size runtimes exist.
func (p *VMPool) reserve() bool {
	for {
		n := p.current.Load()
		if int(n) >= p.size {
			return false
		}
		if p.current.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// grow creates a runtime in a slot taken by reserve, giving the slot back on
// failure.
func (p *VMPool) grow() (*pooledVM, error) {
	vm, err := p.create()
	if err != nil {
		p.current.Add(-1)
		return nil, err
	}
	return vm, nil
}

func (p *VMPool) create() (*pooledVM, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := p.sandbox.apply(vm); err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}

	keep, err := vm.RunString("Object.getOwnPropertyNames(this)")
	if err != nil {
		return nil, fmt.Errorf("failed to list globals: %w", err)
	}
	reset, err := vm.RunString(resetScript)
	if err != nil {
		return nil, fmt.Errorf("failed to compile reset script: %w", err)
	}
	resetFn, _ := goja.AssertFunction(reset)

	val, err := vm.RunProgram(p.program)
	if err != nil {
		return nil, fromGoja(err)
	}
	entry, ok := goja.AssertFunction(val)
	if !ok {
		return nil, fmt.Errorf("script entry is not a function")
	}

	p.created.Add(1)
	return &pooledVM{vm: vm, entry: entry, reset: resetFn, keep: keep}, nil
}
