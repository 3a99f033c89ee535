// Package jsengine embeds goja to run generated orchestration code inside a
// scrubbed, deadline-bounded sandbox. Each runtime is owned by one worker
// goroutine — the goja VM is not goroutine-safe — and the host talks to it
// over a command channel.
package jsengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// Execution limits.
const (
	// DefaultExecTimeout is the outer deadline on one Execute call.
	DefaultExecTimeout = 10 * time.Minute

	// pendingQueueSize bounds scheduled host completions awaiting the VM
	// thread. Full queue drops completions (results discarded, as after a
	// timeout).
	pendingQueueSize = 128
)

// ErrTimeout indicates the execution deadline expired. The runtime is reset
// before the error is surfaced.
var ErrTimeout = errors.New("javascript execution timed out")

// dangerousGlobals are removed from every fresh VM before user code runs.
var dangerousGlobals = []string{
	"eval", "Function", "require", "import", "fetch", "XMLHttpRequest", "WebSocket",
}

// SecurityConfig tunes the sandbox.
type SecurityConfig struct {
	ExecTimeout time.Duration
}

// DefaultSecurityConfig returns the standard sandbox configuration.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{ExecTimeout: DefaultExecTimeout}
}

type execCmd struct {
	code string
	resp chan execResult
}

type withVMCmd struct {
	fn   func(*goja.Runtime) error
	resp chan error
}

type resetCmd struct {
	resp chan error
}

type execResult struct {
	value any
	err   error
}

// Runtime is a handle to one sandboxed goja VM on its worker goroutine.
type Runtime struct {
	cfg SecurityConfig

	cmds    chan any
	pending chan func() // host completions to apply on the VM thread

	// vm is owned by the worker goroutine; the pointer is shared only so
	// Interrupt can be delivered from the host side.
	vmMu sync.Mutex
	vm   *goja.Runtime

	// inflight counts host calls scheduled from JS that have not resolved
	// yet. Touched only on the VM thread.
	inflight int

	closeOnce sync.Once
}

// NewRuntime creates a sandboxed runtime with the default configuration.
func NewRuntime() (*Runtime, error) {
	return NewRuntimeWithConfig(DefaultSecurityConfig())
}

// NewRuntimeWithConfig creates a sandboxed runtime.
func NewRuntimeWithConfig(cfg SecurityConfig) (*Runtime, error) {
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultExecTimeout
	}
	r := &Runtime{
		cfg:     cfg,
		cmds:    make(chan any),
		pending: make(chan func(), pendingQueueSize),
	}
	vm, err := newScrubbedVM()
	if err != nil {
		return nil, err
	}
	r.setVM(vm)
	go r.worker()
	return r, nil
}

func (r *Runtime) setVM(vm *goja.Runtime) {
	r.vmMu.Lock()
	r.vm = vm
	r.vmMu.Unlock()
}

func (r *Runtime) currentVM() *goja.Runtime {
	r.vmMu.Lock()
	defer r.vmMu.Unlock()
	return r.vm
}

// newScrubbedVM builds a VM with dangerous globals removed and prototype
// pollution via __proto__ blocked.
func newScrubbedVM() (*goja.Runtime, error) {
	vm := goja.New()
	for _, name := range dangerousGlobals {
		if _, err := vm.RunString("delete globalThis." + name); err != nil {
			return nil, fmt.Errorf("disable %s: %w", name, err)
		}
	}
	if _, err := vm.RunString("delete Object.prototype.__proto__;"); err != nil {
		return nil, fmt.Errorf("lock down __proto__: %w", err)
	}
	return vm, nil
}

// worker owns the VM. All JS evaluation and promise resolution happens here.
func (r *Runtime) worker() {
	for cmd := range r.cmds {
		switch c := cmd.(type) {
		case execCmd:
			value, err := r.executeOnVM(c.code)
			c.resp <- execResult{value: value, err: err}
		case withVMCmd:
			c.resp <- r.runWithVM(c.fn)
		case resetCmd:
			c.resp <- r.resetOnVM()
		case nil:
			return
		}
	}
}

func (r *Runtime) runWithVM(fn func(*goja.Runtime) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("vm callback panicked: %v", rec)
		}
	}()
	return fn(r.currentVM())
}

func (r *Runtime) resetOnVM() error {
	// Drop stale completions from the previous script.
	for {
		select {
		case <-r.pending:
		default:
			r.inflight = 0
			vm, err := newScrubbedVM()
			if err != nil {
				return err
			}
			r.setVM(vm)
			return nil
		}
	}
}

// executeOnVM evaluates the source once and, when the top-level value is a
// promise, drains host completions until it settles or the deadline passes.
func (r *Runtime) executeOnVM(code string) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("js execution panicked: %v", rec)
		}
	}()

	vm := r.currentVM()
	deadline := time.Now().Add(r.cfg.ExecTimeout)

	value, err := vm.RunString(code)
	if err != nil {
		return nil, normalizeJSError(err)
	}

	if promise, ok := value.Export().(*goja.Promise); ok {
		return r.drainPromise(vm, promise, deadline)
	}
	return exportJSON(value)
}

// drainPromise applies scheduled host completions until the promise settles.
func (r *Runtime) drainPromise(vm *goja.Runtime, promise *goja.Promise, deadline time.Time) (any, error) {
	for promise.State() == goja.PromiseStatePending {
		if r.inflight == 0 {
			// Nothing in flight can ever settle this promise.
			return nil, errors.New("javascript promise did not settle")
		}
		select {
		case fn := <-r.pending:
			fn()
		case <-time.After(time.Until(deadline)):
			return nil, ErrTimeout
		}
	}

	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return exportJSON(promise.Result())
	default:
		reason := promise.Result()
		msg := "<unknown>"
		if reason != nil {
			msg = reason.String()
		}
		return nil, fmt.Errorf("javascript promise rejected: %s", msg)
	}
}

// schedule queues a host completion for the VM thread; the next promise
// drain applies it. Reset drops completions still queued, and a completion
// whose VM has since been replaced is discarded when applied, so results
// arriving after a timeout never reach a later script. A full queue drops
// the completion.
func (r *Runtime) schedule(fn func()) {
	select {
	case r.pending <- fn:
	default:
	}
}

// Execute runs source code with the sandbox deadline. On expiry the VM is
// interrupted, reset, and ErrTimeout returned.
func (r *Runtime) Execute(code string) (any, error) {
	resp := make(chan execResult, 1)
	r.cmds <- execCmd{code: code, resp: resp}

	// Grace past the worker-side deadline covers promise drains that time
	// out on their own.
	timer := time.NewTimer(r.cfg.ExecTimeout + time.Second)
	defer timer.Stop()

	select {
	case res := <-resp:
		if errors.Is(res.err, ErrTimeout) {
			_ = r.Reset()
		}
		return res.value, res.err
	case <-timer.C:
		// Runaway synchronous JS: interrupt, collect the error, reset.
		r.currentVM().Interrupt(ErrTimeout)
		<-resp
		if err := r.Reset(); err != nil {
			return nil, fmt.Errorf("%w (reset failed: %v)", ErrTimeout, err)
		}
		return nil, ErrTimeout
	}
}

// WithVM runs fn with exclusive access to the VM on its owning thread.
// Used to install host bindings before Execute.
func (r *Runtime) WithVM(fn func(*goja.Runtime) error) error {
	resp := make(chan error, 1)
	r.cmds <- withVMCmd{fn: fn, resp: resp}
	return <-resp
}

// Reset discards all script state and rebuilds the scrubbed VM.
func (r *Runtime) Reset() error {
	resp := make(chan error, 1)
	r.cmds <- resetCmd{resp: resp}
	return <-resp
}

// Close shuts down the worker goroutine.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		r.cmds <- nil
	})
}

// normalizeJSError maps interrupts to ErrTimeout and keeps other JS errors
// verbatim.
func normalizeJSError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return ErrTimeout
	}
	return fmt.Errorf("js execution failed: %w", err)
}

// exportJSON converts a goja value into plain Go JSON types
// (map[string]any, []any, float64, string, bool, nil).
func exportJSON(value goja.Value) (any, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	exported := value.Export()
	data, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("convert js value: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, fmt.Errorf("convert js value: %w", err)
	}
	return normalized, nil
}
