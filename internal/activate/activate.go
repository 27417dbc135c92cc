// Package activate is the reference Activator: it loads generated unit
// artifacts into a sandboxed yaegi interpreter and runs each unit's
// Start() entry point in a supervised goroutine.
//
// Interpreting the source instead of compiling it sidesteps build hangs
// and dynamic-linking hazards, and confines units to the interpreter's
// stdlib sandbox. Unit failures never propagate to the caller as panics;
// the supervisor converts them into failure callbacks.
package activate

import (
	"fmt"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"morphogen/internal/genome"
)

// SourceReader supplies unit source by name; satisfied by the
// materializer.
type SourceReader interface {
	Read(name string) (string, error)
}

// FailureFunc receives supervised unit failures. It is invoked from the
// failing unit's goroutine, so implementations must do their own locking.
type FailureFunc func(name string, kind genome.FailureKind, err error)

// Error is a classified activation failure.
type Error struct {
	Name string
	Kind genome.FailureKind // dependency, contract, or execution
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("activation failed for %s (%s): %v", e.Name, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FailureKind exposes the classification to callers that only see an
// error value.
func (e *Error) FailureKind() genome.FailureKind { return e.Kind }

// Runtime tracks and supervises running units.
type Runtime struct {
	source    SourceReader
	onFailure FailureFunc
	log       *zap.Logger

	mu      sync.Mutex
	running map[string]*unit
}

type unit struct {
	name string
	done chan struct{}
}

// New creates a runtime. onFailure may be nil.
func New(source SourceReader, onFailure FailureFunc, log *zap.Logger) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runtime{
		source:    source,
		onFailure: onFailure,
		log:       log,
		running:   make(map[string]*unit),
	}
}

// Activate loads and starts a unit. Idempotent: an already-running unit
// is left alone. Failures are classified as dependency (source or import
// resolution), contract (entry-point shape), or execution (the unit blew
// up while loading).
func (r *Runtime) Activate(name string) error {
	r.mu.Lock()
	if _, ok := r.running[name]; ok {
		r.mu.Unlock()
		r.log.Debug("unit already running", zap.String("unit", name))
		return nil
	}
	r.mu.Unlock()

	src, err := r.source.Read(name)
	if err != nil {
		return &Error{Name: name, Kind: genome.FailureDependency, Err: err}
	}

	start, aerr := loadEntryPoint(name, src)
	if aerr != nil {
		return aerr
	}

	u := &unit{name: name, done: make(chan struct{})}
	r.mu.Lock()
	if _, ok := r.running[name]; ok {
		// Lost a race with a concurrent activation; idempotent either way.
		r.mu.Unlock()
		return nil
	}
	r.running[name] = u
	r.mu.Unlock()

	go r.supervise(u, start)
	r.log.Info("unit activated", zap.String("unit", name))
	return nil
}

// loadEntryPoint evaluates the unit source in a fresh interpreter and
// resolves the zero-argument Start entry point.
func loadEntryPoint(name, src string) (func() error, *Error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, &Error{Name: name, Kind: genome.FailureExecution, Err: err}
	}

	var evalErr error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				evalErr = fmt.Errorf("interpreter panic: %v", rec)
			}
		}()
		_, evalErr = i.Eval(src)
	}()
	if evalErr != nil {
		return nil, &Error{Name: name, Kind: classifyEvalError(evalErr), Err: evalErr}
	}

	v, err := i.Eval("main.Start")
	if err != nil {
		return nil, &Error{Name: name, Kind: genome.FailureContract,
			Err: fmt.Errorf("missing Start entry point: %w", err)}
	}

	switch fn := v.Interface().(type) {
	case func():
		return func() error { fn(); return nil }, nil
	case func() error:
		return fn, nil
	default:
		return nil, &Error{Name: name, Kind: genome.FailureContract,
			Err: fmt.Errorf("Start has signature %T, want func() or func() error", v.Interface())}
	}
}

// classifyEvalError separates unresolved-dependency errors from artifacts
// the interpreter simply cannot load.
func classifyEvalError(err error) genome.FailureKind {
	msg := err.Error()
	if strings.Contains(msg, "import") || strings.Contains(msg, "unable to find source") {
		return genome.FailureDependency
	}
	return genome.FailureContract
}

// supervise runs the unit, capturing panics and errors and routing them
// to the failure callback. The worker is fire-and-forget: nothing cancels
// it, and process exit is sufficient cleanup.
func (r *Runtime) supervise(u *unit, start func() error) {
	defer close(u.done)
	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("unit panicked: %v", rec)
			}
		}()
		err = start()
	}()

	if err == nil {
		return
	}
	r.log.Error("unit crashed", zap.String("unit", u.name), zap.Error(err))
	r.mu.Lock()
	delete(r.running, u.name)
	r.mu.Unlock()
	if r.onFailure != nil {
		r.onFailure(u.name, genome.FailureExecution, err)
	}
}

// IsRunning reports whether a unit is currently tracked as running.
func (r *Runtime) IsRunning(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[name]
	return ok
}

// Running returns the names of all tracked units.
func (r *Runtime) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.running))
	for name := range r.running {
		names = append(names, name)
	}
	return names
}

// Forget drops a unit from tracking without stopping it; detached
// goroutines die with the process.
func (r *Runtime) Forget(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[name]; ok {
		delete(r.running, name)
		return true
	}
	return false
}
