// Package sandbox runs test source in a fresh JavaScript runtime.
//
// Every Run builds its own goja runtime on its own event loop, so globals a
// test defines never reach another test. The script sees only what the
// executor installs: console, parameters, envParameters, harness and a
// require() that resolves exclusively from the injected dependency sources.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"

	"github.com/mattjoyce/testhive/internal/arbiter"
	"github.com/mattjoyce/testhive/internal/log"
)

// Host serves the harness calls a test makes. In a worker it is the arbiter
// client.
type Host interface {
	RequestFileName(ctx context.Context, meta arbiter.FileRequestMeta) (string, error)
	Release(ctx context.Context, path string) error
}

// Script is one test file and everything it may see.
type Script struct {
	Source        string
	Filename      string
	Dependencies  map[string]string
	Parameters    map[string]any
	EnvParameters map[string]any
}

// TestError is a test failure: an uncaught exception or a rejected promise.
type TestError struct {
	Message string
	Stack   string
}

func (e *TestError) Error() string {
	if e.Stack != "" {
		return e.Stack
	}
	return e.Message
}

// Executor runs scripts. It holds no per-run state and may be reused.
type Executor struct {
	host   Host
	logger *slog.Logger
}

// New returns an executor whose harness calls go to host. host may be nil,
// in which case harness file calls reject.
func New(host Host, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = log.WithComponent("sandbox")
	}
	return &Executor{host: host, logger: logger}
}

// Run executes s and waits until it completes. A non-nil error is either a
// *TestError or an infrastructure error (syntax, cancellation).
func (e *Executor) Run(ctx context.Context, s Script) error {
	if s.Filename == "" {
		s.Filename = "test.js"
	}
	logger := e.logger.With("test", s.Filename)

	loop := eventloop.NewEventLoop()
	loop.Start()
	defer loop.Stop()

	vmCh := make(chan *goja.Runtime, 1)
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	loop.RunOnLoop(func(vm *goja.Runtime) {
		vmCh <- vm
		if err := e.install(ctx, loop, vm, s, logger); err != nil {
			finish(err)
			return
		}

		// The body runs inside an async function so tests may await at top
		// level. The wrapper stays on the first line to keep line numbers.
		wrapped := "(async function () {" + s.Source + "\n})()"
		result, err := vm.RunScript(s.Filename, wrapped)
		if err != nil {
			// Test code runs inside the async wrapper, so anything surfacing
			// here failed to compile or was interrupted.
			var interrupted *goja.InterruptedError
			if errors.As(err, &interrupted) {
				finish(fmt.Errorf("script interrupted: %w", err))
				return
			}
			finish(fmt.Errorf("compile %s: %w", s.Filename, err))
			return
		}
		awaitValue(vm, result, finish)
	})

	var vm *goja.Runtime
	select {
	case vm = <-vmCh:
	case <-ctx.Done():
		go func() { (<-vmCh).Interrupt(ctx.Err()) }()
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		vm.Interrupt(ctx.Err())
		return ctx.Err()
	}
}

func (e *Executor) install(ctx context.Context, loop *eventloop.EventLoop, vm *goja.Runtime, s Script, logger *slog.Logger) error {
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	reg := require.NewRegistry(require.WithLoader(sourceLoader(s.Dependencies)))
	reg.Enable(vm)

	if err := vm.Set("console", newConsole(vm, logger)); err != nil {
		return fmt.Errorf("install console: %w", err)
	}
	if err := vm.Set("parameters", orEmpty(s.Parameters)); err != nil {
		return fmt.Errorf("install parameters: %w", err)
	}
	if err := vm.Set("envParameters", orEmpty(s.EnvParameters)); err != nil {
		return fmt.Errorf("install envParameters: %w", err)
	}
	if err := vm.Set("harness", e.harness(ctx, loop, vm)); err != nil {
		return fmt.Errorf("install harness: %w", err)
	}
	return nil
}

// harness exposes Host calls as promise-returning functions. The Host call
// runs off the loop; its result is delivered back on the loop.
func (e *Executor) harness(ctx context.Context, loop *eventloop.EventLoop, vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()

	_ = obj.Set("requestFile", func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := vm.NewPromise()
		var meta arbiter.FileRequestMeta
		if err := exportJSON(call.Argument(0), &meta); err != nil {
			reject(vm.NewGoError(fmt.Errorf("requestFile: %w", err)))
			return vm.ToValue(promise)
		}
		if e.host == nil {
			reject(vm.NewGoError(errors.New("requestFile: no file host")))
			return vm.ToValue(promise)
		}
		go func() {
			p, err := e.host.RequestFileName(ctx, meta)
			loop.RunOnLoop(func(vm *goja.Runtime) {
				if err != nil {
					reject(vm.NewGoError(err))
					return
				}
				resolve(p)
			})
		}()
		return vm.ToValue(promise)
	})

	_ = obj.Set("releaseFile", func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := vm.NewPromise()
		p := call.Argument(0).String()
		if e.host == nil {
			reject(vm.NewGoError(errors.New("releaseFile: no file host")))
			return vm.ToValue(promise)
		}
		go func() {
			err := e.host.Release(ctx, p)
			loop.RunOnLoop(func(vm *goja.Runtime) {
				if err != nil {
					reject(vm.NewGoError(err))
					return
				}
				resolve(goja.Undefined())
			})
		}()
		return vm.ToValue(promise)
	})

	return obj
}

// awaitValue reports through finish once v settles. Non-promise values
// complete immediately.
func awaitValue(vm *goja.Runtime, v goja.Value, finish func(error)) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		finish(nil)
		return
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		finish(nil)
		return
	}
	then, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		finish(nil)
		return
	}

	onSuccess := func(goja.FunctionCall) goja.Value {
		finish(nil)
		return goja.Undefined()
	}
	onError := func(call goja.FunctionCall) goja.Value {
		finish(rejection(call.Argument(0)))
		return goja.Undefined()
	}
	if _, err := then(obj, vm.ToValue(onSuccess), vm.ToValue(onError)); err != nil {
		var exc *goja.Exception
		if errors.As(err, &exc) {
			finish(rejection(exc.Value()))
			return
		}
		finish(fmt.Errorf("await result: %w", err))
	}
}

func rejection(v goja.Value) error {
	if v == nil || goja.IsUndefined(v) {
		return &TestError{Message: "undefined"}
	}
	te := &TestError{Message: v.String()}
	if obj, ok := v.(*goja.Object); ok {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			te.Stack = stack.String()
		}
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			te.Message = msg.String()
		}
	}
	return te
}

// sourceLoader serves require() from deps. Keys are module paths relative to
// the test root; "./", "/" and node_modules/ prefixes are ignored.
func sourceLoader(deps map[string]string) require.SourceLoader {
	normalized := make(map[string]string, len(deps))
	for name, src := range deps {
		normalized[normalizeModulePath(name)] = src
	}
	return func(p string) ([]byte, error) {
		if src, ok := normalized[normalizeModulePath(p)]; ok {
			return []byte(src), nil
		}
		return nil, require.ModuleFileDoesNotExistError
	}
}

func normalizeModulePath(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, `\`, "/"))
	p = strings.TrimPrefix(p, "/")
	for {
		i := strings.Index(p, "node_modules/")
		if i < 0 {
			return p
		}
		p = p[i+len("node_modules/"):]
	}
}

func exportJSON(v goja.Value, dst any) error {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return errors.New("argument is required")
	}
	data, err := json.Marshal(v.Export())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
