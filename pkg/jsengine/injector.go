package jsengine

import (
	"context"

	"github.com/dop251/goja"
)

// Invoker dispatches one downstream tool call on behalf of sandboxed JS.
// The MCP connection pool is the production implementation.
type Invoker interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error)
}

// Injector installs the single host capability exposed to orchestration
// code: a global `mcp` object with one method, `call(server, tool, args)`.
type Injector struct {
	invoker Invoker
}

// NewInjector creates an injector bound to an invoker.
func NewInjector(invoker Invoker) *Injector {
	return &Injector{invoker: invoker}
}

// Inject installs `mcp.call` into the runtime. Idempotent: a context that
// already has `mcp` is left untouched.
//
// mcp.call validates its arguments synchronously (non-empty server and tool
// strings; args object or null/undefined) and returns a promise. The host
// call runs concurrently; its completion resolves or rejects the promise in
// host-completion order.
func (i *Injector) Inject(rt *Runtime) error {
	return rt.WithVM(func(vm *goja.Runtime) error {
		existing := vm.Get("mcp")
		if existing != nil && !goja.IsUndefined(existing) && !goja.IsNull(existing) {
			return nil
		}

		mcpObj := vm.NewObject()
		callFn := func(call goja.FunctionCall) goja.Value {
			server, tool, payload := parseCallArgs(vm, call)

			promise, resolve, reject := vm.NewPromise()

			// Runs on the VM thread: safe to touch inflight.
			rt.inflight++

			go func() {
				result, err := i.invoker.CallTool(context.Background(), server, tool, payload)
				rt.schedule(func() {
					if rt.currentVM() != vm {
						// The runtime was reset after this call started; the
						// result belongs to a discarded script.
						return
					}
					rt.inflight--
					if err != nil {
						_ = reject(vm.ToValue(err.Error()))
						return
					}
					_ = resolve(vm.ToValue(result))
				})
			}()

			return vm.ToValue(promise)
		}
		if err := mcpObj.Set("call", callFn); err != nil {
			return err
		}
		return vm.Set("mcp", mcpObj)
	})
}

// parseCallArgs validates mcp.call arguments, throwing a JS TypeError on
// misuse.
func parseCallArgs(vm *goja.Runtime, call goja.FunctionCall) (server, tool string, payload map[string]any) {
	server, ok := call.Argument(0).Export().(string)
	if !ok || server == "" {
		panic(vm.NewTypeError("mcp.call(server, tool, args) requires a non-empty server name"))
	}

	tool, ok = call.Argument(1).Export().(string)
	if !ok || tool == "" {
		panic(vm.NewTypeError("mcp.call(server, tool, args) requires a non-empty tool name"))
	}

	argsVal := call.Argument(2)
	if goja.IsUndefined(argsVal) || goja.IsNull(argsVal) {
		return server, tool, nil
	}
	exported := argsVal.Export()
	m, ok := exported.(map[string]any)
	if !ok {
		panic(vm.NewTypeError("mcp.call expects an object payload or null/undefined"))
	}
	return server, tool, m
}
