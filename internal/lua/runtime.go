package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

// DefaultTimeout bounds a single script invocation.
const DefaultTimeout = 10 * time.Second

// Runtime executes pipeline step scripts in a sandboxed environment. A
// script defines a global function step(ctx, params) that returns a table of
// bindings to merge into the run context.
type Runtime struct {
	log     logrus.FieldLogger
	timeout time.Duration
	logs    []string

	failReason string
	failed     bool
}

// NewRuntime creates a runtime for one script invocation
func NewRuntime(log logrus.FieldLogger, timeout time.Duration) *Runtime {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runtime{
		log:     log,
		timeout: timeout,
		logs:    make([]string, 0),
	}
}

// ExecuteFile reads a script from disk and runs it
func (r *Runtime) ExecuteFile(ctx context.Context, scriptPath string, rc, params map[string]any) (map[string]any, error) {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return r.Execute(ctx, filepath.Base(scriptPath), string(script), rc, params)
}

// Execute loads source and calls its step function with the run context and
// the step parameters.
func (r *Runtime) Execute(ctx context.Context, name, source string, rc, params map[string]any) (map[string]any, error) {
	// Create new Lua state
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	defer L.Close()

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	L.SetContext(runCtx)

	// Load only safe libraries
	r.openSafeLibs(L)

	// Register our API functions
	r.registerAPI(L)

	// Load and run the script to define the step function
	fn, err := L.LoadString(source)
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", name, err)
	}
	L.Push(fn)
	if err := L.PCall(0, 0, nil); err != nil {
		return nil, fmt.Errorf("failed to run script %s: %w", name, err)
	}

	// Get the step function
	step := L.GetGlobal("step")
	if step.Type() != lua.LTFunction {
		return nil, fmt.Errorf("script %s must define a 'step' function", name)
	}

	// Call step(ctx, params)
	L.Push(step)
	L.Push(goToLua(L, rc))
	L.Push(goToLua(L, params))
	if err := L.PCall(2, 1, nil); err != nil {
		if r.failed {
			return nil, fmt.Errorf("script %s failed: %s", name, r.failReason)
		}
		return nil, fmt.Errorf("script %s execution failed: %w", name, err)
	}

	ret := L.Get(-1)
	L.Pop(1)

	switch v := ret.(type) {
	case *lua.LNilType:
		return map[string]any{}, nil
	case *lua.LTable:
		out, ok := luaToGo(v).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("script %s must return a table with string keys", name)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("script %s must return a table, got %s", name, ret.Type())
	}
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	// Base library (pairs, ipairs, type, tostring, tonumber, error, etc.)
	lua.OpenBase(L)

	// Remove dangerous base functions
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("module", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Remove non-deterministic math functions
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("log", L.NewFunction(r.luaLog))
	L.SetGlobal("fail", L.NewFunction(r.luaFail))
	L.SetGlobal("now", L.NewFunction(luaNow))
}

// luaLog implements log(message)
func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	r.log.WithField("source", "lua").Info(message)
	return 0
}

// luaFail implements fail(reason?), which aborts the step with an error
func (r *Runtime) luaFail(L *lua.LState) int {
	reason := L.OptString(1, "script failed")
	r.failReason = reason
	r.failed = true
	L.RaiseError("fail: %s", reason)
	return 0
}

// luaNow implements now(), an RFC 3339 UTC timestamp
func luaNow(L *lua.LState) int {
	L.Push(lua.LString(time.Now().UTC().Format(time.RFC3339)))
	return 1
}

// GetLogs returns the messages logged during execution
func (r *Runtime) GetLogs() []string {
	return r.logs
}

// goToLua converts a Go value to a Lua value
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case time.Time:
		return lua.LString(val.Format(time.RFC3339))
	case []string:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), lua.LString(item))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case []map[string]any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value back to plain Go values. Tables with only
// consecutive integer keys from 1 become slices; other tables become maps.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(val)
	case *lua.LTable:
		n := val.Len()
		count := 0
		val.ForEach(func(lua.LValue, lua.LValue) { count++ })
		if n > 0 && n == count {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any, count)
		val.ForEach(func(k, item lua.LValue) {
			out[k.String()] = luaToGo(item)
		})
		return out
	default:
		return val.String()
	}
}
