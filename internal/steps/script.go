package steps

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mpataki/rig/internal/lua"
	"github.com/mpataki/rig/internal/pipeline"
)

// luaScript runs a user script. Parameters other than script, file and
// timeout are passed through to the script's step function. Messages the
// script logs are bound under logs unless the script returns its own.
func (d *Deps) luaScript(ctx context.Context, rc pipeline.RunContext, params map[string]any) (map[string]any, error) {
	timeout := lua.DefaultTimeout
	if s := stringParam(params, "timeout"); s != "" {
		t, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = t
	}

	args := make(map[string]any, len(params))
	for k, v := range params {
		switch k {
		case "script", "file", "timeout":
		default:
			args[k] = v
		}
	}

	rt := lua.NewRuntime(d.Log.WithField("step", LuaScript), timeout)

	var out map[string]any
	var err error
	if source := stringParam(params, "script"); source != "" {
		out, err = rt.Execute(ctx, "inline", source, rc, args)
	} else {
		file := stringParam(params, "file")
		if file == "" {
			return nil, fmt.Errorf("lua_script needs a script or file parameter")
		}
		if !filepath.IsAbs(file) && d.ScriptDir != "" {
			file = filepath.Join(d.ScriptDir, file)
		}
		out, err = rt.ExecuteFile(ctx, file, rc, args)
	}
	if err != nil {
		return nil, err
	}

	if logs := rt.GetLogs(); len(logs) > 0 {
		if _, taken := out["logs"]; !taken {
			lines := make([]any, len(logs))
			for i, l := range logs {
				lines[i] = l
			}
			out["logs"] = lines
		}
	}
	return out, nil
}
