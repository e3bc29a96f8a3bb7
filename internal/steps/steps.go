// Package steps holds the built-in pipeline steps. The set is fixed and
// registered once at process start.
package steps

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mpataki/rig/internal/pipeline"
	"github.com/mpataki/rig/internal/vault"
	"github.com/sirupsen/logrus"
)

const (
	HealthCheck         = "health_check"
	SearchWeb           = "search_web"
	FilterResults       = "filter_results"
	SaveIndex           = "save_index"
	SaveSourcesMarkdown = "save_sources_markdown"
	AppendNote          = "append_note"
	LuaScript           = "lua_script"
)

// Pinger reports whether run storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators built-in steps write to or read from. A nil
// Searcher means web search is not configured.
type Deps struct {
	Vault     *vault.Vault
	Searcher  Searcher
	Store     Pinger
	Log       logrus.FieldLogger
	ScriptDir string
	Now       func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// RegisterBuiltins adds every built-in step to reg.
func RegisterBuiltins(reg *pipeline.Registry, deps Deps) error {
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	d := &deps

	builtins := map[string]pipeline.Step{
		HealthCheck:         pipeline.StepFunc(d.healthCheck),
		SearchWeb:           pipeline.StepFunc(d.searchWeb),
		FilterResults:       pipeline.StepFunc(d.filterResults),
		SaveIndex:           pipeline.StepFunc(d.saveIndex),
		SaveSourcesMarkdown: pipeline.StepFunc(d.saveSourcesMarkdown),
		AppendNote:          pipeline.StepFunc(d.appendNote),
		LuaScript:           pipeline.StepFunc(d.luaScript),
	}
	for name, step := range builtins {
		if err := reg.Register(name, step); err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
	}
	return nil
}

func (d *Deps) requireVault() (*vault.Vault, error) {
	if d.Vault == nil {
		return nil, fmt.Errorf("no vault configured")
	}
	return d.Vault, nil
}

func stringParam(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func intParam(params map[string]any, key string, def int) (int, error) {
	switch v := params[key].(type) {
	case nil:
		return def, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a number: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}

func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// records normalises a result list coming from Go steps, YAML or Lua.
func records(v any) []map[string]any {
	switch list := v.(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func toAny(list []map[string]any) []any {
	out := make([]any, len(list))
	for i, m := range list {
		out[i] = m
	}
	return out
}

// currentResult returns the "result" binding as a map, or an empty one.
func currentResult(rc pipeline.RunContext) map[string]any {
	if m, ok := rc["result"].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
