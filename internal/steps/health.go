package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/mpataki/rig/internal/pipeline"
)

// healthCheck reports on the collaborators the other steps need. Only an
// unwritable vault makes ok false; the rest are reported as issues.
func (d *Deps) healthCheck(ctx context.Context, _ pipeline.RunContext, _ map[string]any) (map[string]any, error) {
	ok := true
	issues := []any{}

	if d.Vault == nil {
		ok = false
		issues = append(issues, "vault: not configured")
	} else if err := d.Vault.CheckWritable(); err != nil {
		ok = false
		issues = append(issues, fmt.Sprintf("vault: %v", err))
	}

	if d.Store != nil {
		if err := d.Store.Ping(ctx); err != nil {
			issues = append(issues, fmt.Sprintf("storage: %v", err))
		}
	}

	if d.Searcher == nil {
		issues = append(issues, "search: not configured")
	}

	return map[string]any{
		"ok":        ok,
		"issues":    issues,
		"timestamp": d.now().Format(time.RFC3339),
	}, nil
}
