package steps

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"regexp"
	"strings"

	"github.com/mpataki/rig/internal/pipeline"
)

// filterResults narrows result.results by source, by a regular expression
// on the URL host, and by date (YYYY-MM-DD, inclusive). Results without a
// date are dropped once date_from is set.
func (d *Deps) filterResults(_ context.Context, rc pipeline.RunContext, params map[string]any) (map[string]any, error) {
	source := stringParam(params, "source")
	dateFrom := stringParam(params, "date_from")

	var domainRe *regexp.Regexp
	if expr := stringParam(params, "domain_regex"); expr != "" {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid domain_regex: %w", err)
		}
		domainRe = re
	}

	result := maps.Clone(currentResult(rc))
	kept := make([]map[string]any, 0)

	for _, r := range records(result["results"]) {
		if source != "" && !strings.EqualFold(fmt.Sprint(r["source"]), source) {
			continue
		}
		if domainRe != nil && !domainRe.MatchString(host(r["url"])) {
			continue
		}
		if dateFrom != "" && resultDate(r) < dateFrom {
			continue
		}
		kept = append(kept, r)
	}

	result["results"] = toAny(kept)
	result["count"] = len(kept)
	return map[string]any{"result": result}, nil
}

func host(v any) string {
	s, _ := v.(string)
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func resultDate(r map[string]any) string {
	date, _ := r["date"].(string)
	if date == "" {
		if meta, ok := r["metadata"].(map[string]any); ok {
			date, _ = meta["date"].(string)
		}
	}
	if len(date) > 10 {
		date = date[:10]
	}
	return date
}
