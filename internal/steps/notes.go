package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mpataki/rig/internal/pipeline"
	"github.com/mpataki/rig/internal/vault"
)

// saveIndex writes the current result as JSON into the Index folder.
func (d *Deps) saveIndex(_ context.Context, rc pipeline.RunContext, params map[string]any) (map[string]any, error) {
	v, err := d.requireVault()
	if err != nil {
		return nil, err
	}

	name := stringParam(params, "name")
	if name == "" {
		name = "agent-index-" + d.now().Format("20060102-150405")
	}

	path, err := v.WriteJSON(vault.Index, withExt(name, ".json"), currentResult(rc))
	if err != nil {
		return nil, err
	}
	return map[string]any{"index_path": path}, nil
}

// saveSourcesMarkdown renders the current result as a numbered source list
// into the Sources folder.
func (d *Deps) saveSourcesMarkdown(_ context.Context, rc pipeline.RunContext, params map[string]any) (map[string]any, error) {
	v, err := d.requireVault()
	if err != nil {
		return nil, err
	}

	now := d.now()
	title := stringParam(params, "title")
	if title == "" {
		title = "Agent Results"
	}
	name := stringParam(params, "name")
	if name == "" {
		name = "agent-sources-" + now.Format("20060102-150405")
	}

	result := currentResult(rc)
	frontmatter := map[string]any{
		"date":       now.Format("2006-01-02"),
		"Title":      title,
		"Categories": "agents",
		"tags":       []string{"agent", "sources"},
	}

	var body strings.Builder
	fmt.Fprintf(&body, "# %s\n\n", title)
	if ts, ok := result["timestamp"]; ok {
		fmt.Fprintf(&body, "- Time: %v\n\n", ts)
	}
	for i, item := range records(result["results"]) {
		if e, ok := item["error"]; ok {
			fmt.Fprintf(&body, "%d. error: %v\n", i+1, e)
			continue
		}
		fmt.Fprintf(&body, "%d. [%s] %s\n", i+1, orDefault(item["source"], "unknown"), orDefault(item["title"], "untitled"))
		if u := stringParam(item, "url"); u != "" {
			fmt.Fprintf(&body, "   - URL: %s\n", u)
		}
		if s := stringParam(item, "snippet"); s != "" {
			fmt.Fprintf(&body, "   - Snippet: %s\n", truncate(s, 200))
		}
	}

	path, err := v.WriteMarkdown(vault.Sources, withExt(name, ".md"), frontmatter, body.String())
	if err != nil {
		return nil, err
	}
	return map[string]any{"sources_path": path}, nil
}

// appendNote adds a timestamped section to a note, today's daily note in
// Logs unless told otherwise.
func (d *Deps) appendNote(_ context.Context, rc pipeline.RunContext, params map[string]any) (map[string]any, error) {
	v, err := d.requireVault()
	if err != nil {
		return nil, err
	}

	text := stringParam(params, "text")
	if text == "" {
		if p, ok := rc["sources_path"].(string); ok {
			text = "Sources saved to " + p
		} else if p, ok := rc["index_path"].(string); ok {
			text = "Index saved to " + p
		} else {
			return nil, fmt.Errorf("append_note needs a text parameter")
		}
	}

	now := d.now()
	folder := stringParam(params, "folder")
	if folder == "" {
		folder = vault.Logs
	}
	note := stringParam(params, "note")
	if note == "" {
		note = vault.DailyNote(now)
	}
	heading := stringParam(params, "heading")
	if heading == "" {
		heading = now.Format(time.TimeOnly)
	}

	path, err := v.AppendMarkdown(folder, withExt(note, ".md"), heading, text)
	if err != nil {
		return nil, err
	}
	return map[string]any{"note_path": path}, nil
}

func withExt(name, ext string) string {
	if strings.HasSuffix(name, ext) {
		return name
	}
	return name + ext
}

func orDefault(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
