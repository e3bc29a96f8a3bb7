package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mpataki/rig/internal/pipeline"
	"github.com/sirupsen/logrus"
)

// SearchResult is one web hit, in the shape later steps read from
// result.results.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Source  string `json:"source"`
	Date    string `json:"date,omitempty"`
}

func (r SearchResult) record() map[string]any {
	m := map[string]any{
		"title":   r.Title,
		"url":     r.URL,
		"snippet": r.Snippet,
		"source":  r.Source,
	}
	if r.Date != "" {
		m["date"] = r.Date
	}
	return m
}

type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// SearXNG queries the JSON API of a SearXNG instance.
type SearXNG struct {
	BaseURL string
	Client  *http.Client
}

func NewSearXNG(baseURL string, timeout time.Duration) *SearXNG {
	return &SearXNG{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

type searxResponse struct {
	Results []struct {
		Title         string `json:"title"`
		URL           string `json:"url"`
		Content       string `json:"content"`
		Engine        string `json:"engine"`
		PublishedDate string `json:"publishedDate"`
	} `json:"results"`
}

func (s *SearXNG) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned %s", resp.Status)
	}

	var body searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	out := make([]SearchResult, 0, len(body.Results))
	for _, r := range body.Results {
		if limit > 0 && len(out) >= limit {
			break
		}
		date := r.PublishedDate
		if len(date) > 10 {
			date = date[:10]
		}
		out = append(out, SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
			Source:  r.Engine,
			Date:    date,
		})
	}
	return out, nil
}

// searchWeb runs each query and merges the hits, dropping repeated URLs.
// Search being unavailable is reported through an "error" binding next to
// an empty result rather than failing the run.
func (d *Deps) searchWeb(ctx context.Context, rc pipeline.RunContext, params map[string]any) (map[string]any, error) {
	queries := stringsParam(params, "queries")
	if len(queries) == 0 {
		queries = stringsParam(params, "query")
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("search_web needs a query or queries parameter")
	}
	limit, err := intParam(params, "max_results", 10)
	if err != nil {
		return nil, err
	}

	timestamp := d.now().Format(time.RFC3339)
	empty := map[string]any{"timestamp": timestamp, "results": []any{}, "count": 0}

	if d.Searcher == nil {
		return map[string]any{"result": empty, "error": "web search is not configured"}, nil
	}

	seen := make(map[string]bool)
	results := make([]any, 0)
	for _, q := range queries {
		hits, err := d.Searcher.Search(ctx, q, limit)
		if err != nil {
			d.Log.WithFields(logrus.Fields{"step": SearchWeb, "query": q}).WithError(err).Warn("search unavailable")
			return map[string]any{"result": empty, "error": fmt.Sprintf("search unavailable: %v", err)}, nil
		}
		for _, h := range hits {
			if h.URL != "" && seen[h.URL] {
				continue
			}
			seen[h.URL] = true
			results = append(results, h.record())
		}
	}

	return map[string]any{
		"result": map[string]any{
			"timestamp": timestamp,
			"queries":   queries,
			"results":   results,
			"count":     len(results),
		},
	}, nil
}
