package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const defaultSerpAPIEndpoint = "https://serpapi.com/search.json"

// SerpAPIProvider queries SerpAPI's Google engine.
type SerpAPIProvider struct {
	apiKey   string
	client   *http.Client
	endpoint string
}

func (p *SerpAPIProvider) Name() string { return "serpapi" }

func (p *SerpAPIProvider) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	endpoint := p.endpoint
	if endpoint == "" {
		endpoint = defaultSerpAPIEndpoint
	}
	params := url.Values{
		"q":       {query},
		"engine":  {"google"},
		"num":     {strconv.Itoa(maxResults)},
		"api_key": {p.apiKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building serpapi request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("serpapi", resp.StatusCode)
	}

	var payload struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
			Date    string `json:"date"`
		} `json:"organic_results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding serpapi response: %w", err)
	}

	results := make([]Result, 0, len(payload.OrganicResults))
	for _, item := range payload.OrganicResults {
		results = append(results, Result{
			Title:       item.Title,
			URL:         item.Link,
			Snippet:     item.Snippet,
			PublishedAt: item.Date,
		})
	}
	return results, nil
}
