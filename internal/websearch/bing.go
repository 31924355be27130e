package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const defaultBingEndpoint = "https://api.bing.microsoft.com/v7.0/search"

// BingProvider queries the Bing Web Search API.
type BingProvider struct {
	apiKey   string
	client   *http.Client
	endpoint string
}

func (p *BingProvider) Name() string { return "bing" }

func (p *BingProvider) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	endpoint := p.endpoint
	if endpoint == "" {
		endpoint = defaultBingEndpoint
	}
	params := url.Values{
		"q":               {query},
		"count":           {strconv.Itoa(maxResults)},
		"textDecorations": {"false"},
		"textFormat":      {"Raw"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building bing request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("bing", resp.StatusCode)
	}

	var payload struct {
		WebPages struct {
			Value []struct {
				Name            string `json:"name"`
				URL             string `json:"url"`
				Snippet         string `json:"snippet"`
				DatePublished   string `json:"datePublished"`
				DateLastCrawled string `json:"dateLastCrawled"`
			} `json:"value"`
		} `json:"webPages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding bing response: %w", err)
	}

	results := make([]Result, 0, len(payload.WebPages.Value))
	for _, item := range payload.WebPages.Value {
		published := item.DatePublished
		if published == "" {
			published = item.DateLastCrawled
		}
		results = append(results, Result{
			Title:       item.Name,
			URL:         item.URL,
			Snippet:     item.Snippet,
			PublishedAt: published,
		})
	}
	return results, nil
}
