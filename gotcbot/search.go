package gotcbot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/lmittmann/tint"
)

const (
	SearchProviderDuckDuckGo = "duckduckgo"
	SearchProviderBing       = "bing"
	SearchProviderGoogle     = "google"

	defaultDuckDuckGoURL = "https://html.duckduckgo.com/html/"
	defaultBingURL       = "https://api.bing.microsoft.com/v7.0/search"
	defaultGoogleURL     = "https://www.googleapis.com/customsearch/v1"
	defaultSearchAgent   = "Mozilla/5.0 (X11; Linux x86_64) gotcbot"
	searchBodyLimit      = 2 << 20
)

// SearchResult is a single web search hit
type SearchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// SearchProvider is a single search backend
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// SearchAdapter tries providers in priority order, falling through to
// the next on error, rate limiting or no results
type SearchAdapter struct {
	providers  []SearchProvider
	maxResults int
	timeout    time.Duration
	suffix     string
	logger     *slog.Logger
}

func NewSearchAdapter(
	maxResults int,
	timeout time.Duration,
	logger *slog.Logger,
	providers ...SearchProvider,
) *SearchAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxResults <= 0 {
		maxResults = DefaultSearchMaxResults
	}
	return &SearchAdapter{
		providers:  providers,
		maxResults: maxResults,
		timeout:    timeout,
		logger:     logger,
	}
}

// NewSearchAdapterFromConfig builds the providers named in
// config.Providers. Providers missing credentials are skipped.
func NewSearchAdapterFromConfig(config *SearchConfig, httpClient *http.Client) *SearchAdapter {
	level := config.LogLevel
	if level == nil {
		level = &slog.LevelVar{}
	}
	logger := newLogger("search", level)
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = defaultSearchAgent
	}

	var providers []SearchProvider
	if config.Enabled {
		for _, name := range config.Providers {
			switch name {
			case SearchProviderDuckDuckGo:
				providers = append(
					providers, &DuckDuckGoProvider{
						client:    httpClient,
						userAgent: userAgent,
						region:    config.RegionCode,
						safe:      config.SafeSearch,
					},
				)
			case SearchProviderBing:
				if config.BingKey == "" {
					logger.Warn("skipping bing search, no key configured")
					continue
				}
				providers = append(
					providers,
					&BingProvider{client: httpClient, key: config.BingKey, safe: config.SafeSearch},
				)
			case SearchProviderGoogle:
				if config.GoogleKey == "" || config.GoogleCSEID == "" {
					logger.Warn("skipping google search, no key or cse id configured")
					continue
				}
				providers = append(
					providers, &GoogleProvider{
						client: httpClient,
						key:    config.GoogleKey,
						cx:     config.GoogleCSEID,
						safe:   config.SafeSearch,
					},
				)
			default:
				logger.Warn("unknown search provider", "provider", name)
			}
		}
	}
	s := NewSearchAdapter(config.MaxResults, config.Timeout, logger, providers...)
	s.suffix = config.QuerySuffix
	return s
}

// Providers returns the provider names, in priority order
func (s *SearchAdapter) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for _, p := range s.providers {
		names = append(names, p.Name())
	}
	return names
}

// Search returns results from the first provider that succeeds with at
// least one result. If every provider fails, the result is empty. Errors
// are logged, never returned.
func (s *SearchAdapter) Search(ctx context.Context, query string) []SearchResult {
	logger := getLogger(ctx, s.logger)
	query = strings.TrimSpace(query)
	if query == "" {
		return []SearchResult{}
	}
	if s.suffix != "" {
		query = query + " " + s.suffix
	}

	for _, p := range s.providers {
		if ctx.Err() != nil {
			break
		}
		results, err := s.searchProvider(ctx, p, query)
		switch {
		case err != nil && isRateLimitError(err):
			logger.WarnContext(ctx, "search provider rate limited", "provider", p.Name(), tint.Err(err))
		case err != nil:
			logger.WarnContext(ctx, "search provider failed", "provider", p.Name(), tint.Err(err))
		case len(results) == 0:
			logger.InfoContext(ctx, "search provider returned no results", "provider", p.Name())
		default:
			if len(results) > s.maxResults {
				results = results[:s.maxResults]
			}
			logger.DebugContext(
				ctx,
				"search completed",
				"provider", p.Name(),
				"results", len(results),
			)
			return results
		}
	}
	return []SearchResult{}
}

func (s *SearchAdapter) searchProvider(
	ctx context.Context,
	p SearchProvider,
	query string,
) ([]SearchResult, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return p.Search(ctx, query, s.maxResults)
}

// searchContext formats results as a prompt context block
func searchContext(results []SearchResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Web results (ignore if not relevant):\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n", i+1, r.Title, r.Snippet, r.URL)
	}
	return strings.TrimSpace(b.String())
}

// DuckDuckGoProvider scrapes the DuckDuckGo HTML endpoint. DuckDuckGo
// answers 202 when it's throttling, which is treated as a rate limit.
type DuckDuckGoProvider struct {
	client    *http.Client
	baseURL   string
	userAgent string
	region    string
	safe      bool
}

func (*DuckDuckGoProvider) Name() string {
	return SearchProviderDuckDuckGo
}

func (d *DuckDuckGoProvider) Search(
	ctx context.Context,
	query string,
	limit int,
) ([]SearchResult, error) {
	base := d.baseURL
	if base == "" {
		base = defaultDuckDuckGoURL
	}
	params := url.Values{}
	params.Set("q", query)
	if d.region != "" {
		params.Set("kl", d.region)
	}
	if d.safe {
		params.Set("kp", "1")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Service: SearchProviderDuckDuckGo, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted, http.StatusTooManyRequests:
		return nil, &RateLimitError{
			Service:    SearchProviderDuckDuckGo,
			RetryAfter: retryAfter(resp.Header),
		}
	default:
		return nil, &UpstreamError{
			Service:    SearchProviderDuckDuckGo,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status"),
		}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, searchBodyLimit))
	if err != nil {
		return nil, &UpstreamError{Service: SearchProviderDuckDuckGo, Err: err}
	}

	var results []SearchResult
	doc.Find(".result").EachWithBreak(
		func(_ int, sel *goquery.Selection) bool {
			if sel.HasClass("result--ad") {
				return true
			}
			link := sel.Find(".result__a").First()
			href, _ := link.Attr("href")
			r := SearchResult{
				Title:   strings.TrimSpace(link.Text()),
				Snippet: strings.TrimSpace(sel.Find(".result__snippet").First().Text()),
				URL:     duckDuckGoTarget(href),
			}
			if r.Title != "" && r.URL != "" {
				results = append(results, r)
			}
			return limit <= 0 || len(results) < limit
		},
	)
	return results, nil
}

// duckDuckGoTarget unwraps DuckDuckGo's //duckduckgo.com/l/?uddg=<url>
// redirect links
func duckDuckGoTarget(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

// BingProvider uses the Bing Web Search v7 API
type BingProvider struct {
	client  *http.Client
	baseURL string
	key     string
	safe    bool
}

func (*BingProvider) Name() string {
	return SearchProviderBing
}

func (b *BingProvider) Search(
	ctx context.Context,
	query string,
	limit int,
) ([]SearchResult, error) {
	base := b.baseURL
	if base == "" {
		base = defaultBingURL
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(limit))
	params.Set("responseFilter", "Webpages")
	if b.safe {
		params.Set("safeSearch", "Strict")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", b.key)

	var body struct {
		WebPages struct {
			Value []struct {
				Name    string `json:"name"`
				URL     string `json:"url"`
				Snippet string `json:"snippet"`
			} `json:"value"`
		} `json:"webPages"`
	}
	if err = doSearchJSON(b.client, req, SearchProviderBing, &body); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(body.WebPages.Value))
	for _, v := range body.WebPages.Value {
		results = append(results, SearchResult{Title: v.Name, Snippet: v.Snippet, URL: v.URL})
	}
	return results, nil
}

// GoogleProvider uses the Google Custom Search JSON API
type GoogleProvider struct {
	client  *http.Client
	baseURL string
	key     string
	cx      string
	safe    bool
}

func (*GoogleProvider) Name() string {
	return SearchProviderGoogle
}

func (g *GoogleProvider) Search(
	ctx context.Context,
	query string,
	limit int,
) ([]SearchResult, error) {
	base := g.baseURL
	if base == "" {
		base = defaultGoogleURL
	}
	// the API rejects num > 10
	limit = min(max(limit, 1), 10)

	params := url.Values{}
	params.Set("key", g.key)
	params.Set("cx", g.cx)
	params.Set("q", query)
	params.Set("num", strconv.Itoa(limit))
	if g.safe {
		params.Set("safe", "active")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var body struct {
		Items []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"items"`
	}
	if err = doSearchJSON(g.client, req, SearchProviderGoogle, &body); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(body.Items))
	for _, item := range body.Items {
		results = append(results, SearchResult{Title: item.Title, Snippet: item.Snippet, URL: item.Link})
	}
	return results, nil
}

func doSearchJSON(client *http.Client, req *http.Request, service string, v any) error {
	resp, err := client.Do(req)
	if err != nil {
		return &UpstreamError{Service: service, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Service: service, RetryAfter: retryAfter(resp.Header)}
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &UpstreamError{
			Service:    service,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(msg))),
		}
	}
	if err = json.NewDecoder(io.LimitReader(resp.Body, searchBodyLimit)).Decode(v); err != nil {
		return &UpstreamError{Service: service, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func retryAfter(h http.Header) time.Duration {
	seconds, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
