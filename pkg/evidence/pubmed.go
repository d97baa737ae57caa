package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultPubMedURL is the NCBI eutils esearch endpoint. Only the result
// count is requested (retmax=0); abstracts are never fetched.
const defaultPubMedURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/esearch.fcgi"

// PubMedValidator validates candidates by counting PubMed search hits.
//
// NCBI allows 3 requests/second without an API key; the validator rate
// limits itself accordingly and caches counts so repeated discovery
// retries of the same candidate cost one upstream call.
type PubMedValidator struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter

	mu     sync.Mutex
	counts map[string]int
}

// PubMedOptions configures the PubMed client.
type PubMedOptions struct {
	// BaseURL overrides the eutils endpoint. Empty uses the real NCBI URL.
	BaseURL string

	// APIKey is an optional NCBI API key, raising the rate limit to
	// 10 requests/second.
	APIKey string

	// Timeout bounds each HTTP request. Zero defaults to 10s.
	Timeout time.Duration
}

// NewPubMed creates a rate-limited PubMed validator.
func NewPubMed(opts PubMedOptions) *PubMedValidator {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultPubMedURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	// NCBI limits: 3 rps anonymous, 10 rps with an API key.
	limit := rate.Limit(3)
	if opts.APIKey != "" {
		limit = rate.Limit(10)
	}

	return &PubMedValidator{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		counts:  make(map[string]int),
	}
}

// esearchResponse is the subset of the eutils JSON envelope we read.
type esearchResponse struct {
	ESearchResult struct {
		Count string `json:"count"`
	} `json:"esearchresult"`
}

// Validate counts studies mentioning the candidate as a supplement and
// grades the result. Counts are cached for the validator's lifetime.
func (v *PubMedValidator) Validate(ctx context.Context, name string) (*Result, error) {
	v.mu.Lock()
	count, cached := v.counts[name]
	v.mu.Unlock()

	if !cached {
		var err error
		count, err = v.studyCount(ctx, name)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		v.counts[name] = count
		v.mu.Unlock()
	}

	return Evaluate(count)
}

// studyCount performs one rate-limited esearch call and returns the
// total result count.
func (v *PubMedValidator) studyCount(ctx context.Context, name string) (int, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("term", fmt.Sprintf("%s[Title/Abstract] AND (supplement OR supplementation)", name))
	params.Set("retmode", "json")
	params.Set("retmax", "0")
	if v.apiKey != "" {
		params.Set("api_key", v.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", v.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("pubmed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("pubmed returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed esearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("failed to decode pubmed response: %w", err)
	}

	count, err := strconv.Atoi(parsed.ESearchResult.Count)
	if err != nil {
		return 0, fmt.Errorf("unparseable pubmed count %q: %w", parsed.ESearchResult.Count, err)
	}
	return count, nil
}
