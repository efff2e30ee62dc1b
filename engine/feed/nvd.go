// Package feed fetches recently published CVE records from the NVD 2.0 API.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/WessleyAI/threatintel/engine/advisory"
	"github.com/WessleyAI/threatintel/engine/domain"
	"github.com/WessleyAI/threatintel/pkg/fn"
)

// DefaultBaseURL is the NVD CVE API 2.0 endpoint.
const DefaultBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

const (
	// NVD expects full timestamps; the window spans whole days.
	startOfDay = "T00:00:00.000"
	endOfDay   = "T23:59:59.999"

	// NVD allows 5 requests per rolling 30 s window without a key, 50 with one.
	window        = 30 * time.Second
	anonymousRate = 5
	keyedRate     = 50
)

// errTransient marks responses worth retrying.
var errTransient = errors.New("feed: transient response")

// Options configures a Client. Zero values take defaults.
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	Retry      fn.RetryOpts
	Now        func() time.Time
}

// Client queries the NVD feed.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	retry   fn.RetryOpts
	now     func() time.Time
	log     *slog.Logger
}

// NewLimiter returns the pacing limiter matching NVD's published quota.
func NewLimiter(withKey bool) *rate.Limiter {
	n := anonymousRate
	if withKey {
		n = keyedRate
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(n)), n)
}

// New creates a Client.
func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		http:    opts.HTTPClient,
		limiter: opts.Limiter,
		retry:   opts.Retry,
		now:     opts.Now,
		log:     logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 60 * time.Second}
	}
	if c.limiter == nil {
		c.limiter = NewLimiter(c.apiKey != "")
	}
	if c.retry.MaxAttempts == 0 {
		c.retry = fn.RetryOpts{MaxAttempts: 3, InitialWait: window / anonymousRate, MaxWait: window, Jitter: true}
	}
	if c.retry.Retryable == nil {
		c.retry.Retryable = func(err error) bool { return errors.Is(err, errTransient) }
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

type response struct {
	TotalResults    int `json:"totalResults"`
	Vulnerabilities []struct {
		CVE advisory.RawRecord `json:"cve"`
	} `json:"vulnerabilities"`
}

// DecodePage reads one NVD 2.0 response page, as returned by the API or
// saved from it, and returns its records in order.
func DecodePage(r io.Reader) ([]advisory.RawRecord, error) {
	var body response
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, fmt.Errorf("feed: decode: %w", err)
	}
	return body.records(), nil
}

func (r *response) records() []advisory.RawRecord {
	out := make([]advisory.RawRecord, 0, len(r.Vulnerabilities))
	for _, v := range r.Vulnerabilities {
		out = append(out, v.CVE)
	}
	return out
}

// FetchRecords returns up to maxResults records published in the last
// daysBack days. Failures are logged and yield no records.
func (c *Client) FetchRecords(ctx context.Context, daysBack, maxResults int) []advisory.RawRecord {
	res := fn.FromPair(c.Fetch(ctx, daysBack, maxResults))
	if res.IsErr() {
		_, err := res.Unwrap()
		c.log.Error("feed: fetch failed", "days_back", daysBack, "max_results", maxResults, "err", err)
	} else {
		c.log.Info("feed: fetched", "count", len(res.UnwrapOr(nil)))
	}
	return res.UnwrapOr([]advisory.RawRecord{})
}

// Fetch is FetchRecords with the error returned. Non-positive arguments take
// the defaults.
func (c *Client) Fetch(ctx context.Context, daysBack, maxResults int) ([]advisory.RawRecord, error) {
	req := domain.IngestRequest{DaysBack: max(daysBack, 0), MaxResults: max(maxResults, 0)}.WithDefaults()
	perPage := min(req.MaxResults, domain.MaxResultsPerPage)

	end := c.now()
	start := end.AddDate(0, 0, -req.DaysBack)
	q := url.Values{}
	q.Set("pubStartDate", start.Format(time.DateOnly)+startOfDay)
	q.Set("pubEndDate", end.Format(time.DateOnly)+endOfDay)
	q.Set("resultsPerPage", strconv.Itoa(perPage))
	target := c.baseURL + "?" + q.Encode()

	page := fn.RetryStage[string, *response](c.retry, c.get)(ctx, target)
	return fn.MapResult(page, func(r *response) []advisory.RawRecord {
		return fn.Take(r.records(), perPage)
	}).Unwrap()
}

func (c *Client) get(ctx context.Context, target string) fn.Result[*response] {
	if err := c.limiter.Wait(ctx); err != nil {
		return fn.Err[*response](fmt.Errorf("feed: wait: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fn.Err[*response](err)
	}
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fn.Err[*response](fmt.Errorf("feed: request: %w", err))
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return fn.Errf[*response]("%w: http %d", errTransient, res.StatusCode)
	case res.StatusCode != http.StatusOK:
		return fn.Errf[*response]("feed: unexpected status %d", res.StatusCode)
	}

	var body response
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return fn.Err[*response](fmt.Errorf("feed: decode: %w", err))
	}
	return fn.Ok(&body)
}
