package imperva

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"harvester/internal/config"
	"harvester/internal/domain"
)

const (
	incidentsPath    = "/v1/incidents"
	maxErrorBodySize = 2048
	maxPageBytes     = 64 << 20
)

// Client talks to the Imperva analytics incidents endpoint.
type Client struct {
	baseURL    string
	apiID      string
	apiKey     string
	httpClient *http.Client
	logger     *log.Logger
}

// Query selects which incidents to fetch. Since is the delta-query watermark
// in milliseconds; zero means no lower bound.
type Query struct {
	AccountID string
	Since     int64
	PageSize  int
}

// FetchResult is the concatenation of every page that was fetched. When
// Truncated is set, Cause holds the failure that ended pagination early.
type FetchResult struct {
	Incidents []domain.Incident
	Pages     int
	Truncated bool
	Cause     error
}

// NewClient fails with config.ErrMissingCredentials when the API id or key is blank.
func NewClient(cfg config.ImpervaConfig, httpClient *http.Client, logger *log.Logger) (*Client, error) {
	if err := cfg.ValidateCredentials(); err != nil {
		if logger != nil {
			logger.Error("Imperva credentials missing", "error", err)
		}
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiID:      cfg.APIID,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// FetchAll requests pages 1..N until a page returns fewer than PageSize
// incidents. A failed page stops pagination and whatever was collected so far
// is returned with Truncated set; only context cancellation is reported as an
// error.
func (c *Client) FetchAll(ctx context.Context, q Query) (*FetchResult, error) {
	if q.PageSize <= 0 {
		q.PageSize = config.DefaultPageSize
	}

	result := &FetchResult{}
	c.logger.Info("Fetching incidents with pagination", "page_size", q.PageSize, "since", q.Since)

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		c.logger.Info("Fetching page", "page", page)
		incidents, received, err := c.fetchPage(ctx, q, page)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			c.logger.Error("Error fetching page", "page", page, "error", err)
			result.Truncated = true
			result.Cause = err
			break
		}

		result.Pages++
		result.Incidents = append(result.Incidents, incidents...)
		c.logger.Info("Fetched incidents from page", "page", page, "count", len(incidents))

		// Malformed records are dropped but still count toward the page
		// size, so the end-of-data check uses the raw element count.
		if received < q.PageSize {
			c.logger.Info("Reached last page of results")
			break
		}
	}

	c.logger.Info("Total incidents fetched", "count", len(result.Incidents), "pages", result.Pages)
	return result, nil
}

func (c *Client) fetchPage(ctx context.Context, q Query, page int) ([]domain.Incident, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(q, page), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-API-Id", c.apiID)
	req.Header.Set("x-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, 0, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}

	incidents, skipped, err := domain.DecodeIncidents(payload)
	if err != nil {
		return nil, 0, err
	}
	for _, s := range skipped {
		c.logger.Warn("Skipping malformed incident", "page", page, "index", s.Index, "error", s.Err)
	}

	return incidents, len(incidents) + len(skipped), nil
}

func (c *Client) pageURL(q Query, page int) string {
	params := url.Values{}
	params.Set("caid", q.AccountID)
	params.Set("page", strconv.Itoa(page))
	params.Set("page_size", strconv.Itoa(q.PageSize))
	if q.Since != 0 {
		params.Set("from", strconv.FormatInt(q.Since, 10))
	}
	return c.baseURL + incidentsPath + "?" + params.Encode()
}

// StatusError is returned for any non-200 response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}
