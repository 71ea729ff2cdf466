// Package links pages through a download's getLinksUrl and feeds each
// batch of file links to the session.
package links

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/earthdata-download/edd/internal/logger"
	"github.com/earthdata-download/edd/internal/storage"
)

const (
	defaultTimeout  = 30 * time.Second
	requestsPerSec  = 5
	maxErrorBodyLen = 512
)

// Page is one response of the link endpoint
type Page struct {
	Cursor string   `json:"cursor"`
	Done   bool     `json:"done"`
	Links  []string `json:"links"`
}

// Sink receives discovered links
type Sink interface {
	AddLinks(ctx context.Context, downloadID string, urls []string, done bool) (*storage.AddLinksResult, error)
	LinkDiscoveryFailed(ctx context.Context, downloadID string, cause error) error
}

// Config tunes the discovery client
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Client fetches link pages
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
	log        *logger.Logger
}

// NewClient creates a link discovery client
func NewClient(config Config, log *logger.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Client{
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSec), requestsPerSec),
		userAgent:  config.UserAgent,
		log:        log,
	}
}

// FetchPage requests one page. cursor is empty for the first page.
func (c *Client) FetchPage(ctx context.Context, getLinksURL, token, cursor string) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	u, err := url.Parse(getLinksURL)
	if err != nil {
		return nil, fmt.Errorf("invalid links url: %w", err)
	}
	if cursor != "" {
		q := u.Query()
		q.Set("cursor", cursor)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return nil, fmt.Errorf("links error (status %d): %s", resp.StatusCode, string(body))
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &page, nil
}

// Discover walks every page of getLinksURL into sink. A fetch failure is
// reported to sink.LinkDiscoveryFailed; a sink error stops the walk and
// is returned as is.
func (c *Client) Discover(ctx context.Context, downloadID, getLinksURL, token string, sink Sink) error {
	log := c.log.WithField("download_id", downloadID)

	fail := func(cause error) error {
		log.WithError(cause).Warn("link discovery failed")
		if err := sink.LinkDiscoveryFailed(ctx, downloadID, cause); err != nil {
			return err
		}
		return cause
	}

	cursor := ""
	pages := 0
	for {
		page, err := c.FetchPage(ctx, getLinksURL, token, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fail(err)
		}
		pages++

		stalled := !page.Done && (page.Cursor == "" || page.Cursor == cursor)
		if _, err := sink.AddLinks(ctx, downloadID, page.Links, page.Done); err != nil {
			return err
		}
		if page.Done {
			log.Debugf("link discovery finished after %d pages", pages)
			return nil
		}
		if stalled {
			return fail(fmt.Errorf("link pagination stalled at cursor %q", page.Cursor))
		}
		cursor = page.Cursor
	}
}
