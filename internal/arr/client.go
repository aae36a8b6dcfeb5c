// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qbitrr/internal/buildinfo"
	"github.com/autobrr/qbitrr/internal/domain"
	"github.com/autobrr/qbitrr/pkg/httphelpers"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultPageSize   = 250
	defaultAttempts   = 3
	defaultRetryDelay = time.Second
	maxPages          = 200
)

// statusError is returned for non-2xx responses.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client is an HTTP client for communicating with Sonarr/Radarr v3 API
type Client struct {
	arrType    domain.ArrType
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
	attempts   uint
	retryDelay time.Duration
}

// NewClient creates a new ARR API client
func NewClient(baseURL, apiKey string, arrType domain.ArrType, timeoutSeconds int) *Client {
	timeout := defaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}

	return &Client{
		arrType: arrType,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		timeout:    timeout,
		attempts:   defaultAttempts,
		retryDelay: defaultRetryDelay,
	}
}

// Ping tests connectivity to the ARR instance via GET /api/v3/system/status
func (c *Client) Ping(ctx context.Context) error {
	var status SystemStatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/system/status", nil, nil, &status); err != nil {
		return err
	}

	if status.AppName == "" {
		return fmt.Errorf("invalid response: missing appName")
	}

	return nil
}

// Queue returns every record of the download queue, following pagination.
func (c *Client) Queue(ctx context.Context) ([]QueueRecord, error) {
	var records []QueueRecord

	for page := 1; page <= maxPages; page++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))
		query.Set("pageSize", strconv.Itoa(defaultPageSize))
		switch c.arrType {
		case domain.ArrTypeSonarr:
			query.Set("includeUnknownSeriesItems", "true")
		case domain.ArrTypeRadarr:
			query.Set("includeUnknownMovieItems", "true")
		}

		var resp QueuePage
		if err := c.do(ctx, http.MethodGet, "/api/v3/queue", query, nil, &resp); err != nil {
			return nil, err
		}

		records = append(records, resp.Records...)

		if len(resp.Records) == 0 || len(records) >= resp.TotalRecords {
			break
		}
	}

	return records, nil
}

// DeleteQueueItem removes a queue entry, optionally blocklisting the release.
// The torrent itself is left in the client.
func (c *Client) DeleteQueueItem(ctx context.Context, id int, blocklist bool) error {
	query := url.Values{}
	query.Set("removeFromClient", "false")
	query.Set("blocklist", strconv.FormatBool(blocklist))

	return c.do(ctx, http.MethodDelete, "/api/v3/queue/"+strconv.Itoa(id), query, nil, nil)
}

// PostCommand queues a command on the catalog.
func (c *Client) PostCommand(ctx context.Context, cmd Command) (*CommandResponse, error) {
	var resp CommandResponse
	if err := c.do(ctx, http.MethodPost, "/api/v3/command", nil, cmd, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Commands lists the commands currently known to the catalog.
func (c *Client) Commands(ctx context.Context) ([]CommandResponse, error) {
	var resp []CommandResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/command", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ActiveSearchCommands counts search commands that are queued or running.
func (c *Client) ActiveSearchCommands(ctx context.Context) (int, error) {
	commands, err := c.Commands(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, cmd := range commands {
		if cmd.IsActive() && cmd.IsSearch() {
			count++
		}
	}
	return count, nil
}

// WantedMissing returns monitored entries with no file.
func (c *Client) WantedMissing(ctx context.Context) ([]WantedRecord, error) {
	return c.wanted(ctx, "/api/v3/wanted/missing")
}

// WantedCutoff returns monitored entries whose file has not met the quality cutoff.
func (c *Client) WantedCutoff(ctx context.Context) ([]WantedRecord, error) {
	return c.wanted(ctx, "/api/v3/wanted/cutoff")
}

func (c *Client) wanted(ctx context.Context, path string) ([]WantedRecord, error) {
	var records []WantedRecord

	for page := 1; page <= maxPages; page++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))
		query.Set("pageSize", strconv.Itoa(defaultPageSize))
		query.Set("monitored", "true")
		if c.arrType == domain.ArrTypeSonarr {
			query.Set("includeSeries", "true")
		}

		var resp WantedPage
		if err := c.do(ctx, http.MethodGet, path, query, nil, &resp); err != nil {
			return nil, err
		}

		records = append(records, resp.Records...)

		if len(resp.Records) == 0 || len(records) >= resp.TotalRecords {
			break
		}
	}

	return records, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	err := retry.Do(
		func() error {
			return c.doOnce(ctx, method, endpoint, payload, out)
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Str("method", method).Str("path", path).Uint("attempt", n+1).Msg("Retrying catalog request")
		}),
	)
	if err != nil {
		if isUnreachable(err) {
			return fmt.Errorf("%s %s: %w: %w", method, path, domain.ErrCatalogUnreachable, err)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	return nil
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}

	c.setHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req) //nolint:bodyclose // closed by DrainAndClose
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httphelpers.DrainAndClose(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("authentication failed: invalid API key")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{StatusCode: resp.StatusCode, Body: httphelpers.ReadErrorBody(resp, 1024)}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// isRetryable retries transport failures and server errors only.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func isUnreachable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusBadGateway ||
			se.StatusCode == http.StatusServiceUnavailable ||
			se.StatusCode == http.StatusGatewayTimeout
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// setHeaders sets the required headers for ARR API requests
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	req.Header.Set("Accept", "application/json")
}

// ArrType returns the ARR instance type this client is configured for
func (c *Client) ArrType() domain.ArrType {
	return c.arrType
}
