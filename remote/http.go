package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/blocksync/block"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/logger"
	"github.com/teranos/blocksync/transport"
	"github.com/teranos/blocksync/version"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// MaxRetries is the number of in-request retries on network errors,
	// 429 and 5xx. The outbox retries on top of this.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPClient talks to the backend's JSON API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *zap.SugaredLogger
}

// NewHTTPClient validates cfg and returns a client.
func NewHTTPClient(cfg HTTPConfig, log *zap.SugaredLogger) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.NewInvalidRequestError("remote base url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.NewInvalidRequestError("remote base url %q is not absolute", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		logger:     log.With(logger.FieldComponent, "remote"),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

func (c *HTTPClient) CreateBlock(ctx context.Context, spec CreateSpec) (*block.Block, error) {
	var out block.Block
	if err := c.doJSON(ctx, http.MethodPost, "/v1/blocks", spec, &out); err != nil {
		return nil, errors.Wrapf(err, "create block %s", spec.ID)
	}
	return &out, nil
}

func (c *HTTPClient) UpdateBlock(ctx context.Context, id string, partial Partial) (*block.Block, error) {
	var out block.Block
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/blocks/"+url.PathEscape(id), partial, &out); err != nil {
		return nil, errors.Wrapf(err, "update block %s", id)
	}
	return &out, nil
}

func (c *HTTPClient) DeleteBlock(ctx context.Context, id string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/v1/blocks/"+url.PathEscape(id), nil, nil); err != nil {
		return errors.Wrapf(err, "delete block %s", id)
	}
	return nil
}

func (c *HTTPClient) ReorderBlocks(ctx context.Context, updates []ReorderUpdate) error {
	body := struct {
		Updates []ReorderUpdate `json:"updates"`
	}{updates}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/blocks/reorder", body, nil); err != nil {
		return errors.Wrapf(err, "reorder %d blocks", len(updates))
	}
	return nil
}

func (c *HTTPClient) FetchModifiedSince(ctx context.Context, pageID string, since time.Time) ([]*block.Block, error) {
	path := fmt.Sprintf("/v1/pages/%s/blocks?since=%s", url.PathEscape(pageID), url.QueryEscape(since.UTC().Format(time.RFC3339Nano)))
	var out struct {
		Blocks []*block.Block `json:"blocks"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, errors.Wrapf(err, "fetch page %s", pageID)
	}
	return out.Blocks, nil
}

// OpenChanges dials the backend's change stream for pageID.
func (c *HTTPClient) OpenChanges(ctx context.Context, pageID string) (transport.Conn, error) {
	wsURL := c.baseURL + "/v1/changes?page=" + url.QueryEscape(pageID)
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, err := transport.Dial(ctx, wsURL, header)
	if err != nil {
		return nil, errors.Wrap(err, "open change stream")
	}
	return conn, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
	}
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("User-Agent", version.Get().UserAgent())
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if key := IdempotencyKey(ctx); key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return errors.Mark(err, errors.ErrServiceUnavailable)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return errors.Mark(readErr, errors.ErrServiceUnavailable)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return errors.Wrap(json.Unmarshal(payload, out), "decode response")
		}

		retryAfter := resp.Header.Get("Retry-After")
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			logger.FromContext(ctx, c.logger).Debugw("Retrying remote call",
				"method", method,
				"path", requestPath,
				"status", resp.StatusCode,
				"attempt", attempt+1)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, retryAfter)); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
			RetryAfter: parseRetryAfter(retryAfter),
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfter string) time.Duration {
	if d := parseRetryAfter(retryAfter); d > 0 {
		if d > c.maxDelay {
			return c.maxDelay
		}
		return d
	}
	delay := c.baseDelay << (attempt - 1)
	if delay <= 0 || delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var (
	_ Client       = (*HTTPClient)(nil)
	_ Fetcher      = (*HTTPClient)(nil)
	_ ChangeSource = (*HTTPClient)(nil)
)
