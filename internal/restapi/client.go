package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/payflow/batchwatch/internal/filter"
	"github.com/payflow/batchwatch/pkg/schema"
)

const userAgent = "batchwatch/1.0"

// TokenSource supplies the API token for the current session. An empty
// token sends the request unauthenticated.
type TokenSource interface {
	Token() string
}

type Options struct {
	BaseURL           string
	Prefix            string
	Timeout           time.Duration
	RequestsPerMinute int
	MaxRetries        int
	HTTPClient        *http.Client
	Tokens            TokenSource
}

// Client talks to the batch API: batch detail, paginated items, uploads and
// token login.
type Client struct {
	baseURL    string
	client     *http.Client
	logger     *zap.Logger
	tokens     TokenSource
	limiter    *SafeRateLimiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = "http://localhost:8000"
	}
	prefix := strings.Trim(strings.TrimSpace(opts.Prefix), "/")
	if prefix != "" {
		base += "/" + prefix
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:    base,
		client:     httpClient,
		logger:     logger,
		tokens:     opts.Tokens,
		limiter:    NewSafeRateLimiter(opts.RequestsPerMinute),
		maxRetries: maxRetries,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// RateLimit describes the read budget the client keeps to.
func (c *Client) RateLimit() string {
	return c.limiter.GetLimitInfo(EndpointRead)
}

// GetBatch fetches batch metadata.
func (c *Client) GetBatch(ctx context.Context, id schema.BatchID) (schema.Batch, error) {
	var out schema.Batch
	path := fmt.Sprintf("/batches/%s/", url.PathEscape(string(id)))
	err := c.doJSON(ctx, EndpointRead, http.MethodGet, path, nil, &out)
	return out, err
}

// ListItems fetches one page of a batch's items under f.
func (c *Client) ListItems(ctx context.Context, id schema.BatchID, f filter.Set, page, pageSize int) (schema.ItemPage, error) {
	var out schema.ItemPage
	path := fmt.Sprintf("/batches/%s/items/?%s", url.PathEscape(string(id)), f.Query(page, pageSize).Encode())
	err := c.doJSON(ctx, EndpointRead, http.MethodGet, path, nil, &out)
	return out, err
}

// UploadBatch posts a spreadsheet as the multipart field "file" and returns
// the created batch.
func (c *Client) UploadBatch(ctx context.Context, filename string, content io.Reader) (schema.Batch, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return schema.Batch{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return schema.Batch{}, fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return schema.Batch{}, fmt.Errorf("close multipart: %w", err)
	}

	var out schema.Batch
	err = c.do(ctx, EndpointUpload, http.MethodPost, "/batches/", mw.FormDataContentType(), buf.Bytes(), true, &out)
	return out, err
}

// Login exchanges credentials for an API token.
func (c *Client) Login(ctx context.Context, username, password string) (schema.LoginResponse, error) {
	body, err := json.Marshal(schema.LoginRequest{Username: username, Password: password})
	if err != nil {
		return schema.LoginResponse{}, err
	}
	var out schema.LoginResponse
	err = c.do(ctx, EndpointAuth, http.MethodPost, "/accounts/login", "application/json", body, false, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, endpoint EndpointType, method, path string, body any, out any) error {
	var payload []byte
	contentType := ""
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
		contentType = "application/json"
	}
	return c.do(ctx, endpoint, method, path, contentType, payload, true, out)
}

func (c *Client) do(
	ctx context.Context,
	endpoint EndpointType,
	method, path, contentType string,
	body []byte,
	authenticated bool,
	out any,
) error {
	retryable := method == http.MethodGet
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx, endpoint); err != nil {
			return fmt.Errorf("rate limit wait failed: %w", err)
		}

		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		requestID := uuid.NewString()
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("X-Request-Id", requestID)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if authenticated && c.tokens != nil {
			if token := strings.TrimSpace(c.tokens.Token()); token != "" {
				req.Header.Set("Authorization", "Token "+token)
			}
		}

		c.logger.Debug("API request",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Int("attempt", attempt))

		resp, err := c.client.Do(req)
		if err != nil {
			if retryable && attempt < c.maxRetries && ctx.Err() == nil {
				c.logger.Warn("API request failed, retrying", zap.String("path", path), zap.Error(err))
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		data, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("read response: %w", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(data) == 0 {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		}

		if retryable && attempt < c.maxRetries &&
			(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) {
			c.logger.Warn("API transient failure, retrying",
				zap.String("path", path),
				zap.Int("status", resp.StatusCode))
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return waitErr
			}
			continue
		}

		return newAPIError(resp.StatusCode, data)
	}
}

func (c *Client) retryDelay(attempt int) time.Duration {
	d := c.baseDelay << (attempt - 1)
	if d > c.maxDelay {
		d = c.maxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
