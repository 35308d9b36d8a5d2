package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAborted marks an operation the user cancelled. Callers render it as a
// benign status, not an error banner.
var ErrAborted = errors.New("operation aborted")

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// TokenSource yields the bearer token for authenticated calls. It is read
// per request because tokens rotate via refresh.
type TokenSource interface {
	AccessToken() string
}

// AuthFailureHook is invoked when the server rejects the credential itself:
// a 401, a 403, or a 422 whose body matches invalid-token phrasing. REST
// outcomes are the sole source of truth for auth validity.
type AuthFailureHook func(status int, message string)

type ClientOptions struct {
	HTTPClient    *http.Client
	OnAuthFailure AuthFailureHook
	Logger        *zap.Logger
}

type Client struct {
	baseURL       string
	tokens        TokenSource
	httpClient    *http.Client
	onAuthFailure AuthFailureHook
	logger        *zap.Logger
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewClient(baseURL string, tokens TokenSource, opts ClientOptions) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000/api"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:       baseURL,
		tokens:        tokens,
		httpClient:    httpClient,
		onAuthFailure: opts.OnAuthFailure,
		logger:        logger,
		maxRetries:    3,
		baseDelay:     100 * time.Millisecond,
		maxDelay:      2 * time.Second,
	}
}

func (c *Client) bearer() string {
	if c.tokens == nil {
		return ""
	}
	return strings.TrimSpace(c.tokens.AccessToken())
}

// doJSON performs a request with retries for transient failures. The bearer
// argument is the token to attach; empty means unauthenticated.
func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath, bearer string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		req.Header.Set("X-Correlation-Id", "cli_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return fmt.Errorf("%w: %v", ErrAborted, err)
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			// Absence of an expected body degrades to zero values, not a crash.
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				c.logger.Warn("malformed response body",
					zap.String("path", requestPath), zap.Error(err))
				return nil
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		message := decodeErrorMessage(payloadBytes)
		if c.isAuthFailure(resp.StatusCode, message, bearer) {
			if c.onAuthFailure != nil {
				c.onAuthFailure(resp.StatusCode, message)
			}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: message}
	}
}

// isAuthFailure classifies a rejection of the credential itself, as opposed
// to a rejection of the request. Unauthenticated calls never count.
func (c *Client) isAuthFailure(status int, message, bearer string) bool {
	if bearer == "" {
		return false
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	case http.StatusUnprocessableEntity:
		return invalidTokenMessage(message)
	default:
		return false
	}
}

var invalidTokenPhrases = []string{
	"invalid token",
	"token has expired",
	"token has been revoked",
	"missing token",
	"not enough segments",
	"signature verification failed",
}

func invalidTokenMessage(message string) bool {
	message = strings.ToLower(message)
	for _, phrase := range invalidTokenPhrases {
		if strings.Contains(message, phrase) {
			return true
		}
	}
	return false
}

// decodeErrorMessage prefers a structured message field over a bare status
// code; it tolerates empty and non-JSON bodies.
func decodeErrorMessage(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	var errPayload struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(payload, &errPayload); err != nil {
		return ""
	}
	if errPayload.Message != "" {
		return errPayload.Message
	}
	if errPayload.Msg != "" {
		return errPayload.Msg
	}
	return errPayload.Detail
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
