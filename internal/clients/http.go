package clients

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
)

type TokenProvider func(ctx context.Context) (string, error)

func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type HTTPOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

type requester struct {
	name           string
	baseURL        string
	tokenProvider  TokenProvider
	httpClient     *http.Client
	userAgent      string
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	retryRateLimit bool
	tokenInForm    bool
	decorate       func(req *http.Request)
}

func newRequester(name, defaultBaseURL string, opts HTTPOptions) requester {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return requester{
		name:          name,
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

// do sends one logical request, retrying transport failures and 5xx
// responses (and 429 when retryRateLimit is set). A final 429 becomes a
// *RateLimitedError; any other non-2xx status becomes an *HTTPError.
func (r requester) do(ctx context.Context, method, path string, query, form url.Values) ([]byte, error) {
	if r.tokenProvider == nil {
		return nil, fmt.Errorf("%s token provider is required", r.name)
	}
	token, err := r.tokenProvider(ctx)
	if err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%s token is empty", r.name)
	}
	target := r.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var body []byte
	if form != nil {
		if r.tokenInForm {
			withToken := url.Values{}
			for key, values := range form {
				withToken[key] = append([]string(nil), values...)
			}
			withToken.Set("token", token)
			form = withToken
		}
		body = []byte(form.Encode())
	}

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if r.userAgent != "" {
			req.Header.Set("User-Agent", r.userAgent)
		}
		if r.decorate != nil {
			r.decorate(req)
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < r.maxRetries {
				if waitErr := sleepContext(ctx, r.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, nil
		}

		retryAfter := resp.Header.Get("Retry-After")
		retryable := resp.StatusCode >= 500 && resp.StatusCode <= 599
		if resp.StatusCode == http.StatusTooManyRequests {
			retryable = r.retryRateLimit
		}
		if retryable && attempt < r.maxRetries {
			if waitErr := sleepContext(ctx, r.retryDelay(attempt+1, retryAfter)); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, &RateLimitedError{RetryAfter: parseRetryAfterSeconds(retryAfter)}
		}
		return nil, parseHTTPError(resp.StatusCode, respBody)
	}
}

func (r requester) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := r.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	return decodeJSON(r.name, body, out)
}

func decodeJSON(name string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", name, err)
	}
	return nil
}

func parseHTTPError(status int, body []byte) *HTTPError {
	httpErr := &HTTPError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) != nil {
		return httpErr
	}
	if code, ok := parsed["code"].(string); ok {
		httpErr.Code = code
	}
	if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
		httpErr.Message = message
	}
	// Google APIs nest details under "error".
	if nested, ok := parsed["error"].(map[string]any); ok {
		if statusText, ok := nested["status"].(string); ok {
			httpErr.Code = statusText
		}
		if message, ok := nested["message"].(string); ok && strings.TrimSpace(message) != "" {
			httpErr.Message = message
		}
	}
	return httpErr
}

func (r requester) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > r.maxDelay {
			return r.maxDelay
		}
		return retryAfter
	}
	delay := r.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.maxDelay {
			return r.maxDelay
		}
	}
	if delay > r.maxDelay {
		return r.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
