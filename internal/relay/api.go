package relay

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
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/chatcore/internal/errors"
	"github.com/alexjbarnes/chatcore/internal/models"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller may retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. History pages are
	// the largest responses.
	maxAPIResponseBytes = 4 * 1024 * 1024

	// DefaultHistoryLimit is the page size used by ListMessages when the
	// caller passes zero.
	DefaultHistoryLimit = 50
)

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token() (string, error)
}

// APIClient talks to the relay's REST API. It carries the HTTP fallback
// for message sends and the conversation history endpoint.
type APIClient struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
}

type apiError struct {
	Error string `json:"error"`
}

type historyResponse struct {
	Messages []models.Message `json:"messages"`
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks
// to a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewAPIClient creates a client for the API at baseURL. If httpClient
// is nil, a client with a 30-second timeout and same-host redirect
// policy is created.
func NewAPIClient(baseURL string, tokens TokenSource, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &APIClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
	}
}

// SendMessage posts a message through the REST endpoint. Used when the
// realtime transmit fails. The relay echoes the stored message over the
// socket as usual, so the returned message is informational.
func (c *APIClient) SendMessage(ctx context.Context, msg models.SendMessage) (*models.Message, error) {
	var stored models.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages", msg, &stored); err != nil {
		return nil, fmt.Errorf("sending message over HTTP: %w", err)
	}

	return &stored, nil
}

// ListMessages returns the most recent messages of a conversation,
// oldest first as the server orders them.
func (c *APIClient) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	endpoint := "/api/conversations/" + url.PathEscape(conversationID) + "/messages?limit=" + strconv.Itoa(limit)

	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	return resp.Messages, nil
}

// do sends a JSON request and decodes the response into result.
func (c *APIClient) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("%w: creating request: %w", apperrors.ErrAPIRequest, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("resolving credential: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("%w: %s %s: %w", apperrors.ErrAPIRequest, method, endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(endpoint, resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

func statusError(endpoint string, code int, body []byte) error {
	detail := sanitizeResponseBody(body)

	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Error != "" {
		detail = sanitizeResponseBody([]byte(ae.Error))
	}

	if code == http.StatusUnauthorized {
		return fmt.Errorf("%w: API %s: %s", apperrors.ErrAuthRejected, endpoint, detail)
	}

	err := fmt.Errorf("%w: API %s returned status %d: %s", apperrors.ErrAPIResponse, endpoint, code, detail)
	if isTransientStatus(code) {
		return &TransientError{Err: err}
	}

	return err
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
