// Package orders talks to the REST collaborator that turns a held lock into
// an order.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/orchestra-mcp/boxoffice/src/auth"
	"github.com/orchestra-mcp/boxoffice/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

const withLockPath = "/orders/with-lock"

// DefaultTimeout bounds one REST call when the caller's context has no deadline.
const DefaultTimeout = 15 * time.Second

// APIError is the backend's error body.
type APIError struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Reason     string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Reason != "" && e.Reason != e.Message {
		return fmt.Sprintf("orders api %d: %s (%s)", e.StatusCode, e.Message, e.Reason)
	}
	return fmt.Sprintf("orders api %d: %s", e.StatusCode, e.Message)
}

// LockInvalid reports whether the backend refused the order because the
// lock itself is gone, as opposed to a transient or validation failure.
func (e *APIError) LockInvalid() bool {
	if e.StatusCode == http.StatusConflict || e.StatusCode == http.StatusGone {
		return true
	}
	msg := strings.ToLower(e.Message + " " + e.Reason)
	if !strings.Contains(msg, "lock") {
		return false
	}
	for _, word := range []string{"expired", "not found", "invalid", "consumed", "used"} {
		if strings.Contains(msg, word) {
			return true
		}
	}
	return false
}

func (e *APIError) UnmarshalJSON(b []byte) error {
	var raw struct {
		StatusCode int             `json:"statusCode"`
		Message    json.RawMessage `json:"message"`
		Reason     string          `json:"error"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.StatusCode = raw.StatusCode
	e.Reason = raw.Reason
	// Validation failures carry a list of messages.
	var list []string
	if err := json.Unmarshal(raw.Message, &list); err == nil {
		e.Message = strings.Join(list, "; ")
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Message, &s); err == nil {
		e.Message = s
	}
	return nil
}

// Client calls the order endpoints with the session's bearer token.
type Client struct {
	baseURL string
	creds   auth.Provider
	http    *fasthttp.Client
	logger  zerolog.Logger
}

// NewClient builds a client for baseURL (e.g. http://localhost:3000/api).
// A nil httpClient gets a default fasthttp.Client.
func NewClient(baseURL string, creds auth.Provider, httpClient *fasthttp.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &fasthttp.Client{
			Name:                "boxoffice",
			MaxIdleConnDuration: 30 * time.Second,
		}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    httpClient,
		logger:  logger.With().Str("component", "orders").Logger(),
	}
}

// CreateWithLock submits POST /orders/with-lock.
func (c *Client) CreateWithLock(ctx context.Context, order types.OrderRequest) (types.Order, error) {
	cred, err := c.creds.Credential(ctx)
	if err != nil {
		return types.Order{}, err
	}
	body, err := json.Marshal(order)
	if err != nil {
		return types.Order{}, fmt.Errorf("encode order: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + withLockPath)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+cred.Token)
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.Order{}, fmt.Errorf("%w: %w", types.ErrTransport, ctxErr)
		}
		return types.Order{}, fmt.Errorf("%w: %w", types.ErrTransport, err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		apiErr := decodeError(status, resp.Body())
		c.logger.Warn().
			Int("status", status).
			Str("lock_id", order.LockID).
			Str("message", apiErr.Message).
			Msg("order refused")
		if status == fasthttp.StatusUnauthorized {
			return types.Order{}, fmt.Errorf("%w: %w", types.ErrUnauthorized, apiErr)
		}
		return types.Order{}, apiErr
	}

	var out types.Order
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return types.Order{}, fmt.Errorf("decode order: %w", err)
	}
	c.logger.Info().Int64("order_id", out.ID).Str("lock_id", order.LockID).Str("status", out.Status).Msg("order created")
	return out, nil
}

func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = "An unexpected error occurred"
		if len(body) > 0 && len(body) < 256 {
			apiErr.Message = string(body)
		}
	}
	if apiErr.StatusCode == 0 {
		apiErr.StatusCode = status
	}
	return apiErr
}

// AsAPIError extracts the backend error from err, if any.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
