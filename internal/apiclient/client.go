// Package apiclient talks to the KadaiGPT REST API on behalf of the edge
// process: bill delivery, catalog refresh and replay of captured requests.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"

	apperrors "github.com/Lokii1211/kadaigpt-sub002/internal/errors"
	"github.com/Lokii1211/kadaigpt-sub002/internal/logging"
	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
)

// APIPrefix is the namespace of the remote REST API.
const APIPrefix = "/api/v1"

// IdempotencyHeader carries the client-generated key of a mutation.
const IdempotencyHeader = "Idempotency-Key"

const maxResponseBytes = 16 << 20

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, body)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int { return e.Code }

// IsPermanent reports whether retrying the request cannot succeed. Client
// errors are permanent except timeouts, too-early, rate limiting and auth
// failures; a rejected credential says nothing about the request itself.
func IsPermanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
		http.StatusUnauthorized, http.StatusForbidden:
		return false
	}
	return se.Code >= 400 && se.Code < 500
}

// IsUnauthorized reports a 401 or 403 answer.
func IsUnauthorized(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
}

// Client is an HTTP client for the remote API.
type Client struct {
	baseURL string
	http    *http.Client
	now     func() time.Time

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a Client for baseURL, e.g. http://localhost:8000.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API origin the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken replaces the bearer token, e.g. after the UI logs in again.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) bearer() (string, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	if tokenExpired(token, c.now()) {
		return "", apperrors.New(apperrors.ErrTokenExpired, "bearer token has expired")
	}
	return token, nil
}

// tokenExpired reports whether token is a JWT whose exp claim has passed.
// Opaque tokens are never considered expired; the server decides.
func tokenExpired(token string, now time.Time) bool {
	if token == "" || strings.Count(token, ".") != 2 {
		return false
	}
	claims := &jwt.StandardClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == 0 {
		return false
	}
	return !claims.VerifyExpiresAt(now.Unix(), true)
}

func (c *Client) do(ctx context.Context, method, url string, header http.Header, body []byte) (int, []byte, error) {
	token, err := c.bearer()
	if err != nil {
		return 0, nil, err
	}
	return c.send(ctx, method, url, header, body, token)
}

// send issues the request, with an Authorization header when token is set.
func (c *Client) send(ctx context.Context, method, url string, header http.Header, body []byte, token string) (int, []byte, error) {

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to build request", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, apperrors.Wrap(apperrors.ErrDeliveryFailed, method+" "+url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, apperrors.Wrap(apperrors.ErrDeliveryFailed, "failed to read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, data, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	return resp.StatusCode, data, nil
}

// CreateBill posts a bill and returns the server-assigned id. idemKey is
// sent as the Idempotency-Key header so a repeated delivery returns the
// original bill.
func (c *Client) CreateBill(ctx context.Context, payload models.BillPayload, idemKey string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "failed to encode bill", err)
	}
	return c.createBillRaw(ctx, body, idemKey)
}

func (c *Client) createBillRaw(ctx context.Context, body []byte, idemKey string) (string, error) {
	header := http.Header{}
	if idemKey != "" {
		header.Set(IdempotencyHeader, idemKey)
	}
	_, data, err := c.do(ctx, http.MethodPost, c.baseURL+APIPrefix+"/bills", header, body)
	if err != nil {
		return "", err
	}
	id, err := decodeID(data)
	if err != nil {
		// the server took the bill; a missing id must not block the queue
		logging.Warn("Bill accepted without a recognizable id", map[string]interface{}{
			"idempotency_key": idemKey,
			"error":           err.Error(),
		})
		return "", nil
	}
	return id, nil
}

// CreateBillJSON is CreateBill for an already encoded payload, as stored in
// the sync queue.
func (c *Client) CreateBillJSON(ctx context.Context, body json.RawMessage, idemKey string) (string, error) {
	return c.createBillRaw(ctx, body, idemKey)
}

// ListProducts returns the full product collection.
func (c *Client) ListProducts(ctx context.Context) ([]models.CachedProduct, error) {
	_, data, err := c.do(ctx, http.MethodGet, c.baseURL+APIPrefix+"/products", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[models.CachedProduct](data, "products")
}

// ListCustomers returns the full customer collection.
func (c *Client) ListCustomers(ctx context.Context) ([]models.CachedCustomer, error) {
	_, data, err := c.do(ctx, http.MethodGet, c.baseURL+APIPrefix+"/customers", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[models.CachedCustomer](data, "customers")
}

// Replay re-issues a captured request. The operation id is sent as the
// Idempotency-Key. A configured bearer token replaces the captured one.
// It returns the server's response body.
func (c *Client) Replay(ctx context.Context, rec models.RecordedRequest) ([]byte, error) {
	header := http.Header{}
	for k, vs := range rec.Header {
		if skipReplayHeader(k) {
			continue
		}
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	header.Set(IdempotencyHeader, rec.OperationID)

	var body []byte
	if len(rec.Body) > 0 {
		body = rec.Body
	}
	_, data, err := c.do(ctx, rec.Method, rec.URL, header, body)
	return data, err
}

func skipReplayHeader(k string) bool {
	switch http.CanonicalHeaderKey(k) {
	case "Connection", "Content-Length", "Host", "Keep-Alive",
		"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade", IdempotencyHeader:
		return true
	}
	return false
}

// Health checks that the API host answers. It sends no credentials, so an
// expired token never reads as an unreachable host.
func (c *Client) Health(ctx context.Context) error {
	_, _, err := c.send(ctx, http.MethodGet, c.baseURL+"/health", nil, nil, "")
	return err
}

type idResponse struct {
	ID     models.RemoteID `json:"id"`
	BillID models.RemoteID `json:"bill_id"`
	Data   *struct {
		ID models.RemoteID `json:"id"`
	} `json:"data"`
}

// decodeID accepts {"id":..}, {"bill_id":..} or {"data":{"id":..}}.
func decodeID(data []byte) (string, error) {
	var r idResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return "", err
	}
	switch {
	case r.ID != "":
		return r.ID.String(), nil
	case r.BillID != "":
		return r.BillID.String(), nil
	case r.Data != nil && r.Data.ID != "":
		return r.Data.ID.String(), nil
	}
	return "", fmt.Errorf("response has no id")
}

// decodeList accepts a bare array or an object wrapping it under "data",
// key or "items".
func decodeList[T any](data []byte, key string) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	out := []T{}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDeliveryFailed, "malformed "+key+" list", err)
		}
		return out, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDeliveryFailed, "malformed "+key+" response", err)
	}
	for _, k := range []string{"data", key, "items"} {
		raw, ok := envelope[k]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDeliveryFailed, "malformed "+key+" list", err)
		}
		return out, nil
	}
	return nil, apperrors.New(apperrors.ErrDeliveryFailed, key+" response has no list")
}
