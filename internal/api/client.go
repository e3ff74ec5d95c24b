package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/esracengel/PetBNB/internal/errs"
	"github.com/esracengel/PetBNB/internal/model"
)

// Client is the typed surface of the backend routes.
type Client struct {
	exec *Executor
}

// NewClient wraps an executor.
func NewClient(exec *Executor) *Client { return &Client{exec: exec} }

// Executor returns the underlying executor.
func (c *Client) Executor() *Executor { return c.exec }

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, in model.Registration) (*model.User, error) {
	var out model.User
	if err := c.call(ctx, "register", http.MethodPost, "/auth/users/", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTokens exchanges credentials for a token pair.
func (c *Client) CreateTokens(ctx context.Context, in model.Credentials) (model.Tokens, error) {
	var out struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	if err := c.call(ctx, "create tokens", http.MethodPost, "/auth/jwt/create/", in, &out); err != nil {
		return model.Tokens{}, err
	}
	return model.Tokens{AccessToken: out.Access, RefreshToken: out.Refresh}, nil
}

// Me fetches the identity the current access token belongs to.
func (c *Client) Me(ctx context.Context) (*model.User, error) {
	var out model.User
	if err := c.call(ctx, "fetch user", http.MethodGet, "/auth/users/me/", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRequests returns every service request visible to the caller.
func (c *Client) ListRequests(ctx context.Context) ([]model.ServiceRequest, error) {
	var out []model.ServiceRequest
	if err := c.call(ctx, "list requests", http.MethodGet, "/services/service-requests/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRequest posts a new service request.
func (c *Client) CreateRequest(ctx context.Context, in model.RequestFields) (*model.ServiceRequest, error) {
	var out model.ServiceRequest
	if err := c.call(ctx, "create request", http.MethodPost, "/services/service-requests/", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRequest removes a service request and, server side, its offers.
func (c *Client) DeleteRequest(ctx context.Context, id int64) error {
	return c.call(ctx, "delete request", http.MethodDelete, itemPath("/services/service-requests/", id), nil, nil)
}

// QueryOffers lists offers, optionally narrowed by request and caregiver.
// Zero ids are not sent.
func (c *Client) QueryOffers(ctx context.Context, requestID, caregiverID int64) ([]model.ServiceOffer, error) {
	q := url.Values{}
	if requestID != 0 {
		q.Set("service_request", strconv.FormatInt(requestID, 10))
	}
	if caregiverID != 0 {
		q.Set("caregiver", strconv.FormatInt(caregiverID, 10))
	}
	path := "/services/service-offers/"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []model.ServiceOffer
	if err := c.call(ctx, "query offers", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateOffer submits a new offer.
func (c *Client) CreateOffer(ctx context.Context, in model.OfferPayload) (*model.ServiceOffer, error) {
	var out model.ServiceOffer
	if err := c.call(ctx, "create offer", http.MethodPost, "/services/service-offers/", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateOffer replaces the price and message of an existing offer.
func (c *Client) UpdateOffer(ctx context.Context, id int64, in model.OfferPayload) (*model.ServiceOffer, error) {
	var out model.ServiceOffer
	if err := c.call(ctx, "update offer", http.MethodPut, itemPath("/services/service-offers/", id), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteOffer withdraws an offer.
func (c *Client) DeleteOffer(ctx context.Context, id int64) error {
	return c.call(ctx, "delete offer", http.MethodDelete, itemPath("/services/service-offers/", id), nil, nil)
}

func itemPath(collection string, id int64) string {
	return collection + strconv.FormatInt(id, 10) + "/"
}

func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	resp, err := c.exec.Do(ctx, method, path, in)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !resp.OK() {
		return &errs.RejectedError{Op: op, Status: resp.Status, Detail: Detail(resp)}
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

const maxDetail = 300

// Detail extracts a human-readable message from a rejected response. A
// "detail" member wins; otherwise field errors are flattened in key order;
// otherwise the raw body (or the status text) is used.
func Detail(resp *Response) string {
	body := strings.TrimSpace(string(resp.Body))
	if body == "" {
		return http.StatusText(resp.Status)
	}

	var v any
	if err := json.Unmarshal(resp.Body, &v); err != nil {
		return clip(body)
	}
	if m, ok := v.(map[string]any); ok {
		if d, ok := m["detail"].(string); ok && d != "" {
			return d
		}
	}
	if parts := flatten(v); len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	return clip(body)
}

func flatten(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		var out []string
		for _, e := range t {
			out = append(out, flatten(e)...)
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			out = append(out, flatten(t[k])...)
		}
		return out
	}
	return nil
}

func clip(s string) string {
	if len(s) <= maxDetail {
		return s
	}
	n := maxDetail
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
