// Package api talks to the PetBnB REST backend. Executor attaches the
// session credentials to every call and transparently refreshes an expired
// access token; Client exposes one typed method per backend route.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/esracengel/PetBNB/internal/credstore"
	"github.com/esracengel/PetBNB/internal/errs"
	"github.com/esracengel/PetBNB/internal/model"
)

// DefaultTimeout bounds every boundary call unless overridden.
const DefaultTimeout = 15 * time.Second

// maxBody bounds response body reads.
const maxBody int64 = 8 << 20

// AuthScheme prefixes the access token in the Authorization header.
const AuthScheme = "JWT"

const refreshPath = "/auth/jwt/refresh/"

// Response is a fully read boundary response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Executor performs authenticated calls against the backend.
type Executor struct {
	base  *url.URL
	http  *http.Client
	store credstore.Store
	log   *zap.Logger

	refreshes singleflight.Group

	mu    sync.Mutex
	onEnd func()
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient replaces the HTTP client (its Timeout is kept as is).
func WithHTTPClient(c *http.Client) Option { return func(e *Executor) { e.http = c } }

// WithTimeout sets the per-call timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.http.Timeout = d
		}
	}
}

// WithLogger sets the logger; nil keeps the no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

// WithSessionEnd registers the hook run after a failed refresh cleared the tokens.
func WithSessionEnd(fn func()) Option { return func(e *Executor) { e.onEnd = fn } }

// NewExecutor builds an executor for the backend at baseURL.
func NewExecutor(baseURL string, store credstore.Store, opts ...Option) (*Executor, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parse base url: %q is not absolute", baseURL)
	}
	e := &Executor{
		base:  u,
		http:  &http.Client{Timeout: DefaultTimeout},
		store: store,
		log:   zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// SetSessionEndHook replaces the session-end hook. The session store installs
// its Logout here once both are constructed.
func (e *Executor) SetSessionEndHook(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEnd = fn
}

func (e *Executor) sessionEnded() {
	e.mu.Lock()
	fn := e.onEnd
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Do sends one call. A 401 on a call that carried an access token triggers
// one refresh and one retry; if the refresh fails the tokens are cleared,
// the session-end hook runs and errs.ErrAuthTerminated is returned. Any
// other status, including a 401 on the retry, is returned to the caller.
func (e *Executor) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	payload, err := encode(body)
	if err != nil {
		return nil, err
	}
	tokens, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}

	resp, err := e.send(ctx, method, path, payload, tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusUnauthorized || tokens.AccessToken == "" || path == refreshPath {
		return resp, nil
	}

	access, err := e.refresh(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	return e.send(ctx, method, path, payload, access)
}

func encode(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return payload, nil
}

func (e *Executor) send(ctx context.Context, method, path string, payload []byte, access string) (*Response, error) {
	p, q, _ := strings.Cut(path, "?")
	target := e.base.JoinPath(p)
	target.RawQuery = q

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if access != "" {
		req.Header.Set("Authorization", AuthScheme+" "+access)
	}
	rid := uuid.Must(uuid.NewV4()).String()
	req.Header.Set("X-Request-ID", rid)

	start := time.Now()
	hr, err := e.http.Do(req)
	if err != nil {
		e.log.Warn("api",
			zap.String("method", method),
			zap.String("path", req.URL.Path),
			zap.String("request_id", rid),
			zap.Duration("dur", time.Since(start)),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", method, req.URL.Path, ctx.Err())
		}
		return nil, fmt.Errorf("%s %s: %w: %v", method, req.URL.Path, errs.ErrNetworkUnavailable, err)
	}
	defer hr.Body.Close()
	data, err := io.ReadAll(io.LimitReader(hr.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w: %v", method, req.URL.Path, errs.ErrNetworkUnavailable, err)
	}

	// metadata only, never payloads
	e.log.Info("api",
		zap.String("method", method),
		zap.String("path", req.URL.Path),
		zap.Int("status", hr.StatusCode),
		zap.String("request_id", rid),
		zap.Duration("dur", time.Since(start)),
	)
	return &Response{Status: hr.StatusCode, Header: hr.Header, Body: data}, nil
}

var errNoRefreshToken = errors.New("no refresh token")

// refresh returns a usable access token after `rejected` was refused.
// Concurrent callers share one refresh call; a caller whose token was
// already replaced by another refresh gets the current token directly.
func (e *Executor) refresh(ctx context.Context, rejected string) (string, error) {
	v, err, _ := e.refreshes.Do("refresh", func() (any, error) {
		// outlive the first caller's cancellation: the result is shared
		rctx := context.WithoutCancel(ctx)

		cur, err := e.store.Load(rctx)
		if err != nil {
			return "", e.terminate(rctx, fmt.Errorf("load tokens: %w", err))
		}
		if cur.AccessToken != "" && cur.AccessToken != rejected {
			return cur.AccessToken, nil
		}
		if cur.RefreshToken == "" {
			return "", e.terminate(rctx, errNoRefreshToken)
		}

		resp, err := e.send(rctx, http.MethodPost, refreshPath, mustJSON(map[string]string{"refresh": cur.RefreshToken}), "")
		if err != nil {
			return "", e.terminate(rctx, err)
		}
		if !resp.OK() {
			return "", e.terminate(rctx, &errs.RejectedError{Op: "refresh token", Status: resp.Status, Detail: Detail(resp)})
		}
		var out struct {
			Access  string `json:"access"`
			Refresh string `json:"refresh"`
		}
		if err := json.Unmarshal(resp.Body, &out); err != nil || out.Access == "" {
			return "", e.terminate(rctx, fmt.Errorf("decode refresh response: %v", err))
		}

		// a logout while the refresh was in flight wins
		now, err := e.store.Load(rctx)
		if err != nil || now.RefreshToken != cur.RefreshToken {
			return "", fmt.Errorf("%w: logged out during refresh", errs.ErrAuthTerminated)
		}
		next := model.Tokens{AccessToken: out.Access, RefreshToken: cur.RefreshToken}
		if out.Refresh != "" {
			next.RefreshToken = out.Refresh
		}
		if err := e.store.Save(rctx, next); err != nil {
			return "", e.terminate(rctx, fmt.Errorf("save tokens: %w", err))
		}
		e.log.Info("access token refreshed")
		return next.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (e *Executor) terminate(ctx context.Context, cause error) error {
	e.log.Warn("refresh failed, ending session", zap.Error(cause))
	if err := e.store.Clear(ctx); err != nil {
		e.log.Error("clear tokens", zap.Error(err))
	}
	e.sessionEnded()
	return fmt.Errorf("%w: %v", errs.ErrAuthTerminated, cause)
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
