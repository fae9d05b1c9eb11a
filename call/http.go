package call

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/flowd-io/flowd/dsl"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTP executes http call tasks. Responses outside 2xx become workflow
// errors classed by status: 401 authentication, 403 authorization,
// everything else communication.
type HTTP struct {
	follow   *http.Client
	noFollow *http.Client
	logger   *slog.Logger
	tokens   *tokenCache
}

// NewHTTP returns a caller with separate redirect-following and
// redirect-refusing clients; the task's redirect argument picks one.
func NewHTTP(logger *slog.Logger) *HTTP {
	return &HTTP{
		follow: &http.Client{Timeout: defaultHTTPTimeout},
		noFollow: &http.Client{
			Timeout: defaultHTTPTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.With("caller", "http"),
		tokens: newTokenCache(),
	}
}

// Invoke performs the request described by req.With.
func (h *HTTP) Invoke(ctx context.Context, req *Request) (any, error) {
	method := strings.ToUpper(stringArg(req.With, "method"))
	if method == "" {
		method = http.MethodGet
	}
	endpoint, err := endpointURI(req.With["endpoint"])
	if err != nil {
		return nil, err
	}

	body, contentType, err := encodeBody(req.With["body"])
	if err != nil {
		return nil, err
	}
	hreq, herr := http.NewRequestWithContext(ctx, method, endpoint, body)
	if herr != nil {
		return nil, configError("invalid http request: %v", herr)
	}
	if contentType != "" {
		hreq.Header.Set("Content-Type", contentType)
	}
	for k, v := range mapArg(req.With, "headers") {
		hreq.Header.Set(k, fmt.Sprint(v))
	}
	if query := mapArg(req.With, "query"); len(query) > 0 {
		q := hreq.URL.Query()
		for k, v := range query {
			q.Set(k, fmt.Sprint(v))
		}
		hreq.URL.RawQuery = q.Encode()
	}
	if err := h.applyAuth(hreq, req.Auth); err != nil {
		return nil, err
	}

	client := h.noFollow
	if boolArg(req.With, "redirect") {
		client = h.follow
	}
	h.logger.Debug("performing request", "method", method, "endpoint", endpoint)
	resp, herr := client.Do(hreq)
	if herr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, communicationError("%s %s failed: %v", method, endpoint, herr)
	}
	defer resp.Body.Close()

	raw, herr := io.ReadAll(resp.Body)
	if herr != nil {
		return nil, communicationError("reading response of %s %s: %v", method, endpoint, herr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, method, endpoint)
	}

	switch stringArg(req.With, "output") {
	case "", "content":
		return decodeContent(resp.Header.Get("Content-Type"), raw), nil
	case "raw":
		return base64.StdEncoding.EncodeToString(raw), nil
	case "response":
		return map[string]any{
			"request": map[string]any{
				"method":  method,
				"uri":     endpoint,
				"headers": flattenHeaders(hreq.Header),
			},
			"statusCode": resp.StatusCode,
			"headers":    flattenHeaders(resp.Header),
			"content":    decodeContent(resp.Header.Get("Content-Type"), raw),
		}, nil
	default:
		return nil, configError("unknown http output mode %q", stringArg(req.With, "output"))
	}
}

// applyAuth decorates the outgoing request with the resolved policy.
func (h *HTTP) applyAuth(hreq *http.Request, auth *Auth) error {
	if auth == nil {
		return nil
	}
	switch auth.Scheme {
	case "basic":
		hreq.SetBasicAuth(auth.Username, auth.Password)
	case "bearer":
		hreq.Header.Set("Authorization", "Bearer "+auth.Token)
	case "oauth2":
		token, err := h.tokens.token(auth.OAuth2)
		if err != nil {
			return err
		}
		token.SetAuthHeader(hreq)
	default:
		return configError("unsupported authentication scheme %q", auth.Scheme)
	}
	return nil
}

// tokenCache shares oauth2 client-credentials token sources between
// callers, keyed by token endpoint and client so refreshes are reused.
type tokenCache struct {
	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

func newTokenCache() *tokenCache {
	return &tokenCache{sources: map[string]oauth2.TokenSource{}}
}

func (c *tokenCache) token(cfg *OAuth2) (*oauth2.Token, error) {
	if cfg == nil || cfg.TokenURL == "" {
		return nil, configError("oauth2 authentication declares no token endpoint")
	}
	key := cfg.TokenURL + "\x00" + cfg.ClientID

	c.mu.Lock()
	source, ok := c.sources[key]
	if !ok {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		if len(cfg.Audiences) > 0 {
			cc.EndpointParams = url.Values{"audience": cfg.Audiences}
		}
		// Background context: the source outlives any single call and
		// refreshes on its own schedule.
		source = cc.TokenSource(context.Background())
		c.sources[key] = source
	}
	c.mu.Unlock()

	token, err := source.Token()
	if err != nil {
		e := dsl.NewError(dsl.ErrorTypeAuthentication, http.StatusUnauthorized,
			fmt.Sprintf("oauth2 token exchange failed: %v", err))
		e.Title = "Authentication Error"
		return nil, e
	}
	return token, nil
}

// endpointURI accepts the two endpoint forms: a bare URI string or an
// object with a uri key.
func endpointURI(v any) (string, error) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return "", configError("http call declares an empty endpoint")
		}
		return x, nil
	case map[string]any:
		if _, ok := x["authentication"]; ok {
			return "", configError("endpoint authentication must be declared on the call itself")
		}
		uri, _ := x["uri"].(string)
		if uri == "" {
			return "", configError("endpoint object declares no uri")
		}
		return uri, nil
	default:
		return "", configError("http call declares no endpoint")
	}
}

// encodeBody renders the request body: strings pass through, anything
// else is sent as JSON.
func encodeBody(v any) (io.Reader, string, error) {
	switch x := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(x), "", nil
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return nil, "", configError("cannot encode request body: %v", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// decodeContent parses JSON responses into values and returns anything
// else as a string.
func decodeContent(contentType string, raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// statusError classifies a non-2xx response.
func statusError(status int, method, uri string) *dsl.Error {
	detail := fmt.Sprintf("%s %s returned %d", method, uri, status)
	switch status {
	case http.StatusUnauthorized:
		e := dsl.NewError(dsl.ErrorTypeAuthentication, status, detail)
		e.Title = "Authentication Error"
		return e
	case http.StatusForbidden:
		e := dsl.NewError(dsl.ErrorTypeAuthorization, status, detail)
		e.Title = "Authorization Error"
		return e
	default:
		e := dsl.NewError(dsl.ErrorTypeCommunication, status, detail)
		e.Title = "Communication Error"
		return e
	}
}

func configError(format string, args ...any) *dsl.Error {
	e := dsl.NewError(dsl.ErrorTypeConfiguration, http.StatusBadRequest, fmt.Sprintf(format, args...))
	e.Title = "Configuration Error"
	return e
}

func communicationError(format string, args ...any) *dsl.Error {
	e := dsl.NewError(dsl.ErrorTypeCommunication, http.StatusServiceUnavailable, fmt.Sprintf(format, args...))
	e.Title = "Communication Error"
	return e
}

// --- argument helpers ----------------------------------------------------

func stringArg(with map[string]any, key string) string {
	s, _ := with[key].(string)
	return s
}

func mapArg(with map[string]any, key string) map[string]any {
	m, _ := with[key].(map[string]any)
	return m
}

func boolArg(with map[string]any, key string) bool {
	b, _ := with[key].(bool)
	return b
}
