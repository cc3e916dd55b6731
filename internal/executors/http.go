package executors

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meridian-run/meridian/pkg/model"
)

// HTTPConfig configures the http executor.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpArgsSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "query": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer", "basic", "api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "raw_response": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

// HTTPExecutor implements the "http" call executor. Response statuses map
// onto the error taxonomy: 401 raises Authentication, 403 Authorization,
// 408 Timeout, other 4xx Communication with the status carried through,
// and 5xx Communication.
type HTTPExecutor struct {
	config HTTPConfig
}

// NewHTTPExecutor creates the http executor.
func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPExecutor{config: cfg}
}

func (e *HTTPExecutor) Name() string { return "http" }

func (e *HTTPExecutor) Describe() Schema {
	return Schema{
		Description: "Execute an HTTP request with control over method, headers, query, body, auth, and redirects.",
		Args:        json.RawMessage(httpArgsSchema),
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}

	rawURL := stringArg(args, "url", "")
	if rawURL == "" {
		return nil, model.NewError(model.ErrTypeConfiguration, "http: missing required argument 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, model.NewErrorf(model.ErrTypeConfiguration, "http: invalid url %q", rawURL)
	}

	method := strings.ToUpper(stringArg(args, "method", http.MethodGet))
	followRedirects := boolArg(args, "follow_redirects", true)
	tlsSkipVerify := boolArg(args, "tls_skip_verify", false)
	rawResponse := boolArg(args, "raw_response", false)

	timeout := e.config.DefaultTimeout
	if ts := stringArg(args, "timeout", ""); ts != "" {
		d, err := time.ParseDuration(ts)
		if err != nil {
			return nil, model.NewErrorf(model.ErrTypeConfiguration, "http: invalid timeout %q", ts).WithCause(err)
		}
		timeout = d
	}

	if qs, ok := args["query"].(map[string]any); ok && len(qs) > 0 {
		vals := u.Query()
		for k, v := range qs {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = vals.Encode()
		rawURL = u.String()
	}

	var bodyReader io.Reader
	var contentType string
	if rawBody, ok := args["body"]; ok && rawBody != nil {
		if s, ok := rawBody.(string); ok {
			bodyReader = strings.NewReader(s)
			contentType = "text/plain"
		} else {
			b, err := json.Marshal(rawBody)
			if err != nil {
				return nil, model.NewError(model.ErrTypeConfiguration, "http: failed to marshal body as JSON").WithCause(err)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, model.NewError(model.ErrTypeConfiguration, "http: failed to create request").WithCause(err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hdrs, ok := args["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	applyAuth(req, args)

	// Always create a new client to avoid mutating shared state.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}
	if !followRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, model.NewErrorf(model.ErrTypeTimeout, "http: request to %s timed out after %s", rawURL, timeout).WithCause(err)
		}
		return nil, model.NewErrorf(model.ErrTypeCommunication, "http: request to %s failed", rawURL).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxResponseBody))
	if err != nil {
		return nil, model.NewError(model.ErrTypeCommunication, "http: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	switch {
	case len(bodyBytes) == 0:
		parsedBody = nil
	case strings.Contains(respContentType, "application/json"):
		var jsonBody any
		if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(bodyBytes)
		}
	default:
		parsedBody = string(bodyBytes)
	}

	if resp.StatusCode >= 400 && !rawResponse {
		return nil, statusError(resp.StatusCode, rawURL)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	return map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}, nil
}

func statusError(status int, rawURL string) error {
	var errType string
	switch {
	case status == http.StatusUnauthorized:
		errType = model.ErrTypeAuthentication
	case status == http.StatusForbidden:
		errType = model.ErrTypeAuthorization
	case status == http.StatusRequestTimeout:
		errType = model.ErrTypeTimeout
	default:
		errType = model.ErrTypeCommunication
	}
	return model.NewErrorf(errType, "http: %s returned %d", rawURL, status).WithStatus(status)
}

func applyAuth(req *http.Request, args map[string]any) {
	auth, ok := args["auth"].(map[string]any)
	if !ok {
		return
	}
	switch stringArg(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringArg(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringArg(auth, "username", ""), stringArg(auth, "password", ""))
	case "api_key":
		if name := stringArg(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringArg(auth, "header_value", ""))
		}
	}
}

func stringArg(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolArg(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}
