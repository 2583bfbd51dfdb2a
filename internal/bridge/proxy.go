package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultMaxResponseBytes bounds proxied response bodies.
const DefaultMaxResponseBytes = 1 << 20

// CodeHTTP is used when a failed gateway response carries no errorType.
const CodeHTTP = "HTTP_ERROR"

// APIRequest is the argument of api.request.
type APIRequest struct {
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// Validate normalizes the method and rejects endpoints that could escape
// the plugin's sandbox path.
func (r *APIRequest) Validate() error {
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	switch r.Method {
	case "":
		r.Method = http.MethodGet
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return fmt.Errorf("unsupported method %q", r.Method)
	}
	if _, err := endpointPath(r.Endpoint); err != nil {
		return err
	}
	return nil
}

// endpointPath returns the escaped relative path for endpoint.
func endpointPath(endpoint string) (string, error) {
	trimmed := strings.Trim(endpoint, "/")
	if trimmed == "" {
		return "", fmt.Errorf("endpoint is required")
	}
	if strings.ContainsAny(trimmed, "?#\\") {
		return "", fmt.Errorf("endpoint %q: query and fragment are not allowed", endpoint)
	}
	segs := strings.Split(trimmed, "/")
	for i, s := range segs {
		if s == "" || s == "." || s == ".." {
			return "", fmt.Errorf("endpoint %q: invalid path segment", endpoint)
		}
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/"), nil
}

// APIResponse is a gateway response as seen by the bridge.
type APIResponse struct {
	Status int
	Header http.Header
	Body   json.RawMessage
}

// Proxy forwards api.request calls to the Sandbox Gateway.
type Proxy interface {
	Do(ctx context.Context, pluginID string, req APIRequest) (*APIResponse, error)
}

// HTTPProxy forwards calls over HTTP to {BaseURL}/api/sandbox/{pluginId}/{endpoint}
// carrying the user's cookies and the app origin.
type HTTPProxy struct {
	BaseURL  string
	Origin   string
	Cookies  []*http.Cookie
	Client   *http.Client
	MaxBytes int64
}

func (p *HTTPProxy) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Do implements Proxy.
func (p *HTTPProxy) Do(ctx context.Context, pluginID string, req APIRequest) (*APIResponse, error) {
	path, err := endpointPath(req.Endpoint)
	if err != nil {
		return nil, err
	}
	target := strings.TrimRight(p.BaseURL, "/") + "/api/sandbox/" + url.PathEscape(pluginID) + "/" + path

	var body io.Reader
	if len(req.Body) > 0 && req.Method != http.MethodGet {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build sandbox request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if p.Origin != "" {
		httpReq.Header.Set("Origin", p.Origin)
	}
	for _, c := range p.Cookies {
		httpReq.AddCookie(c)
	}

	resp, err := p.client().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := p.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxResponseBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read sandbox response: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("sandbox response exceeds %d bytes", limit)
	}
	if len(data) > 0 && !json.Valid(data) {
		return nil, fmt.Errorf("sandbox response is not JSON")
	}
	return &APIResponse{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// gatewayError maps a non-2xx gateway response to a bridge error carrying
// the gateway's errorType as code.
func gatewayError(resp *APIResponse) *Error {
	var body struct {
		Error     string `json:"error"`
		ErrorType string `json:"errorType"`
	}
	if len(resp.Body) > 0 {
		_ = json.Unmarshal(resp.Body, &body)
	}
	e := &Error{Code: body.ErrorType, Message: body.Error, Status: resp.Status}
	if e.Code == "" {
		e.Code = CodeHTTP
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.Status)
	}
	return e
}
