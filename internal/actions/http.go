package actions

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

	"github.com/rendis/chainflow/pkg/schema"
)

// HTTPConfig configures the http.request handler.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// httpRequest is the resolved step input of http.request.
type httpRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
	// Status codes >= 400 are a handler failure unless this is false.
	FailOnErrorStatus *bool `json:"fail_on_error_status,omitempty"`
	// Creates declares the entity the call produces; its id is read from the
	// JSON response body at IDField.
	Creates *struct {
		EntityType string `json:"entity_type"`
		Module     string `json:"module"`
		IDField    string `json:"id_field"`
	} `json:"creates,omitempty"`
}

// HTTPHandler performs a JSON HTTP call. Compensate issues the request
// described by its input when that input carries a url, so a step output
// such as {"url": ".../events/42", "method": "DELETE"} undoes the call.
type HTTPHandler struct {
	config HTTPConfig
	client *http.Client
}

func NewHTTPHandler(cfg HTTPConfig) *HTTPHandler {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTPHandler{config: cfg, client: client}
}

func (h *HTTPHandler) Description() string {
	return "Execute a JSON HTTP request; status >= 400 fails the step."
}

func (h *HTTPHandler) Execute(ctx context.Context, ac *ActionExecutionContext) (*ActionResult, error) {
	req, err := parseHTTPRequest(ac.Input)
	if err != nil {
		return nil, err
	}

	result, err := h.do(ctx, req)
	if err != nil {
		return nil, err
	}

	failOnStatus := req.FailOnErrorStatus == nil || *req.FailOnErrorStatus
	if failOnStatus && result.StatusCode >= 400 {
		return Failed(fmt.Sprintf("http.request: %s %s returned %d", req.Method, req.URL, result.StatusCode)), nil
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: marshal output").WithCause(err)
	}

	var entities []CreatedEntity
	if req.Creates != nil && req.Creates.EntityType != "" {
		if id := result.field(req.Creates.IDField); id != "" {
			entities = append(entities, CreatedEntity{
				EntityType: req.Creates.EntityType,
				EntityID:   id,
				Module:     req.Creates.Module,
			})
		}
	}
	return Succeeded(out, entities...), nil
}

func (h *HTTPHandler) Compensate(ctx context.Context, ac *ActionExecutionContext) error {
	var target struct {
		URL string `json:"url"`
	}
	if len(ac.Input) == 0 || json.Unmarshal(ac.Input, &target) != nil || target.URL == "" {
		return nil
	}

	req, err := parseHTTPRequest(ac.Input)
	if err != nil {
		return err
	}
	result, err := h.do(ctx, req)
	if err != nil {
		return err
	}
	if result.StatusCode >= 400 {
		return schema.NewErrorf(schema.ErrCodeCompensationFailed,
			"http.request: compensation %s %s returned %d", req.Method, req.URL, result.StatusCode)
	}
	return nil
}

type httpResult struct {
	StatusCode  int               `json:"status_code"`
	Headers     map[string]string `json:"headers"`
	Body        any               `json:"body"`
	ContentType string            `json:"content_type"`
	DurationMs  int64             `json:"duration_ms"`
}

// field reads a top-level scalar from a JSON object body.
func (r *httpResult) field(name string) string {
	if name == "" {
		name = "id"
	}
	m, ok := r.Body.(map[string]any)
	if !ok {
		return ""
	}
	switch v := m[name].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

func parseHTTPRequest(input json.RawMessage) (*httpRequest, error) {
	req := &httpRequest{}
	if len(input) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.request: empty input")
	}
	if err := json.Unmarshal(input, req); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.request: input is not a JSON object").WithCause(err)
	}
	if req.URL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", req.URL)
	}
	req.Method = strings.ToUpper(req.Method)
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	return req, nil
}

func (h *HTTPHandler) do(ctx context.Context, req *httpRequest) (*httpResult, error) {
	timeout := h.config.DefaultTimeout
	if req.Timeout != "" {
		if d, err := time.ParseDuration(req.Timeout); err == nil {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 && string(req.Body) != "null" {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: build request").WithCause(err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: read response body").WithCause(err)
	}

	ct := resp.Header.Get("Content-Type")
	var parsed any
	if len(raw) > 0 {
		parsed = string(raw)
		if strings.Contains(ct, "application/json") {
			var v any
			if json.Unmarshal(raw, &v) == nil {
				parsed = v
			}
		}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &httpResult{
		StatusCode:  resp.StatusCode,
		Headers:     headers,
		Body:        parsed,
		ContentType: ct,
		DurationMs:  time.Since(start).Milliseconds(),
	}, nil
}

var _ Handler = (*HTTPHandler)(nil)
