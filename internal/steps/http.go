package steps

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// StepTypeHTTP — тип HTTP узла.
	StepTypeHTTP = "http"

	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 10 << 20
)

// Ключи params HTTP узла.
const (
	paramMethod          = "method"
	paramURL             = "url"
	paramQuery           = "query"
	paramHeaders         = "headers"
	paramBody            = "body"
	paramFollowRedirects = "follow_redirects"
	paramValidateSSL     = "validate_ssl"
	paramTimeoutSec      = "timeout_sec"
	paramFailOnError     = "fail_on_error"
)

// Стандартные outputs HTTP узла.
const (
	outputStatusCode = "status_code"
	outputHeaders    = "headers"
	outputBody       = "body"
)

// HTTPStep — узел HTTP запроса.
//
// Params:
//
//	method: POST
//	url: https://api.example.com/items
//	query:
//	  page: "{{ cursor.next }}"
//	headers:
//	  Authorization: "Bearer {{ auth.token }}"
//	body:
//	  data: "{{ fetch.body }}"
//	follow_redirects: true
//	validate_ssl: true
//	timeout_sec: 30
//	fail_on_error: true
//
// Outputs всегда содержат status_code, headers и body (JSON или строка).
// Остальные объявленные outputs берутся из полей JSON объекта ответа:
// узел с outputs [items, total] получает body.items и body.total.
//
// С fail_on_error статус >= 400 — ошибка узла. 5xx, 408 и 429 повторяются
// по RetryPolicy, остальные 4xx — нет.
type HTTPStep struct {
	mu      sync.Mutex
	clients map[clientKey]*http.Client
}

// clientKey — набор настроек, которым отличаются клиенты.
type clientKey struct {
	validateSSL     bool
	followRedirects bool
}

// NewHTTPStep создаёт новый HTTPStep.
func NewHTTPStep() *HTTPStep {
	return &HTTPStep{clients: make(map[clientKey]*http.Client)}
}

// Kind возвращает тип узла.
func (s *HTTPStep) Kind() string {
	return StepTypeHTTP
}

// Execute выполняет HTTP запрос.
func (s *HTTPStep) Execute(ctx context.Context, req *Request) (*Response, error) {
	cfg, err := parseHTTPParams(req.Params)
	if err != nil {
		return nil, err
	}

	// Таймаут узла задаёт orchestrator; timeout_sec действует только без него
	parent := ctx
	if req.Timeout <= 0 {
		timeout := defaultHTTPTimeout
		if cfg.timeoutSec > 0 {
			timeout = time.Duration(cfg.timeoutSec) * time.Second
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := cfg.newRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, StepTypeHTTP, err)
	}

	resp, err := s.client(cfg).Do(httpReq)
	if err != nil {
		switch {
		case parent.Err() != nil:
			return nil, errors.Join(ErrStepCancelled, parent.Err())
		case ctx.Err() != nil:
			return nil, fmt.Errorf("http request timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	outputs, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	if cfg.failOnError && resp.StatusCode >= http.StatusBadRequest {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       fmt.Sprint(outputs[outputBody]),
		}
	}

	projectBody(outputs, req.Outputs)
	return NewResponse(outputs), nil
}

// client возвращает клиент для настроек узла. Клиенты переиспользуются
// между узлами, чтобы соединения оставались в пуле.
func (s *HTTPStep) client(cfg *httpParams) *http.Client {
	key := clientKey{validateSSL: cfg.validateSSL, followRedirects: cfg.followRedirects}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[key]; ok {
		return c
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !key.validateSSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // validate_ssl: false
	}

	c := &http.Client{Transport: transport}
	if !key.followRedirects {
		c.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	s.clients[key] = c
	return c
}

// httpParams — разобранные params HTTP узла.
type httpParams struct {
	method          string
	url             string
	query           map[string]any
	headers         map[string]string
	body            any
	followRedirects bool
	validateSSL     bool
	timeoutSec      int
	failOnError     bool
}

func parseHTTPParams(params map[string]any) (*httpParams, error) {
	cfg := &httpParams{
		method:          strings.ToUpper(GetConfigString(params, paramMethod)),
		url:             GetConfigString(params, paramURL),
		query:           GetConfigMap(params, paramQuery),
		headers:         GetConfigMapString(params, paramHeaders),
		body:            params[paramBody],
		followRedirects: GetConfigBool(params, paramFollowRedirects, true),
		validateSSL:     GetConfigBool(params, paramValidateSSL, true),
		timeoutSec:      GetConfigInt(params, paramTimeoutSec),
		failOnError:     GetConfigBool(params, paramFailOnError, false),
	}

	if cfg.url == "" {
		return nil, fmt.Errorf("%w: %s: url is required", ErrInvalidConfig, StepTypeHTTP)
	}
	if cfg.method == "" {
		cfg.method = http.MethodGet
	}
	if cfg.headers == nil {
		cfg.headers = make(map[string]string)
	}
	return cfg, nil
}

// newRequest собирает запрос: query добавляется к параметрам из url,
// body без Content-Type отправляется как JSON.
func (p *httpParams) newRequest(ctx context.Context) (*http.Request, error) {
	target, err := url.Parse(p.url)
	if err != nil {
		return nil, err
	}
	if len(p.query) > 0 {
		values := target.Query()
		for key, v := range p.query {
			values.Set(key, fmt.Sprint(v))
		}
		target.RawQuery = values.Encode()
	}

	var body io.Reader
	if p.body != nil {
		data, err := encodeBody(p.body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, p.method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for key, value := range p.headers {
		req.Header.Set(key, value)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// encodeBody: строки и байты отправляются как есть, остальное — JSON.
func encodeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// readResponse возвращает стандартные outputs: status_code, headers, body.
func readResponse(resp *http.Response) (map[string]any, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var body any = string(data)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var parsed any
		if err := json.Unmarshal(data, &parsed); err == nil {
			body = parsed
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		headers[key] = strings.Join(values, ", ")
	}

	return map[string]any{
		outputStatusCode: resp.StatusCode,
		outputHeaders:    headers,
		outputBody:       body,
	}, nil
}

// projectBody копирует в outputs поля JSON объекта body, объявленные узлом.
// Поле, которого нет в ответе, не добавляется: orchestrator отметит узел
// как output_mismatch.
func projectBody(outputs map[string]any, declared []string) {
	body, ok := outputs[outputBody].(map[string]any)
	if !ok {
		return
	}
	for _, key := range declared {
		if _, std := outputs[key]; std {
			continue
		}
		if v, ok := body[key]; ok {
			outputs[key] = v
		}
	}
}

// HTTPError — ответ со статусом >= 400 при fail_on_error.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

// Error реализует интерфейс error.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// Unwrap возвращает ErrNonRetryable для клиентских ошибок, кроме 408 и 429.
func (e *HTTPError) Unwrap() error {
	if e.Retryable() {
		return nil
	}
	return ErrNonRetryable
}

// Retryable сообщает, может ли повтор запроса дать другой ответ.
func (e *HTTPError) Retryable() bool {
	switch {
	case e.StatusCode >= http.StatusInternalServerError,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// IsHTTPError проверяет, является ли ошибка HTTP ошибкой.
func IsHTTPError(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr)
}
