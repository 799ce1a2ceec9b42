package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shaiso/genflow/internal/domain"
)

// --- Response types (повторяют api/dto.go, CLI не импортирует internal/api) ---

// FlowResponse — flow из API.
type FlowResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at"`
}

// FlowVersionResponse — версия flow из API.
type FlowVersionResponse struct {
	FlowID    string         `json:"flow_id"`
	Name      string         `json:"name"`
	Version   int            `json:"version"`
	Doc       domain.FlowDoc `json:"doc"`
	CreatedAt string         `json:"created_at"`
}

// RunResponse — run из API.
type RunResponse struct {
	ID         string               `json:"id"`
	FlowName   string               `json:"flow_name"`
	Version    int                  `json:"version"`
	Status     string               `json:"status"`
	Inputs     map[string]any       `json:"inputs,omitempty"`
	StartedAt  string               `json:"started_at,omitempty"`
	FinishedAt string               `json:"finished_at,omitempty"`
	Error      string               `json:"error,omitempty"`
	CreatedAt  string               `json:"created_at"`
	Nodes      []NodeResultResponse `json:"nodes,omitempty"`
}

// NodeResultResponse — результат узла из API.
type NodeResultResponse struct {
	Node      string         `json:"node"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status"`
	Attempts  int            `json:"attempts"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// --- Request types ---

// UpdateFlowRequest — обновление flow.
type UpdateFlowRequest struct {
	IsActive *bool `json:"is_active,omitempty"`
}

// CreateRunRequest — создание run.
type CreateRunRequest struct {
	Inputs  map[string]any `json:"inputs,omitempty"`
	Version *int           `json:"version,omitempty"`
}

// ListRunsOpts — параметры фильтрации runs.
type ListRunsOpts struct {
	FlowName string
	Status   string
	Limit    int
	Offset   int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ответ API с кодом ошибки.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Client ---

// Client — HTTP-клиент для genflow API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Flows ---

// ListFlows возвращает все flows.
func (c *Client) ListFlows(ctx context.Context) ([]FlowResponse, error) {
	var flows []FlowResponse
	err := c.list(ctx, "/api/v1/flows", nil, &flows)
	return flows, err
}

// SaveFlow сохраняет документ как новую версию flow.
func (c *Client) SaveFlow(ctx context.Context, doc *domain.FlowDoc) (*FlowVersionResponse, error) {
	data, err := domain.EncodeDoc(doc)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/flows", "application/yaml", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var version FlowVersionResponse
	if err := c.decodeData(resp, &version); err != nil {
		return nil, err
	}
	return &version, nil
}

// GetFlowVersion возвращает версию flow. version <= 0 — последняя.
func (c *Client) GetFlowVersion(ctx context.Context, name string, version int) (*FlowVersionResponse, error) {
	path := "/api/v1/flows/" + url.PathEscape(name)
	if version > 0 {
		path += "/versions/" + strconv.Itoa(version)
	}

	var fv FlowVersionResponse
	err := c.get(ctx, path, &fv)
	return &fv, err
}

// UpdateFlow обновляет flow.
func (c *Client) UpdateFlow(ctx context.Context, name string, req UpdateFlowRequest) (*FlowResponse, error) {
	var flow FlowResponse
	err := c.send(ctx, http.MethodPut, "/api/v1/flows/"+url.PathEscape(name), req, &flow)
	return &flow, err
}

// DeleteFlow удаляет flow со всеми версиями.
func (c *Client) DeleteFlow(ctx context.Context, name string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/flows/"+url.PathEscape(name), nil, nil)
}

// ListVersions возвращает версии flow.
func (c *Client) ListVersions(ctx context.Context, name string) ([]FlowVersionResponse, error) {
	var versions []FlowVersionResponse
	err := c.list(ctx, "/api/v1/flows/"+url.PathEscape(name)+"/versions", nil, &versions)
	return versions, err
}

// --- Runs ---

// ListRuns возвращает список runs с фильтрацией.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOpts) ([]RunResponse, error) {
	params := url.Values{}
	if opts.FlowName != "" {
		params.Set("flow", opts.FlowName)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}

	var runs []RunResponse
	err := c.list(ctx, "/api/v1/runs", params, &runs)
	return runs, err
}

// CreateRun запрашивает запуск flow.
func (c *Client) CreateRun(ctx context.Context, name string, req CreateRunRequest) (*RunResponse, error) {
	var run RunResponse
	err := c.send(ctx, http.MethodPost, "/api/v1/flows/"+url.PathEscape(name)+"/runs", req, &run)
	return &run, err
}

// GetRun возвращает run с результатами узлов.
func (c *Client) GetRun(ctx context.Context, id string) (*RunResponse, error) {
	var run RunResponse
	err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(id), &run)
	return &run, err
}

// --- HTTP helpers ---

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.send(ctx, http.MethodGet, path, nil, result)
}

// send выполняет запрос с JSON-телом и декодирует поле data ответа.
func (c *Client) send(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, path, "application/json", bodyReader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.decodeData(resp, result)
}

func (c *Client) list(ctx context.Context, path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) decodeData(resp *http.Response, result any) error {
	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return json.Unmarshal(dr.Data, result)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode}
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Code = er.Error.Code
		apiErr.Message = er.Error.Message
	}
	return apiErr
}
