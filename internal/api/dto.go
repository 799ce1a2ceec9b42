package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/genflow/internal/domain"
)

// Flow DTOs

// UpdateFlowRequest — запрос на обновление flow.
type UpdateFlowRequest struct {
	IsActive *bool `json:"is_active,omitempty"`
}

// FlowResponse — ответ с flow.
type FlowResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// FlowFromDomain конвертирует domain.Flow в FlowResponse.
func FlowFromDomain(f domain.Flow) FlowResponse {
	return FlowResponse{
		ID:        f.ID,
		Name:      f.Name,
		IsActive:  f.IsActive,
		CreatedAt: f.CreatedAt,
	}
}

// FlowVersion DTOs

// FlowVersionResponse — ответ с версией flow.
type FlowVersionResponse struct {
	FlowID    uuid.UUID      `json:"flow_id"`
	Name      string         `json:"name"`
	Version   int            `json:"version"`
	Doc       domain.FlowDoc `json:"doc"`
	CreatedAt time.Time      `json:"created_at"`
}

// FlowVersionFromDomain конвертирует domain.FlowVersion в FlowVersionResponse.
func FlowVersionFromDomain(v domain.FlowVersion) FlowVersionResponse {
	return FlowVersionResponse{
		FlowID:    v.FlowID,
		Name:      v.Doc.Name,
		Version:   v.Version,
		Doc:       v.Doc,
		CreatedAt: v.CreatedAt,
	}
}

// Run DTOs

// CreateRunRequest — запрос на запуск flow.
type CreateRunRequest struct {
	Inputs  map[string]any `json:"inputs,omitempty"`
	Version *int           `json:"version,omitempty"`
}

// RunResponse — ответ с run.
type RunResponse struct {
	ID         uuid.UUID            `json:"id"`
	FlowName   string               `json:"flow_name"`
	Version    int                  `json:"version"`
	Status     string               `json:"status"`
	Inputs     map[string]any       `json:"inputs,omitempty"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	Error      string               `json:"error,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	Nodes      []NodeResultResponse `json:"nodes,omitempty"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
func RunFromDomain(r domain.Run) RunResponse {
	return RunResponse{
		ID:         r.ID,
		FlowName:   r.FlowName,
		Version:    r.Version,
		Status:     string(r.Status),
		Inputs:     r.Inputs,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
	}
}

// NodeResultResponse — результат узла run.
type NodeResultResponse struct {
	Node       string         `json:"node"`
	Kind       string         `json:"kind"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// NodeResultFromDomain конвертирует domain.NodeResult в NodeResultResponse.
func NodeResultFromDomain(n domain.NodeResult) NodeResultResponse {
	return NodeResultResponse{
		Node:       n.Node,
		Kind:       n.Kind,
		Status:     string(n.Status),
		Attempts:   n.Attempts,
		Outputs:    n.Outputs,
		ErrorKind:  n.ErrorKind,
		Error:      n.Error,
		StartedAt:  n.StartedAt,
		FinishedAt: n.FinishedAt,
	}
}
