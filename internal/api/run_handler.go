package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/genflow/internal/domain"
	"github.com/shaiso/genflow/internal/mq"
	"github.com/shaiso/genflow/internal/repo"
)

// defaultRunsLimit — размер страницы списка runs по умолчанию.
const defaultRunsLimit = 50

// ListRuns возвращает список runs с фильтрацией.
// GET /api/v1/runs?flow=...&status=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := repo.RunFilter{
		FlowName: query.Get("flow"),
		Status:   domain.RunStatus(query.Get("status")),
		Limit:    parseInt(query.Get("limit"), defaultRunsLimit),
		Offset:   parseInt(query.Get("offset"), 0),
	}

	runs, err := h.runs.List(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}

	List(w, result, len(result))
}

// CreateRun создаёт run в статусе PENDING и публикует run.requested.
// POST /api/v1/flows/{name}/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}

	version := 0
	if req.Version != nil {
		version = *req.Version
	}

	// Проверяем, что flow (и версия) существует
	fv, err := h.flows.GetVersionByName(r.Context(), r.PathValue("name"), version)
	if HandleRepoError(w, h.logger, err, "flow version not found") {
		return
	}

	run := domain.NewRun(fv.Doc.Name, req.Inputs)
	run.Version = fv.Version

	if err := h.runs.Create(r.Context(), run); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	if h.requester != nil {
		err := h.requester.PublishRunRequested(r.Context(), mq.RunRequestedPayload{
			RunID:    run.ID,
			FlowName: run.FlowName,
			Version:  run.Version,
			Inputs:   run.Inputs,
		})
		if err != nil {
			// Run уже сохранён, запрос можно повторить
			h.logger.Warn("failed to publish run.requested", "run_id", run.ID, "error", err)
		}
	}

	Created(w, RunFromDomain(*run))
}

// GetRun возвращает run вместе с результатами узлов.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	results, err := h.runs.ListNodeResults(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	resp := RunFromDomain(*run)
	for _, n := range results {
		resp.Nodes = append(resp.Nodes, NodeResultFromDomain(n))
	}

	Success(w, resp)
}

// parseInt парсит неотрицательное число из query с значением по умолчанию.
func parseInt(s string, defaultVal int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
