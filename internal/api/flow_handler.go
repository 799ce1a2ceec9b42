package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/shaiso/genflow/internal/domain"
	"github.com/shaiso/genflow/internal/engine"
	"github.com/shaiso/genflow/internal/repo"
	"github.com/shaiso/genflow/internal/scheduler"
)

// maxDocSize — максимальный размер загружаемого документа flow.
const maxDocSize = 1 << 20

// ListFlows возвращает список всех flows.
// GET /api/v1/flows
func (h *Handler) ListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := h.flows.List(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]FlowResponse, len(flows))
	for i, f := range flows {
		result[i] = FlowFromDomain(f)
	}

	List(w, result, len(result))
}

// SaveFlow сохраняет документ flow (YAML или JSON) как новую версию.
// Flow создаётся, если документа с таким именем ещё нет.
// POST /api/v1/flows
func (h *Handler) SaveFlow(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocSize))
	if err != nil {
		BadRequest(w, "cannot read request body")
		return
	}

	doc, err := domain.ParseDoc(data)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	if doc.Name == "" {
		BadRequest(w, "flow document must have a name")
		return
	}

	if err := h.checkDoc(r.Context(), doc); err != nil {
		var ce *engine.CompositionError
		if errors.As(err, &ce) || isValidationError(err) {
			InvalidState(w, err.Error())
			return
		}
		InternalError(w, h.logger, err)
		return
	}

	version, err := h.flows.Save(r.Context(), doc)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	h.logger.Info("flow saved", "flow", doc.Name, "version", version.Version)
	Created(w, FlowVersionFromDomain(*version))
}

// checkDoc композирует документ с сохранёнными под-flow и проверяет результат.
func (h *Handler) checkDoc(ctx context.Context, doc *domain.FlowDoc) error {
	if doc.Schedule != "" {
		if err := scheduler.ValidateCronExpr(doc.Schedule); err != nil {
			return &docError{err: err}
		}
	}

	subs, err := engine.CollectSubFlows(ctx, doc, func(ctx context.Context, _ *domain.NodeDef, alias string) (*domain.FlowDoc, error) {
		fv, err := h.flows.GetVersionByName(ctx, alias, 0)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", engine.ErrUnknownSubFlow, alias)
		}
		if err != nil {
			return nil, err
		}
		return &fv.Doc, nil
	})
	if err != nil {
		// Недоступное хранилище — не ошибка документа
		if !errors.Is(err, engine.ErrUnknownSubFlow) {
			var ce *engine.CompositionError
			if errors.As(err, &ce) {
				return ce.Err
			}
		}
		return err
	}

	flow, err := engine.Compose(doc, subs)
	if err != nil {
		return err
	}
	if _, err := engine.CheckFlow(flow, h.kinds); err != nil {
		return &docError{err: err}
	}
	return nil
}

// docError — документ flow не прошёл проверку.
type docError struct {
	err error
}

func (e *docError) Error() string { return e.err.Error() }
func (e *docError) Unwrap() error { return e.err }

func isValidationError(err error) bool {
	var de *docError
	return errors.As(err, &de)
}

// GetFlow возвращает последнюю версию flow.
// GET /api/v1/flows/{name}
func (h *Handler) GetFlow(w http.ResponseWriter, r *http.Request) {
	version, err := h.flows.GetVersionByName(r.Context(), r.PathValue("name"), 0)
	if HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}

	Success(w, FlowVersionFromDomain(*version))
}

// UpdateFlow включает или выключает flow.
// PUT /api/v1/flows/{name}
func (h *Handler) UpdateFlow(w http.ResponseWriter, r *http.Request) {
	var req UpdateFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	flow, err := h.flows.GetByName(r.Context(), r.PathValue("name"))
	if HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}

	if req.IsActive != nil {
		flow.IsActive = *req.IsActive
	}

	if err := h.flows.Update(r.Context(), flow); HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}

	Success(w, FlowFromDomain(*flow))
}

// DeleteFlow удаляет flow со всеми версиями.
// DELETE /api/v1/flows/{name}
func (h *Handler) DeleteFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := h.flows.GetByName(r.Context(), r.PathValue("name"))
	if HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}

	if err := h.flows.Delete(r.Context(), flow.ID); HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}

	NoContent(w)
}

// ListFlowVersions возвращает список версий flow.
// GET /api/v1/flows/{name}/versions
func (h *Handler) ListFlowVersions(w http.ResponseWriter, r *http.Request) {
	flow, err := h.flows.GetByName(r.Context(), r.PathValue("name"))
	if HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}

	versions, err := h.flows.ListVersions(r.Context(), flow.ID)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]FlowVersionResponse, len(versions))
	for i, v := range versions {
		result[i] = FlowVersionFromDomain(v)
	}

	List(w, result, len(result))
}

// GetFlowVersion возвращает конкретную версию flow.
// GET /api/v1/flows/{name}/versions/{version}
func (h *Handler) GetFlowVersion(w http.ResponseWriter, r *http.Request) {
	versionNum, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || versionNum <= 0 {
		BadRequest(w, "invalid version number")
		return
	}

	version, err := h.flows.GetVersionByName(r.Context(), r.PathValue("name"), versionNum)
	if HandleRepoError(w, h.logger, err, "flow version not found") {
		return
	}

	Success(w, FlowVersionFromDomain(*version))
}
