package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	middlewares := []Middleware{Recovery(h.logger), Logging(h.logger)}
	if h.metrics != nil {
		middlewares = append(middlewares, Instrument(h.metrics))
	}
	chain := Chain(middlewares...)

	// Flows
	mux.Handle("GET /api/v1/flows", chain(http.HandlerFunc(h.ListFlows)))
	mux.Handle("POST /api/v1/flows", chain(http.HandlerFunc(h.SaveFlow)))
	mux.Handle("GET /api/v1/flows/{name}", chain(http.HandlerFunc(h.GetFlow)))
	mux.Handle("PUT /api/v1/flows/{name}", chain(http.HandlerFunc(h.UpdateFlow)))
	mux.Handle("DELETE /api/v1/flows/{name}", chain(http.HandlerFunc(h.DeleteFlow)))

	// Flow Versions
	mux.Handle("GET /api/v1/flows/{name}/versions", chain(http.HandlerFunc(h.ListFlowVersions)))
	mux.Handle("GET /api/v1/flows/{name}/versions/{version}", chain(http.HandlerFunc(h.GetFlowVersion)))

	// Runs
	mux.Handle("POST /api/v1/flows/{name}/runs", chain(http.HandlerFunc(h.CreateRun)))
	mux.Handle("GET /api/v1/runs", chain(http.HandlerFunc(h.ListRuns)))
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
}
