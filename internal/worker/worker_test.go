package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/genflow/internal/domain"
	"github.com/shaiso/genflow/internal/mq"
	"github.com/shaiso/genflow/internal/orchestrator"
	"github.com/shaiso/genflow/internal/repo"
	"github.com/shaiso/genflow/internal/steps"
)

// memFlows — FlowSource в памяти: имя → версии по возрастанию.
type memFlows struct {
	versions map[string][]domain.FlowDoc
	err      error
}

func (m *memFlows) GetVersionByName(_ context.Context, name string, version int) (*domain.FlowVersion, error) {
	if m.err != nil {
		return nil, m.err
	}
	docs := m.versions[name]
	if len(docs) == 0 {
		return nil, repo.ErrNotFound
	}
	if version <= 0 {
		version = len(docs)
	}
	if version > len(docs) {
		return nil, repo.ErrNotFound
	}
	return &domain.FlowVersion{Version: version, Doc: docs[version-1]}, nil
}

// memRuns — RunStore в памяти.
type memRuns struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]domain.Run
	results map[uuid.UUID]map[string]domain.NodeResult
	saves   int
}

func newMemRuns() *memRuns {
	return &memRuns{
		runs:    make(map[uuid.UUID]domain.Run),
		results: make(map[uuid.UUID]map[string]domain.NodeResult),
	}
}

func (m *memRuns) SaveRun(_ context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	m.saves++
	return nil
}

func (m *memRuns) SaveNodeResult(_ context.Context, runID uuid.UUID, result *domain.NodeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results[runID] == nil {
		m.results[runID] = make(map[string]domain.NodeResult)
	}
	m.results[runID][result.Node] = *result
	return nil
}

func (m *memRuns) GetByID(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &run, nil
}

func (m *memRuns) get(id uuid.UUID) (domain.Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	return run, ok
}

// reportFlow — load → process (под-flow clean).
func reportFlow() domain.FlowDoc {
	return domain.FlowDoc{
		Name: "report",
		Nodes: []domain.NodeDef{
			{
				Name:    "load",
				Kind:    domain.KindFunctionCall,
				Fields:  map[string]any{"function": "load"},
				Outputs: []string{"rows"},
			},
			{
				Name:    "process",
				Kind:    domain.KindSubFlow,
				Fields:  map[string]any{"flow": "clean"},
				Params:  map[string]any{"data": "{{ load.rows }}"},
				Outputs: []string{"result"},
			},
		},
	}
}

func cleanFlow() domain.FlowDoc {
	return domain.FlowDoc{
		Name: "clean",
		Nodes: []domain.NodeDef{
			{
				Name:    "echo",
				Kind:    domain.KindFunctionCall,
				Fields:  map[string]any{"function": "echo"},
				Params:  map[string]any{"value": "{{ data }}"},
				Outputs: []string{"value"},
			},
		},
		Outputs: map[string]any{"result": "{{ echo.value }}"},
	}
}

func newTestWorker(flows *memFlows, runs *memRuns) *Worker {
	funcs := steps.NewFunctions()
	funcs.Register("load", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"rows": []any{"a", "b"}}, nil
	})
	funcs.Register("echo", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"value": params["value"]}, nil
	})

	orch := orchestrator.New(orchestrator.Config{
		Registry: steps.DefaultRegistry(funcs, nil),
		Recorder: runs,
	})

	return New(Config{
		Flows:        flows,
		Runs:         runs,
		Orchestrator: orch,
	})
}

func delivery(payload mq.RunRequestedPayload) *mq.Delivery {
	return &mq.Delivery{Message: *mq.NewMessage(mq.MessageTypeRunRequested, payload)}
}

func TestWorker_RunRequested(t *testing.T) {
	old := reportFlow()
	old.Nodes = old.Nodes[:1]

	flows := &memFlows{versions: map[string][]domain.FlowDoc{
		"report": {old, reportFlow()},
		"clean":  {cleanFlow()},
	}}
	runs := newMemRuns()
	w := newTestWorker(flows, runs)

	runID := uuid.New()
	err := w.handleRunRequested(context.Background(), delivery(mq.RunRequestedPayload{
		RunID:    runID,
		FlowName: "report",
	}))
	if err != nil {
		t.Fatalf("handleRunRequested failed: %v", err)
	}

	run, ok := runs.get(runID)
	if !ok {
		t.Fatal("run was not saved")
	}
	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("status = %s (error %q)", run.Status, run.Error)
	}
	if run.Version != 2 {
		t.Errorf("version = %d, want latest (2)", run.Version)
	}

	results := runs.results[runID]
	for _, node := range []string{"load", "process__echo", "process"} {
		if results[node].Status != domain.NodeStatusSucceeded {
			t.Errorf("node %s = %+v", node, results[node])
		}
	}
	if got := results["process"].Outputs["result"]; !reflect.DeepEqual(got, []any{"a", "b"}) {
		t.Errorf("process.result = %v", got)
	}
}

func TestWorker_ExplicitVersion(t *testing.T) {
	old := reportFlow()
	old.Nodes = old.Nodes[:1]

	flows := &memFlows{versions: map[string][]domain.FlowDoc{"report": {old, reportFlow()}}}
	runs := newMemRuns()
	w := newTestWorker(flows, runs)

	runID := uuid.New()
	err := w.handleRunRequested(context.Background(), delivery(mq.RunRequestedPayload{
		RunID:    runID,
		FlowName: "report",
		Version:  1,
	}))
	if err != nil {
		t.Fatalf("handleRunRequested failed: %v", err)
	}

	run, _ := runs.get(runID)
	if run.Status != domain.RunStatusSucceeded || run.Version != 1 {
		t.Errorf("run = %+v", run)
	}
	if _, ok := runs.results[runID]["process"]; ok {
		t.Error("version 1 has no process node")
	}
}

func TestWorker_FlowProblemsFailRun(t *testing.T) {
	tests := []struct {
		name    string
		flows   map[string][]domain.FlowDoc
		wantErr string
	}{
		{
			name:    "unknown flow",
			flows:   map[string][]domain.FlowDoc{},
			wantErr: "flow not found",
		},
		{
			name:    "missing sub-flow",
			flows:   map[string][]domain.FlowDoc{"report": {reportFlow()}},
			wantErr: "flow not found: clean",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := newMemRuns()
			w := newTestWorker(&memFlows{versions: tt.flows}, runs)

			runID := uuid.New()
			err := w.handleRunRequested(context.Background(), delivery(mq.RunRequestedPayload{
				RunID:    runID,
				FlowName: "report",
			}))
			if err != nil {
				t.Fatalf("flow problems must be acked, got %v", err)
			}

			run, ok := runs.get(runID)
			if !ok {
				t.Fatal("failed run was not saved")
			}
			if run.Status != domain.RunStatusFailed || !strings.Contains(run.Error, tt.wantErr) {
				t.Errorf("run = %s %q, want FAILED with %q", run.Status, run.Error, tt.wantErr)
			}
		})
	}
}

func TestWorker_NodeFailureIsAcked(t *testing.T) {
	doc := reportFlow()
	doc.Nodes = doc.Nodes[:1]
	doc.Nodes[0].Fields = map[string]any{"function": "missing"}

	runs := newMemRuns()
	w := newTestWorker(&memFlows{versions: map[string][]domain.FlowDoc{"report": {doc}}}, runs)

	runID := uuid.New()
	if err := w.handleRunRequested(context.Background(), delivery(mq.RunRequestedPayload{RunID: runID, FlowName: "report"})); err != nil {
		t.Fatalf("node failure must be acked, got %v", err)
	}

	run, _ := runs.get(runID)
	if run.Status != domain.RunStatusFailed {
		t.Errorf("status = %s", run.Status)
	}
}

func TestWorker_AlreadyFinished(t *testing.T) {
	runs := newMemRuns()
	done := domain.NewRun("report", nil)
	done.MarkRunning()
	done.MarkSucceeded()
	_ = runs.SaveRun(context.Background(), done)
	runs.saves = 0

	w := newTestWorker(&memFlows{versions: map[string][]domain.FlowDoc{"report": {reportFlow()}}}, runs)

	err := w.handleRunRequested(context.Background(), delivery(mq.RunRequestedPayload{RunID: done.ID, FlowName: "report"}))
	if err != nil {
		t.Fatalf("redelivery must be acked, got %v", err)
	}
	if runs.saves != 0 {
		t.Errorf("finished run was re-executed (%d saves)", runs.saves)
	}
}

func TestWorker_InvalidRequest(t *testing.T) {
	w := newTestWorker(&memFlows{}, newMemRuns())

	err := w.handleRunRequested(context.Background(), delivery(mq.RunRequestedPayload{RunID: uuid.New()}))
	if !mq.IsPermanent(err) || !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected permanent ErrInvalidRequest, got %v", err)
	}

	bad := &mq.Delivery{Message: mq.Message{Type: mq.MessageTypeRunRequested, Payload: "not an object"}}
	if err := w.handleRunRequested(context.Background(), bad); !mq.IsPermanent(err) {
		t.Errorf("expected permanent parse error, got %v", err)
	}
}

func TestWorker_StorageErrorIsRetried(t *testing.T) {
	dbDown := errors.New("connection refused")
	runs := newMemRuns()
	w := newTestWorker(&memFlows{err: dbDown}, runs)

	err := w.handleRunRequested(context.Background(), delivery(mq.RunRequestedPayload{RunID: uuid.New(), FlowName: "report"}))
	if !errors.Is(err, dbDown) || mq.IsPermanent(err) {
		t.Errorf("expected transient storage error, got %v", err)
	}
	if runs.saves != 0 {
		t.Errorf("run must not be saved on storage error")
	}
}

func TestNew_Defaults(t *testing.T) {
	w := New(Config{})
	if w.prefetch != defaultPrefetch || w.runTimeout != defaultRunTimeout || w.logger == nil {
		t.Errorf("unexpected defaults: %+v", w)
	}
	if w.IsStopped() {
		t.Error("new worker must not be stopped")
	}
}

func TestWorker_RedeliveryWhileInProgress(t *testing.T) {
	runs := newMemRuns()
	w := newTestWorker(&memFlows{versions: map[string][]domain.FlowDoc{
		"report": {reportFlow()},
		"clean":  {cleanFlow()},
	}}, runs)

	runID := uuid.New()
	if !w.track(runID, "report") {
		t.Fatal("first track must succeed")
	}

	err := w.handleRunRequested(context.Background(), delivery(mq.RunRequestedPayload{RunID: runID, FlowName: "report"}))
	if err != nil {
		t.Fatalf("redelivery must be acked, got %v", err)
	}
	if runs.saves != 0 {
		t.Errorf("run in progress was executed twice (%d saves)", runs.saves)
	}

	w.untrack(runID)
	if err := w.handleRunRequested(context.Background(), delivery(mq.RunRequestedPayload{RunID: runID, FlowName: "report"})); err != nil {
		t.Fatalf("handleRunRequested failed: %v", err)
	}
	if run, _ := runs.get(runID); run.Status != domain.RunStatusSucceeded {
		t.Errorf("status = %s", run.Status)
	}
	if ids := w.InFlight(); len(ids) != 0 {
		t.Errorf("finished run still in flight: %v", ids)
	}
}

// lockedBuffer — bytes.Buffer для логов из нескольких горутин.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeEvents — ConnEvents с ручным управлением.
type fakeEvents struct {
	mu          sync.Mutex
	lost        chan struct{}
	reconnected chan struct{}
	waiting     chan struct{}
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{
		lost:        make(chan struct{}),
		reconnected: make(chan struct{}),
		waiting:     make(chan struct{}, 8),
	}
}

func (f *fakeEvents) Lost() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiting <- struct{}{}
	return f.lost
}

func (f *fakeEvents) Reconnected() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnected
}

func (f *fakeEvents) fire(ch *chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(*ch)
	*ch = make(chan struct{})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorker_WatchConnection(t *testing.T) {
	var logs lockedBuffer
	w := New(Config{Logger: slog.New(slog.NewTextHandler(&logs, nil))})

	runID := uuid.New()
	w.track(runID, "report")

	events := newFakeEvents()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.watchConnection(ctx, events)
	}()

	<-events.waiting
	events.fire(&events.lost)
	waitFor(t, "lost log", func() bool {
		out := logs.String()
		return strings.Contains(out, "broker connection lost") && strings.Contains(out, runID.String())
	})

	events.fire(&events.reconnected)
	waitFor(t, "restored log", func() bool {
		return strings.Contains(logs.String(), "broker connection restored")
	})

	// Следующий цикл снова ждёт разрыва
	<-events.waiting
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchConnection did not stop on context cancel")
	}
}
