package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aristath/deepproduct/internal/backend"
	"github.com/aristath/deepproduct/internal/config"
	"github.com/aristath/deepproduct/internal/orchestrator"
	"github.com/aristath/deepproduct/internal/persistence"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestEngine(t *testing.T) *orchestrator.Engine {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	policy := config.DefaultPolicy()
	policy.DispatchInterval = 10 * time.Millisecond
	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{"test": {Type: "echo"}},
		Agents: []config.AgentConfig{
			{ID: "a1", Role: "writer", Provider: "test", Capabilities: []string{"writing"}},
		},
		Stages: []config.StageConfig{{
			Name: "draft",
			Tasks: []config.TaskConfig{
				{ID: "T1", Capabilities: []string{"writing"}, Payload: "Draft {{.Idea}}"},
				{ID: "T2", Capabilities: []string{"writing"}, DependsOn: []string{"T1"}, Payload: "Polish"},
			},
		}},
		Policy: policy,
		Store:  config.StoreConfig{Driver: "memory"},
	}
	echo := backend.Func(func(ctx context.Context, req backend.Request) (backend.Response, error) {
		return backend.Response{Content: "out:" + req.TaskID}, nil
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := orchestrator.New(orchestrator.Options{
		Config:   cfg,
		Store:    store,
		Logger:   logger,
		Backends: map[string]backend.Backend{"test": echo},
	})
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Close(ctx)
	})
	return e
}

func newTestServer(t *testing.T) (*orchestrator.Engine, http.Handler) {
	t.Helper()
	e := newTestEngine(t)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "# deepproduct metrics\n")
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return e, New(e, metrics, logger).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

// submitAndWait creates a run through the API and waits for it to finish.
func submitAndWait(t *testing.T, e *orchestrator.Engine, h http.Handler) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/runs", `{"idea":"a note taking app"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /runs = %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	decode(t, rec, &created)
	if created.ID == "" {
		t.Fatal("POST /runs returned no id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := e.Wait(ctx, created.ID); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return created.ID
}

func TestHealthz(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestRunLifecycle(t *testing.T) {
	e, h := newTestServer(t)
	id := submitAndWait(t, e, h)

	rec := do(t, h, http.MethodGet, "/runs/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /runs/:id = %d %s", rec.Code, rec.Body.String())
	}
	var snap orchestrator.RunSnapshot
	decode(t, rec, &snap)
	if snap.State != orchestrator.RunCompleted {
		t.Errorf("state = %v, want completed", snap.State)
	}
	if snap.StageOutputs["draft"] != "out:T2" {
		t.Errorf("stage outputs = %v", snap.StageOutputs)
	}
	if len(snap.Tasks) != 2 {
		t.Errorf("tasks = %+v", snap.Tasks)
	}

	rec = do(t, h, http.MethodGet, "/runs", "")
	var list struct {
		Runs []orchestrator.RunSummary `json:"runs"`
	}
	decode(t, rec, &list)
	if len(list.Runs) != 1 || list.Runs[0].ID != id {
		t.Errorf("GET /runs = %+v", list.Runs)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"abort finished run", http.MethodPost, "/runs/" + id + "/abort", "", http.StatusConflict},
		{"resume finished run", http.MethodPost, "/runs/" + id + "/resume", "", http.StatusConflict},
		{"revert non-decision entry", http.MethodPost, "/runs/" + id + "/revert", `{"seq":1}`, http.StatusConflict},
		{"revert without seq", http.MethodPost, "/runs/" + id + "/revert", `{}`, http.StatusBadRequest},
		{"unknown run", http.MethodGet, "/runs/missing", "", http.StatusNotFound},
		{"abort unknown run", http.MethodPost, "/runs/missing/abort", "", http.StatusNotFound},
		{"memory of unknown run", http.MethodGet, "/runs/missing/memory", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestCreateRunValidation(t *testing.T) {
	_, h := newTestServer(t)
	for _, body := range []string{`{}`, `not json`, `{"idea":"   "}`} {
		rec := do(t, h, http.MethodPost, "/runs", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("POST /runs %s = %d, want 400", body, rec.Code)
		}
	}
}

func TestRunMemory(t *testing.T) {
	e, h := newTestServer(t)
	id := submitAndWait(t, e, h)

	type memoryResponse struct {
		RunID   string `json:"run_id"`
		Entries []struct {
			Key     string `json:"key"`
			Content string `json:"content"`
		} `json:"entries"`
	}

	tests := []struct {
		name  string
		query string
		keys  []string
	}{
		{"all", "", []string{"stage:draft", "task:T1", "task:T2"}},
		{"by tag", "?tag=stage", []string{"stage:draft"}},
		{"by priority", "?priority=normal", []string{"task:T1", "task:T2"}},
		{"search", "?q=out:T1", []string{"task:T1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, "/runs/"+id+"/memory"+tt.query, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("GET memory = %d %s", rec.Code, rec.Body.String())
			}
			var resp memoryResponse
			decode(t, rec, &resp)
			if resp.RunID != id {
				t.Errorf("run_id = %q", resp.RunID)
			}
			var keys []string
			for _, e := range resp.Entries {
				keys = append(keys, e.Key)
			}
			if strings.Join(keys, ",") != strings.Join(tt.keys, ",") {
				t.Errorf("keys = %v, want %v", keys, tt.keys)
			}
		})
	}

	rec := do(t, h, http.MethodGet, "/runs/"+id+"/memory?q=x&limit=many", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rec.Code)
	}
}

func TestAgents(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/agents", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /agents = %d", rec.Code)
	}
	var resp struct {
		Agents []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"agents"`
	}
	decode(t, rec, &resp)
	if len(resp.Agents) != 1 || resp.Agents[0].ID != "a1" || resp.Agents[0].Status != "idle" {
		t.Errorf("agents = %+v", resp.Agents)
	}

	// Reinstating an available agent is a no-op.
	if rec := do(t, h, http.MethodPost, "/agents/a1/reinstate", ""); rec.Code != http.StatusOK {
		t.Errorf("reinstate a1 = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/agents/nobody/reinstate", ""); rec.Code != http.StatusNotFound {
		t.Errorf("reinstate unknown = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "deepproduct") {
		t.Errorf("GET /metrics = %d %q", rec.Code, rec.Body.String())
	}

	e := newTestEngine(t)
	bare := New(e, nil, nil).Handler()
	if rec := do(t, bare, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics without exporter = %d, want 404", rec.Code)
	}
}
