package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	iamtypes "github.com/casegate/casegate/modules/iam/domain/types"
	iamstore "github.com/casegate/casegate/modules/iam/infrastructure/persistence"
	"github.com/casegate/casegate/modules/record/domain/ports"
	"github.com/casegate/casegate/modules/record/domain/schema"
	recordstore "github.com/casegate/casegate/modules/record/infrastructure/persistence"
)

// engineStub plays the workflow engine in-process: one review task opens per
// started process and lives until completed.
type engineStub struct {
	mu        sync.Mutex
	starts    []string
	instances map[string][]ports.ProcessInstance
	tasks     map[string][]ports.Task
	completed []string
}

func (e *engineStub) StartProcess(_ context.Context, processKey string, businessKey string) (ports.ProcessInstance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts = append(e.starts, processKey+"/"+businessKey)
	inst := ports.ProcessInstance{ID: "pi-" + businessKey, BusinessKey: businessKey}
	if e.instances == nil {
		e.instances = map[string][]ports.ProcessInstance{}
	}
	if e.tasks == nil {
		e.tasks = map[string][]ports.Task{}
	}
	e.instances[businessKey] = append(e.instances[businessKey], inst)
	e.tasks[businessKey] = append(e.tasks[businessKey], ports.Task{
		ID:            "t-" + businessKey,
		Name:          "Review",
		DefinitionKey: "review",
		Created:       "2026-04-01T09:00:00Z",
	})
	return inst, nil
}

func (e *engineStub) ProcessInstances(_ context.Context, businessKey string, _ string) ([]ports.ProcessInstance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ports.ProcessInstance(nil), e.instances[businessKey]...), nil
}

func (e *engineStub) DeleteProcessInstance(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, list := range e.instances {
		kept := list[:0]
		for _, inst := range list {
			if inst.ID != id {
				kept = append(kept, inst)
			}
		}
		e.instances[key] = kept
	}
	return nil
}

func (e *engineStub) Tasks(_ context.Context, q ports.TaskQuery) ([]ports.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var pool []ports.Task
	if q.BusinessKey != "" {
		pool = e.tasks[q.BusinessKey]
	} else {
		for _, list := range e.tasks {
			pool = append(pool, list...)
		}
	}
	out := []ports.Task{}
	for _, task := range pool {
		if q.TaskID != "" && task.ID != q.TaskID {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

func (e *engineStub) CompleteTask(_ context.Context, taskID string, _ map[string]ports.Variable) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, list := range e.tasks {
		kept := list[:0]
		for _, task := range list {
			if task.ID == taskID {
				e.completed = append(e.completed, taskID)
				continue
			}
			kept = append(kept, task)
		}
		e.tasks[key] = kept
	}
	return nil
}

func (e *engineStub) startCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.starts)
}

func (e *engineStub) completedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.completed)
}

// newTestHandler wires the handler over in-memory stores and the stub engine.
// Entity schemas, the allowlist, enums and the casbin pair all load from the
// shipped config tree, so these tests also prove that tree parses.
func newTestHandler(t *testing.T) (http.Handler, *engineStub) {
	t.Helper()

	schemas, err := schema.LoadDir("../../config/entities")
	if err != nil {
		t.Fatal(err)
	}
	records := recordstore.NewRecordMemoryStore(schemas)
	identities := iamstore.NewIdentityMemoryStore(
		iamtypes.Identity{ID: "11111111-1111-7111-8111-111111111111", Ref: "ident-alice", Email: "alice@example.com", Roles: []string{"user"}},
	)
	engine := &engineStub{}

	h, err := NewHandlerWithOptions(HandlerOptions{
		Records:    records,
		Identities: identities,
		Engine:     engine,
		Schemas:    schemas,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	return h, engine
}

func doJSON(t *testing.T, h http.Handler, method string, target string, body string, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("body=%s err=%v", rec.Body.String(), err)
	}
	return out
}

func TestNewHandler_DefaultWiring(t *testing.T) {
	h, err := NewHandler()
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestHandler_RecordsFlow(t *testing.T) {
	h, engine := newTestHandler(t)

	t.Run("anonymous create denied", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/records/api/instances", `{"entity":"claim","fields":{"title":"roof leak"}}`, "")
		if rec.Code != http.StatusForbidden || responseCode(t, rec) != "forbidden" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	var claimID string
	t.Run("create applies defaults and starts process", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/records/api/instances",
			`{"entity":"claim","fields":{"title":"roof leak","description":"water damage","internal_notes":"sensitive note"}}`, "ident-alice")
		if rec.Code != http.StatusCreated {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		out := decodeBody(t, rec)
		claimID, _ = out["id"].(string)
		if claimID == "" {
			t.Fatalf("body=%s", rec.Body.String())
		}
		if out["status"] != "open" || out["severity"] != "sev_normal" {
			t.Fatalf("body=%s", rec.Body.String())
		}
		if out["reporter_id"] != "11111111-1111-7111-8111-111111111111" {
			t.Fatalf("body=%s", rec.Body.String())
		}
		if engine.startCount() != 1 {
			t.Fatalf("starts=%v", engine.starts)
		}
	})

	t.Run("anonymous read redacts protected fields", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/records/api/instance?entity=claim&id="+claimID+"&fields=title,description,internal_notes", "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		out := decodeBody(t, rec)
		if out["title"] != "roof leak" {
			t.Fatalf("body=%s", rec.Body.String())
		}
		if _, ok := out["description"]; ok {
			t.Fatalf("body=%s", rec.Body.String())
		}
		restricted, _ := out["restrictedFields"].([]any)
		if len(restricted) != 2 || restricted[0] != "description" || restricted[1] != "internal_notes" {
			t.Fatalf("restricted=%v", restricted)
		}
	})

	t.Run("expanded roles read everything", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/records/api/instance?entity=claim&id="+claimID+"&fields=title,description,internal_notes", "", "ident-alice")
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		out := decodeBody(t, rec)
		if out["description"] != "water damage" || out["internal_notes"] != "sensitive note" {
			t.Fatalf("body=%s", rec.Body.String())
		}
		if _, ok := out["restrictedFields"]; ok {
			t.Fatalf("body=%s", rec.Body.String())
		}
	})

	var secondID string
	t.Run("update rewrites fields", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/records/api/instances", `{"entity":"claim","fields":{"title":"awning"}}`, "ident-alice")
		if rec.Code != http.StatusCreated {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		secondID, _ = decodeBody(t, rec)["id"].(string)

		rec = doJSON(t, h, http.MethodPost, "/records/api/instances:update",
			`{"entity":"claim","id":"`+secondID+`","fields":{"status":"closed"}}`, "ident-alice")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"updated":true`) {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("list filters and sorts", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/records/api/instances?entity=claim&status=open&fields=title,status", "", "ident-alice")
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var out instancesResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatal(err)
		}
		if len(out.Instances) != 1 || out.Instances[0]["id"] != claimID {
			t.Fatalf("body=%s", rec.Body.String())
		}

		rec = doJSON(t, h, http.MethodGet, "/records/api/instances?entity=claim&status=open&status=closed&sort=-title&fields=title", "", "ident-alice")
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		out = instancesResponse{}
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatal(err)
		}
		if len(out.Instances) != 2 || out.Instances[0]["title"] != "roof leak" || out.Instances[1]["title"] != "awning" {
			t.Fatalf("body=%s", rec.Body.String())
		}
	})

	t.Run("tasks list and completion", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/records/api/instance/tasks?entity=claim&id="+claimID, "", "ident-alice")
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var tasks tasksResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
			t.Fatal(err)
		}
		if len(tasks.Tasks) != 1 || tasks.Tasks[0].DefinitionKey != "review" {
			t.Fatalf("body=%s", rec.Body.String())
		}

		rec = doJSON(t, h, http.MethodPost, "/records/api/tasks:complete",
			`{"entity":"claim","id":"`+claimID+`","task_id":"`+tasks.Tasks[0].ID+`","fields":{"status":"approved"}}`, "ident-alice")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"completed":true`) {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		if engine.completedCount() != 1 {
			t.Fatalf("completed=%v", engine.completed)
		}

		rec = doJSON(t, h, http.MethodGet, "/records/api/instance?entity=claim&id="+claimID+"&fields=status", "", "ident-alice")
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		if got := decodeBody(t, rec)["status"]; got != "approved" {
			t.Fatalf("status=%v", got)
		}
	})

	t.Run("destroy tears down process instances once", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/records/api/instances:destroy",
			`{"entity":"claim","id":"`+claimID+`"}`, "ident-alice")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"destroyed":true`) {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}

		rec = doJSON(t, h, http.MethodPost, "/records/api/instances:destroy",
			`{"entity":"claim","id":"`+claimID+`"}`, "ident-alice")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"destroyed":false`) {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("unknown api path is a json 404", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/records/api/nope", "", "")
		if rec.Code != http.StatusNotFound || responseCode(t, rec) != "not_found" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Fatalf("content-type=%q", ct)
		}
	})
}

func TestHandler_IdentitiesRoutes(t *testing.T) {
	h, _ := newTestHandler(t)

	t.Run("anonymous denied", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/iam/api/identities", "", "")
		if rec.Code != http.StatusForbidden || responseCode(t, rec) != "forbidden" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		rec = doJSON(t, h, http.MethodPost, "/iam/api/identities", `{"ref":"ident-eve"}`, "")
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("bearer lists and creates", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/iam/api/identities", "", "ident-alice")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ident-alice") {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}

		rec = doJSON(t, h, http.MethodPost, "/iam/api/identities", `{"ref":"ident-cara","roles":["user"]}`, "ident-alice")
		if rec.Code != http.StatusCreated {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}

		rec = doJSON(t, h, http.MethodGet, "/iam/api/identities", "", "ident-alice")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ident-cara") {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})
}
