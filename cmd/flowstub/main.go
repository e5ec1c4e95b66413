// Command flowstub is a development stand-in for a Camunda 7 engine-rest
// endpoint. It speaks just enough of the dialect for the resolver's process
// lifecycle: starting a process opens one user task, completing that task
// closes it, deleting the instance drops both.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

type processInstance struct {
	ID            string
	DefinitionID  string
	DefinitionKey string
	BusinessKey   string
}

type task struct {
	ID            string
	Name          string
	DefinitionKey string
	Assignee      string
	Created       string
	BusinessKey   string
	InstanceID    string
}

type store struct {
	mu        sync.Mutex
	taskKey   string
	instances map[string]processInstance
	tasks     map[string]task
}

func newStore(taskKey string) *store {
	return &store{
		taskKey:   taskKey,
		instances: map[string]processInstance{},
		tasks:     map[string]task{},
	}
}

func (s *store) start(key string, businessKey string) processInstance {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := processInstance{
		ID:            newID(),
		DefinitionID:  key + ":1:" + newID(),
		DefinitionKey: key,
		BusinessKey:   businessKey,
	}
	s.instances[inst.ID] = inst
	t := task{
		ID:            newID(),
		Name:          taskName(s.taskKey),
		DefinitionKey: s.taskKey,
		Created:       time.Now().UTC().Format(time.RFC3339),
		BusinessKey:   businessKey,
		InstanceID:    inst.ID,
	}
	s.tasks[t.ID] = t
	return inst
}

func (s *store) list(businessKey string, definitionKey string) []processInstance {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []processInstance{}
	for _, inst := range s.instances {
		if businessKey != "" && inst.BusinessKey != businessKey {
			continue
		}
		if definitionKey != "" && inst.DefinitionKey != definitionKey {
			continue
		}
		out = append(out, inst)
	}
	return out
}

func (s *store) delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[id]; !ok {
		return false
	}
	delete(s.instances, id)
	for taskID, t := range s.tasks {
		if t.InstanceID == id {
			delete(s.tasks, taskID)
		}
	}
	return true
}

func (s *store) openTasks(businessKey string) []task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []task{}
	for _, t := range s.tasks {
		if businessKey != "" && t.BusinessKey != businessKey {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (s *store) complete(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return false
	}
	delete(s.tasks, taskID)
	return true
}

func main() {
	addr := getenvDefault("FLOWSTUB_ADDR", "127.0.0.1:8090")
	s := newStore(getenvDefault("FLOWSTUB_TASK_KEY", "review"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("POST /engine-rest/process-definition/key/{process_key}/start", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("process_key")
		var req struct {
			BusinessKey string         `json:"businessKey"`
			Variables   map[string]any `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		inst := s.start(key, strings.TrimSpace(req.BusinessKey))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           inst.ID,
			"definitionId": inst.DefinitionID,
			"businessKey":  inst.BusinessKey,
		})
	})
	mux.HandleFunc("GET /engine-rest/process-instance", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		out := []map[string]any{}
		for _, inst := range s.list(q.Get("businessKey"), q.Get("processDefinitionKey")) {
			out = append(out, map[string]any{
				"id":           inst.ID,
				"definitionId": inst.DefinitionID,
				"businessKey":  inst.BusinessKey,
			})
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("DELETE /engine-rest/process-instance/{instance_id}", func(w http.ResponseWriter, r *http.Request) {
		if !s.delete(r.PathValue("instance_id")) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /engine-rest/task", func(w http.ResponseWriter, r *http.Request) {
		out := []map[string]any{}
		for _, t := range s.openTasks(r.URL.Query().Get("processInstanceBusinessKey")) {
			out = append(out, map[string]any{
				"id":                t.ID,
				"name":              t.Name,
				"taskDefinitionKey": t.DefinitionKey,
				"assignee":          t.Assignee,
				"created":           t.Created,
			})
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("POST /engine-rest/task/{task_id}/complete", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables map[string]any `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !s.complete(r.PathValue("task_id")) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("flowstub: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}

func taskName(definitionKey string) string {
	if definitionKey == "" {
		return "Task"
	}
	return strings.ToUpper(definitionKey[:1]) + definitionKey[1:]
}

func newID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func getenvDefault(k string, def string) string {
	if v := os.Getenv(k); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
