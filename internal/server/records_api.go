package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/casegate/casegate/internal/routing"
	"github.com/casegate/casegate/modules/record/domain/ports"
	"github.com/casegate/casegate/modules/record/services"
	"github.com/casegate/casegate/pkg/apperr"
)

type instancesResponse struct {
	Instances []map[string]any `json:"instances"`
}

type instanceMutationPayload struct {
	Entity string         `json:"entity"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

type updateResponse struct {
	Updated bool `json:"updated"`
}

type destroyResponse struct {
	Destroyed bool `json:"destroyed"`
}

type taskItem struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DefinitionKey string `json:"definition_key"`
	Assignee      string `json:"assignee,omitempty"`
	Created       string `json:"created,omitempty"`
}

type tasksResponse struct {
	Tasks []taskItem `json:"tasks"`
}

type completeTaskPayload struct {
	Entity string         `json:"entity"`
	ID     string         `json:"id"`
	TaskID string         `json:"task_id"`
	Fields map[string]any `json:"fields"`
}

type completeTaskResponse struct {
	Completed bool `json:"completed"`
}

func handleInstanceAPI(w http.ResponseWriter, r *http.Request, resolver services.InstanceResolver) {
	q := r.URL.Query()
	out, err := resolver.Get(r.Context(), services.ScopeFrom(r.Context()), services.GetRequest{
		Entity: q.Get("entity"),
		ID:     q.Get("id"),
		Fields: parseFieldsParam(q.Get("fields")),
	})
	if err != nil {
		writeResolverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func handleInstancesAPI(w http.ResponseWriter, r *http.Request, resolver services.InstanceResolver) {
	switch r.Method {
	case http.MethodGet:
		handleInstancesListAPI(w, r, resolver)
	case http.MethodPost:
		handleInstancesCreateAPI(w, r, resolver)
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleInstancesListAPI(w http.ResponseWriter, r *http.Request, resolver services.InstanceResolver) {
	q := r.URL.Query()
	rows, err := resolver.List(r.Context(), services.ScopeFrom(r.Context()), services.ListRequest{
		Entity:  q.Get("entity"),
		Filters: parseFilterParams(q),
		Sort:    parseSortParam(q["sort"]),
		Fields:  parseFieldsParam(q.Get("fields")),
	})
	if err != nil {
		writeResolverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instancesResponse{Instances: rows})
}

func handleInstancesCreateAPI(w http.ResponseWriter, r *http.Request, resolver services.InstanceResolver) {
	var req instanceMutationPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json body")
		return
	}
	out, err := resolver.Create(r.Context(), services.ScopeFrom(r.Context()), services.CreateRequest{
		Entity: req.Entity,
		Fields: req.Fields,
	})
	if err != nil {
		writeResolverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func handleInstancesUpdateAPI(w http.ResponseWriter, r *http.Request, resolver services.InstanceResolver) {
	var req instanceMutationPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json body")
		return
	}
	updated, err := resolver.Update(r.Context(), services.ScopeFrom(r.Context()), services.UpdateRequest{
		Entity: req.Entity,
		ID:     req.ID,
		Fields: req.Fields,
	})
	if err != nil {
		writeResolverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{Updated: updated})
}

func handleInstancesDestroyAPI(w http.ResponseWriter, r *http.Request, resolver services.InstanceResolver) {
	var req instanceMutationPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json body")
		return
	}
	destroyed, err := resolver.Destroy(r.Context(), services.ScopeFrom(r.Context()), services.DestroyRequest{
		Entity: req.Entity,
		ID:     req.ID,
		Fields: req.Fields,
	})
	if err != nil {
		writeResolverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, destroyResponse{Destroyed: destroyed})
}

func handleInstanceTasksAPI(w http.ResponseWriter, r *http.Request, resolver services.InstanceResolver) {
	q := r.URL.Query()
	tasks, err := resolver.Tasks(r.Context(), services.ScopeFrom(r.Context()), services.TasksRequest{
		Entity: q.Get("entity"),
		ID:     q.Get("id"),
	})
	if err != nil {
		writeResolverError(w, r, err)
		return
	}
	items := make([]taskItem, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, taskItemFromPort(task))
	}
	writeJSON(w, http.StatusOK, tasksResponse{Tasks: items})
}

func handleTasksCompleteAPI(w http.ResponseWriter, r *http.Request, resolver services.InstanceResolver) {
	var req completeTaskPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json body")
		return
	}
	completed, err := resolver.CompleteTask(r.Context(), services.ScopeFrom(r.Context()), services.CompleteTaskRequest{
		Entity: req.Entity,
		ID:     req.ID,
		TaskID: req.TaskID,
		Fields: req.Fields,
	})
	if err != nil {
		writeResolverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, completeTaskResponse{Completed: completed})
}

func taskItemFromPort(task ports.Task) taskItem {
	return taskItem{
		ID:            task.ID,
		Name:          task.Name,
		DefinitionKey: task.DefinitionKey,
		Assignee:      task.Assignee,
		Created:       task.Created,
	}
}

// parseFieldsParam splits the comma-separated field selection. Names with the
// "__" meta prefix are client-side concerns and never reach the resolver.
func parseFieldsParam(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" || strings.HasPrefix(part, "__") {
			continue
		}
		out = append(out, part)
	}
	return out
}

// parseFilterParams treats every query key that is not part of the protocol
// as a field filter. Repeated keys become a multi-value filter.
func parseFilterParams(q map[string][]string) map[string]any {
	filters := map[string]any{}
	for key, values := range q {
		switch key {
		case "entity", "fields", "sort":
			continue
		}
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			filters[key] = values[0]
			continue
		}
		filters[key] = append([]string(nil), values...)
	}
	return filters
}

// parseSortParam reads sort=title,-created style directives; a leading dash
// means descending.
func parseSortParam(raw []string) map[string]any {
	sort := map[string]any{}
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			desc := strings.HasPrefix(part, "-")
			field := strings.TrimPrefix(part, "-")
			if field == "" {
				continue
			}
			sort[field] = desc
		}
	}
	return sort
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeResolverError maps the resolver error taxonomy onto the wire: caller
// input 422, missing instance 404, policy denial 403, broken entity
// configuration 500, engine or storage trouble 502.
func writeResolverError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case apperr.IsUserInput(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_request", err.Error())
	case apperr.IsNotFound(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "not_found", err.Error())
	case apperr.IsAuthorization(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusForbidden, "forbidden", err.Error())
	case apperr.IsConfiguration(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "entity_not_configured", err.Error())
	case apperr.IsEngine(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadGateway, "engine_unavailable", err.Error())
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
