package services

import (
	"context"
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	iamtypes "github.com/casegate/casegate/modules/iam/domain/types"
	"github.com/casegate/casegate/modules/record/domain/ports"
	"github.com/casegate/casegate/modules/record/domain/schema"
	"github.com/casegate/casegate/modules/record/domain/types"
	"github.com/casegate/casegate/pkg/apperr"
	"github.com/casegate/casegate/pkg/policy"
)

func (r *resolver) Destroy(ctx context.Context, scope *Scope, req DestroyRequest) (bool, error) {
	if scope == nil {
		scope = NewScope("")
	}
	sch, table, err := r.entitySchema(req.Entity)
	if err != nil {
		return false, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return false, apperr.NewUserInput("id is required")
	}

	rec, ident, err := r.loadJoined(ctx, scope, sch, id, nil)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, apperr.NewNotFound(sch.Entity(), id)
	}

	base, err := r.baseTargets(ctx, ident)
	if err != nil {
		return false, err
	}
	owner := ownsRecord(sch, ident, rec)
	targets := withOwner(base, owner)

	if _, err := r.gate(ctx, table, targets, policy.ActionAccess, rec, owner); err != nil {
		return false, err
	}
	if _, err := r.gate(ctx, table, targets, policy.ActionDestroy, rec, owner); err != nil {
		return false, err
	}

	if applyStateFields(sch, rec, req.Fields) {
		rec.Updated = timeNow().UTC()
		if err := r.records.Update(ctx, rec); err != nil {
			r.logger.ErrorContext(ctx, "record update failed", "entity", sch.Entity(), "id", rec.ID, "err", err)
			return false, apperr.NewEngine("record update", err)
		}
	}

	key := sch.ProcessKey()
	if key == "" {
		return false, nil
	}
	instances, err := r.engine.ProcessInstances(ctx, rec.ID, key)
	if err != nil {
		r.logger.ErrorContext(ctx, "process teardown failed", "entity", sch.Entity(), "id", rec.ID, "err", err)
		return false, apperr.NewEngine("process teardown", err)
	}
	if len(instances) == 0 {
		// Already clean; destroying twice is not an error.
		return false, nil
	}
	for _, inst := range instances {
		if err := r.engine.DeleteProcessInstance(ctx, inst.ID); err != nil {
			r.logger.ErrorContext(ctx, "process teardown failed", "entity", sch.Entity(), "id", rec.ID, "instance", inst.ID, "err", err)
			return false, apperr.NewEngine("process teardown", err)
		}
	}
	return true, nil
}

func (r *resolver) Tasks(ctx context.Context, scope *Scope, req TasksRequest) ([]ports.Task, error) {
	if scope == nil {
		scope = NewScope("")
	}
	sch, table, err := r.entitySchema(req.Entity)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return nil, apperr.NewUserInput("id is required")
	}

	rec, ident, err := r.loadJoined(ctx, scope, sch, id, nil)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.NewNotFound(sch.Entity(), id)
	}

	base, err := r.baseTargets(ctx, ident)
	if err != nil {
		return nil, err
	}
	owner := ownsRecord(sch, ident, rec)
	targets := withOwner(base, owner)

	match, err := r.gate(ctx, table, targets, policy.ActionTask, rec, owner)
	if err != nil {
		return nil, err
	}

	tasks, err := r.engine.Tasks(ctx, ports.TaskQuery{BusinessKey: rec.ID})
	if err != nil {
		r.logger.ErrorContext(ctx, "task list failed", "entity", sch.Entity(), "id", rec.ID, "err", err)
		return nil, apperr.NewEngine("task list", err)
	}
	if match.Tasks == nil {
		return tasks, nil
	}
	out := make([]ports.Task, 0, len(tasks))
	for _, task := range tasks {
		if match.TaskAllowed(task.DefinitionKey) {
			out = append(out, task)
		}
	}
	return out, nil
}

func (r *resolver) CompleteTask(ctx context.Context, scope *Scope, req CompleteTaskRequest) (bool, error) {
	if scope == nil {
		scope = NewScope("")
	}
	sch, table, err := r.entitySchema(req.Entity)
	if err != nil {
		return false, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return false, apperr.NewUserInput("id is required")
	}
	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		return false, apperr.NewUserInput("task id is required")
	}

	group, gctx := errgroup.WithContext(ctx)
	var rec *types.Record
	var ident *iamtypes.Identity
	var tasks []ports.Task
	group.Go(func() error {
		var err error
		rec, err = r.load(gctx, scope, sch, id, nil)
		return err
	})
	group.Go(func() error {
		var err error
		ident, err = r.identity(gctx, scope)
		return err
	})
	group.Go(func() error {
		var err error
		tasks, err = r.engine.Tasks(gctx, ports.TaskQuery{BusinessKey: id, TaskID: taskID})
		if err != nil {
			r.logger.ErrorContext(gctx, "task list failed", "entity", sch.Entity(), "id", id, "err", err)
			return apperr.NewEngine("task list", err)
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return false, err
	}
	if rec == nil {
		return false, apperr.NewNotFound(sch.Entity(), id)
	}
	if len(tasks) == 0 {
		return false, apperr.NewNotFound("task", taskID)
	}
	task := tasks[0]

	base, err := r.baseTargets(ctx, ident)
	if err != nil {
		return false, err
	}
	owner := ownsRecord(sch, ident, rec)
	targets := withOwner(base, owner)

	if _, err := r.gate(ctx, table, targets, policy.ActionAccess, rec, owner); err != nil {
		return false, err
	}
	match, err := r.gate(ctx, table, targets, policy.ActionTask, rec, owner)
	if err != nil {
		return false, err
	}
	if !match.TaskAllowed(task.DefinitionKey) {
		return false, apperr.NewAuthorization("task " + strconv.Quote(task.DefinitionKey) + " denied")
	}

	changed := applyStateFields(sch, rec, req.Fields)
	vars := map[string]ports.Variable{}
	for k, v := range req.Fields {
		typed, ok := typedVariable(v)
		if !ok {
			continue
		}
		vars[k] = typed
	}

	if changed {
		rec.Updated = timeNow().UTC()
		if err := r.records.Update(ctx, rec); err != nil {
			r.logger.ErrorContext(ctx, "record update failed", "entity", sch.Entity(), "id", rec.ID, "err", err)
			return false, apperr.NewEngine("record update", err)
		}
	}
	if err := r.engine.CompleteTask(ctx, task.ID, vars); err != nil {
		r.logger.ErrorContext(ctx, "task complete failed", "entity", sch.Entity(), "id", rec.ID, "task", task.ID, "err", err)
		return false, apperr.NewEngine("task complete", err)
	}
	return true, nil
}

// applyStateFields writes the schema's state fields from caller input,
// bypassing the write ACL; everything else is dropped. Transition gating
// happens at the destroy/task action level.
func applyStateFields(sch *schema.Schema, rec *types.Record, fields map[string]any) bool {
	changed := false
	for k, v := range fields {
		if !sch.IsStateField(k) {
			continue
		}
		if cur, ok := rec.Field(k); ok && reflect.DeepEqual(cur, v) {
			continue
		}
		rec.SetField(k, v)
		changed = true
	}
	return changed
}

// typedVariable maps a scalar-or-null field value to an engine variable.
// Non-scalar values are not forwarded.
func typedVariable(v any) (ports.Variable, bool) {
	switch t := v.(type) {
	case nil:
		return ports.Variable{Value: nil, Type: "Null"}, true
	case string:
		return ports.Variable{Value: t, Type: "String"}, true
	case bool:
		return ports.Variable{Value: t, Type: "Boolean"}, true
	case float64:
		return numberVariable(t), true
	case int:
		return numberVariable(float64(t)), true
	case int64:
		return numberVariable(float64(t)), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return ports.Variable{}, false
		}
		return numberVariable(f), true
	default:
		return ports.Variable{}, false
	}
}

func numberVariable(f float64) ports.Variable {
	if f == math.Trunc(f) {
		if f >= math.MinInt32 && f <= math.MaxInt32 {
			return ports.Variable{Value: f, Type: "Integer"}
		}
		return ports.Variable{Value: f, Type: "Long"}
	}
	return ports.Variable{Value: f, Type: "Double"}
}
