package migration

import (
	"context"

	"github.com/rflorenc/org-migrator/internal/mapping"
	"github.com/rflorenc/org-migrator/internal/metrics"
	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/schema"
)

// replay retries the objects whose references could not all be resolved
// when they were processed. A created object is updated once more of its
// references resolve, an object that failed is created again. References
// still unresolved after the last pass are reported missing.
func (rc *Context) replay(ctx context.Context) error {
	for pass := 1; pass <= rc.opts.ReplayPasses; pass++ {
		tasks := rc.Mapping.DrainReplays()
		if len(tasks) == 0 {
			break
		}
		rc.logf("")
		rc.logf("=== Replay pass %d: %d object(s) ===", pass, len(tasks))
		for _, task := range tasks {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := rc.replayTask(ctx, task); err != nil {
				return err
			}
		}
	}

	for _, task := range rc.Mapping.DrainReplays() {
		_, unresolved := rc.Mapping.FindAndReplace(task.Payload)
		for _, u := range unresolved {
			typ, name := rc.describe(u)
			rc.Mapping.AddMissing(typ, u.OldID, name)
		}
	}
	return nil
}

func (rc *Context) replayTask(ctx context.Context, task mapping.ReplayTask) error {
	route := schema.MustLookup(task.Scope, task.ObjectType)
	payload, unresolved := rc.Mapping.ReplaceAndStrip(task.Payload)
	label := task.Name
	if label == "" {
		label = task.OldID
	}

	requeue := func() {
		task.Pending = len(unresolved)
		task.RetryCount++
		rc.Mapping.QueueReplay(task)
	}
	if len(unresolved) >= task.Pending {
		requeue()
		return nil
	}

	if task.ObjectID != "" {
		if rc.opts.DryRun || rc.isPlaceholder(task.ObjectID) || rc.isPlaceholder(task.ScopeID) {
			rc.logf("  WOULD UPDATE: %s", label)
		} else if _, err := rc.api.Update(ctx, route, task.ScopeID, task.ObjectID, payload); err != nil {
			if abort(ctx, err) {
				return err
			}
			rc.Report.Warn("updating references of %s %q: %v", route.Key, label, err)
			rc.logf("  FAIL: %s: %v", label, err)
			requeue()
			return nil
		} else {
			rc.logf("  UPDATED: %s", label)
		}
	} else {
		created, err := rc.api.Create(ctx, route, task.ScopeID, payload)
		if err != nil {
			if abort(ctx, err) {
				return err
			}
			rc.Report.UpdateObject(route.Type, task.OldID, models.ActionFailed, "", err.Error())
			rc.logf("  FAIL: %s: %v", label, err)
			requeue()
			return nil
		}
		task.ObjectID = created.ID()
		if err := rc.mapID(task.ObjectID, task.OldID, task.Name); err != nil {
			rc.Report.Warn("%s %q: %v", route.Key, label, err)
		}
		rc.Report.UpdateObject(route.Type, task.OldID, models.ActionCreated, task.ObjectID, "")
		metrics.Objects.WithLabelValues(rc.operation, route.Key.String(), "recreated").Inc()
		rc.logf("  CREATED: %s (ID %s)", label, task.ObjectID)
	}

	if len(unresolved) > 0 {
		requeue()
	}
	return nil
}

// describe names the type and display name of an unresolved reference,
// from the bundle when the id was captured, from the key otherwise.
func (rc *Context) describe(u mapping.Unresolved) (string, string) {
	if ref, ok := rc.index[u.OldID]; ok {
		return ref.typ, ref.name
	}
	return schema.ReferenceType(u.Key), ""
}
