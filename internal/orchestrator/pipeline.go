package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mpieniak01/venom/internal/autonomy"
	"github.com/mpieniak01/venom/internal/costguard"
	"github.com/mpieniak01/venom/internal/events"
	"github.com/mpieniak01/venom/internal/taskstore"
	"github.com/mpieniak01/venom/internal/tracing"
	"github.com/mpieniak01/venom/pkg/types"
)

// errInterrupted 階段邊界發現 context 已取消
var errInterrupted = errors.New("task interrupted")

// ============================================================================
// 任務管線
// ============================================================================

// run 單一任務的 goroutine 入口，panic 在此邊界被攔截
func (o *Orchestrator) run(ctx context.Context, id types.TaskID) {
	admitted := time.Now()
	defer o.finish(id)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Task pipeline panicked", "taskID", id, "panic", r)
			o.fail(id, fmt.Errorf("panic: %v", r), admitted)
		}
	}()

	ctx, span := tracing.StartSpan(ctx, "task.pipeline", attribute.String("task.id", string(id)))
	result, err := o.pipeline(ctx, id)
	tracing.End(span, err)

	if err != nil {
		o.handleError(ctx, id, err, admitted)
		return
	}
	o.complete(id, result, admitted)
}

// finish 釋放槽位並移除取消函式
func (o *Orchestrator) finish(id types.TaskID) {
	o.mu.Lock()
	if cancel, ok := o.cancels[id]; ok {
		cancel()
		delete(o.cancels, id)
	}
	o.mu.Unlock()

	o.queue.Release(id)
	o.updateGauges()
	o.taskWg.Done()
}

func (o *Orchestrator) pipeline(ctx context.Context, id types.TaskID) (string, error) {
	task, ok := o.store.Get(id)
	if !ok {
		return "", ErrTaskNotFound
	}

	// 1. classify
	taskType := task.TaskType
	if taskType == "" {
		cctx, span := tracing.StartSpan(ctx, "task.classify")
		tt, err := o.classifier.Classify(cctx, task.Content)
		tracing.End(span, err)
		if err != nil {
			return "", fmt.Errorf("classify: %w", err)
		}
		taskType = tt
	}
	handler, ok := o.handlers[taskType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	err := o.checkpoint(ctx, id, fmt.Sprintf("classified as %s (skill %s)", taskType, handler.Skill), func(t *types.Task) {
		t.TaskType = taskType
		t.Skill = handler.Skill
	})
	if err != nil {
		return "", err
	}

	// 2. permission
	_, span := tracing.StartSpan(ctx, "task.permission", attribute.String("skill", handler.Skill))
	err = o.gate.Check(handler.Skill)
	tracing.End(span, err)
	if err != nil {
		var violation *autonomy.ViolationError
		if errors.As(err, &violation) {
			o.metrics.RecordViolation(handler.Skill)
		}
		return "", err
	}
	line := fmt.Sprintf("permission granted: %s requires %s, current %s",
		handler.Skill, o.gate.Required(handler.Skill), o.gate.CurrentLevel())
	if err := o.checkpoint(ctx, id, line, nil); err != nil {
		return "", err
	}

	// 3. route
	_, span = tracing.StartSpan(ctx, "task.route")
	decision := o.router.Route(taskType, task.Sensitivity, costguard.Mode(task.Mode))
	span.SetAttributes(
		attribute.String("target", string(decision.Target)),
		attribute.String("model", decision.ModelName))
	tracing.End(span, nil)
	o.metrics.RecordRouting(string(decision.Target), decision.Reason)

	line = fmt.Sprintf("routed to %s (model %s via %s): %s",
		decision.Target, decision.ModelName, decision.Provider, decision.Reason)
	err = o.checkpoint(ctx, id, line, func(t *types.Task) {
		d := decision
		t.Decision = &d
	})
	if err != nil {
		return "", err
	}

	// 4. dispatch
	dctx, span := tracing.StartSpan(ctx, "task.dispatch")
	result, err := o.dispatch(dctx, task, handler, decision)
	tracing.End(span, err)
	return result, err
}

// dispatch 選擇執行目標；敏感任務永遠留在本行程
func (o *Orchestrator) dispatch(ctx context.Context, task types.Task, handler Handler, decision types.RoutingDecision) (string, error) {
	params := make(map[string]string, len(task.Params)+1)
	for k, v := range task.Params {
		params[k] = v
	}
	if _, ok := params["input"]; !ok {
		params["input"] = task.Content
	}

	distribution := o.config.Distribution
	if task.Sensitivity == types.SensitivitySensitive {
		distribution = DistributionLocal
	}

	if distribution != DistributionLocal {
		types.AttachDecision(params, decision)
	}

	switch distribution {
	case DistributionNexus:
		node, err := o.remote.Select(handler.Capability)
		if err != nil {
			return "", fmt.Errorf("nexus: %w", err)
		}
		err = o.checkpoint(ctx, task.ID, fmt.Sprintf("dispatched to node %s at %s", node.NodeID, node.Address), func(t *types.Task) {
			t.Target = string(DistributionNexus)
			t.NodeID = node.NodeID
		})
		if err != nil {
			return "", err
		}
		o.metrics.RecordDispatch(string(DistributionNexus))
		result, err := o.remote.ExecuteOnNode(ctx, node.NodeID, handler.Skill, params, o.config.RemoteTimeout)
		if err != nil {
			return "", fmt.Errorf("node %s: %w", node.NodeID, err)
		}
		return result, nil

	case DistributionHive:
		err := o.checkpoint(ctx, task.ID, "enqueued on hive", func(t *types.Task) {
			t.Target = string(DistributionHive)
		})
		if err != nil {
			return "", err
		}
		o.metrics.RecordDispatch(string(DistributionHive))
		hctx, cancel := context.WithTimeout(ctx, o.config.RemoteTimeout)
		defer cancel()
		return o.hive.Dispatch(hctx, task.ID, handler.Skill, params, task.Priority)

	default:
		if o.executor == nil {
			return "", ErrNoExecutor
		}
		target := string(decision.Target)
		err := o.checkpoint(ctx, task.ID, fmt.Sprintf("dispatched to %s executor", target), func(t *types.Task) {
			t.Target = target
		})
		if err != nil {
			return "", err
		}
		o.metrics.RecordDispatch(target)
		return o.executor.Execute(types.ContextWithDecision(ctx, decision), handler.Skill, params)
	}
}

// checkpoint 階段邊界：檢查取消，並寫入日誌行（與 mutate 同一次持久化）
//
// 任務已被中止時 store 回傳 ErrTerminal，管線就此結束。
func (o *Orchestrator) checkpoint(ctx context.Context, id types.TaskID, line string, mutate func(*types.Task)) error {
	if ctx.Err() != nil {
		return errInterrupted
	}
	_, err := o.store.Update(id, func(t *types.Task) {
		if mutate != nil {
			mutate(t)
		}
		t.Logs = append(t.Logs, taskstore.FormatLog(time.Now(), line))
	})
	return err
}

// ============================================================================
// 結果處理
// ============================================================================

func (o *Orchestrator) complete(id types.TaskID, result string, admitted time.Time) {
	task, err := o.store.Transition(id, types.StatusCompleted, func(t *types.Task) {
		t.Result = result
		t.Logs = append(t.Logs, taskstore.FormatLog(time.Now(), "completed"))
	})
	if err != nil {
		// 中止後到達的結果直接丟棄
		log.Info("Discarding result of task that is no longer processing", "taskID", id, "error", err)
		return
	}

	latency := time.Since(admitted)
	o.metrics.RecordFinished(string(types.StatusCompleted), latency.Seconds())
	o.publishTask(events.EventTypeTaskCompleted, task, latency)
	log.Info("Task completed", "taskID", id, "target", task.Target, "duration", latency)
}

// handleError 區分：已中止（不動）、關閉中斷、一般失敗
func (o *Orchestrator) handleError(ctx context.Context, id types.TaskID, err error, admitted time.Time) {
	if current, ok := o.store.Get(id); ok && current.Status.IsTerminal() {
		log.Info("Task finished before pipeline error was recorded",
			"taskID", id, "status", current.Status, "error", err)
		return
	}
	if ctx.Err() != nil {
		err = errors.New("interrupted by shutdown")
	}
	o.fail(id, err, admitted)
}

func (o *Orchestrator) fail(id types.TaskID, cause error, admitted time.Time) {
	task, err := o.store.Transition(id, types.StatusFailed, func(t *types.Task) {
		t.Error = cause.Error()
		t.Logs = append(t.Logs, taskstore.FormatLog(time.Now(), "failed: "+cause.Error()))
	})
	if err != nil {
		log.Debug("Task already terminal, failure not recorded", "taskID", id, "cause", cause)
		return
	}

	latency := time.Since(admitted)
	o.metrics.RecordFinished(string(types.StatusFailed), latency.Seconds())
	o.publishTask(events.EventTypeTaskFailed, task, latency)
	log.Warn("Task failed", "taskID", id, "error", cause)
}

func (o *Orchestrator) publishTask(eventType string, t types.Task, d time.Duration) {
	o.bus.Publish(events.TaskEvent{
		Type:      eventType,
		ID:        t.ID,
		Status:    t.Status,
		TaskType:  t.TaskType,
		Target:    t.Target,
		Error:     t.Error,
		Duration:  d,
		Timestamp: t.UpdatedAt,
	})
}
