// Package orchestrator drives research tasks through the pipeline state
// machine: Planning → Searching → Analyzing, looping until analysis declares
// sufficiency or the iteration budget runs out, then Validating → Reporting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strata-labs/researchd/internal/analytics"
	"github.com/strata-labs/researchd/internal/config"
	"github.com/strata-labs/researchd/internal/metrics"
	"github.com/strata-labs/researchd/internal/models"
	"github.com/strata-labs/researchd/internal/resilience"
	"github.com/strata-labs/researchd/internal/stages"
	"github.com/strata-labs/researchd/internal/streaming"
)

// Persister receives terminal task states for storage. Implementations must
// not block; the db writer queues internally.
type Persister interface {
	PersistTask(task models.Task, analytics *models.Analytics)
}

// Controller owns every task's lifecycle. Stages of one task run strictly
// sequentially; tasks run concurrently and share only the cache and the
// caller's internals.
type Controller struct {
	planner    *stages.Planner
	retrieval  *stages.Retrieval
	analysis   *stages.Analysis
	validation *stages.Validation
	report     *stages.Report

	streams   *streaming.Manager
	registry  *Registry
	persister Persister
	logger    *zap.Logger
	research  config.ResearchConfig

	// replayRetention bounds how long a finished task's event replay ring is
	// kept for late stream attachments before it is released.
	replayRetention time.Duration
}

const defaultReplayRetention = 5 * time.Minute

// New wires a controller from stage dependencies.
func New(deps stages.Deps, streams *streaming.Manager, persister Persister, logger *zap.Logger) *Controller {
	return &Controller{
		planner:    stages.NewPlanner(deps),
		retrieval:  stages.NewRetrieval(deps),
		analysis:   stages.NewAnalysis(deps),
		validation: stages.NewValidation(deps),
		report:     stages.NewReport(deps),
		streams:    streams,
		registry:   NewRegistry(),
		persister:  persister,
		logger:     logger,
		research:   deps.Research,

		replayRetention: defaultReplayRetention,
	}
}

// Registry exposes task snapshots to the API boundary.
func (c *Controller) Registry() *Registry { return c.registry }

// Snapshot returns a deep copy of the task's current state.
func (c *Controller) Snapshot(taskID string) (models.Task, bool) {
	return c.registry.Snapshot(taskID)
}

// Analytics returns the derived aggregates of a completed task.
func (c *Controller) Analytics(taskID string) (models.Analytics, bool) {
	return c.registry.Analytics(taskID)
}

// StartTask creates a task and drives it asynchronously. The returned
// snapshot reflects the initializing state.
func (c *Controller) StartTask(ctx context.Context, topic string, clarifications map[string]string, maxIterations int) (models.Task, error) {
	if len(topic) < 3 || len(topic) > 500 {
		return models.Task{}, fmt.Errorf("topic length must be between 3 and 500 characters")
	}
	if maxIterations <= 0 {
		maxIterations = c.research.MaxIterations
	}

	task := models.NewTask(uuid.New().String(), topic, clarifications, maxIterations)
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.research.TaskTimeout)
	e := c.registry.register(task, cancel)

	metrics.TasksStarted.Inc()
	c.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("topic", topic),
		zap.Int("max_iterations", maxIterations),
	)

	snap := task.Snapshot()
	go func() {
		defer cancel()
		c.run(runCtx, e)
		time.AfterFunc(c.replayRetention, func() { c.streams.Forget(task.ID) })
	}()
	return snap, nil
}

// RunTask drives a task synchronously and returns its terminal snapshot.
func (c *Controller) RunTask(ctx context.Context, topic string, clarifications map[string]string, maxIterations int) (models.Task, error) {
	snap, err := c.StartTask(ctx, topic, clarifications, maxIterations)
	if err != nil {
		return models.Task{}, err
	}
	return c.Wait(ctx, snap.ID)
}

// Wait blocks until the task reaches a terminal state.
func (c *Controller) Wait(ctx context.Context, taskID string) (models.Task, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap, ok := c.registry.Snapshot(taskID)
		if !ok {
			return models.Task{}, fmt.Errorf("task %s not found", taskID)
		}
		if snap.Status.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel requests cancellation; the task fails with the cancelled reason at
// its next suspension point.
func (c *Controller) Cancel(taskID string) bool { return c.registry.Cancel(taskID) }

// run is the state machine loop. It is the sole mutator of the task.
func (c *Controller) run(ctx context.Context, e *entry) {
	start := time.Now()
	taskID := e.task.ID

	c.transition(e, models.StatusPlanning, nil)

	var (
		gaps      []string
		suggested []string
	)
	for {
		// Planning: queries for iteration k use the gaps from analysis of
		// iteration k-1.
		snap := c.snapshot(e)
		plan, usage, err := c.planner.Plan(ctx, stages.PlanInput{
			Topic:          snap.Topic,
			Clarifications: snap.Clarifications,
			Gaps:           gaps,
			Suggested:      suggested,
			QueryHistory:   snap.QueryHistory,
			Iteration:      snap.Iteration,
		})
		c.addUsage(e, usage)
		if err != nil {
			c.fail(ctx, e, err, "planning failed")
			return
		}

		// The iteration counter increments exactly once per pass, here.
		c.mutate(e, func(t *models.Task) {
			t.Iteration++
			t.QueryHistory = append(t.QueryHistory, plan.Queries...)
			t.Counters.TotalQueries += len(plan.Queries)
		})
		c.transition(e, models.StatusSearching, &streaming.Event{
			Type: streaming.TypeQueryGeneration,
			Data: map[string]any{
				"queries":   plan.Queries,
				"reasoning": plan.Reasoning,
			},
		})

		// Searching: concurrent fan-out, join barrier inside the stage.
		snap = c.snapshot(e)
		res, usage, err := c.retrieval.Run(ctx, plan.Queries, snap.Iteration)
		c.addUsage(e, usage)
		if err != nil && len(snap.Findings) == 0 {
			// Every query failed and there is nothing from earlier
			// iterations to analyze: the task cannot make progress.
			c.fail(ctx, e, err, "retrieval failed with no prior findings")
			return
		}
		if ctx.Err() != nil {
			c.fail(ctx, e, ctx.Err(), "retrieval interrupted")
			return
		}

		newFindings := 0
		c.mutate(e, func(t *models.Task) {
			for _, f := range res.Findings {
				if t.AddFinding(f) {
					newFindings++
				}
			}
		})
		searchData := map[string]any{
			"results":      len(res.Findings),
			"new_findings": newFindings,
		}
		if len(res.QueryErrors) > 0 {
			searchData["query_errors"] = res.QueryErrors
		}
		c.transition(e, models.StatusAnalyzing, &streaming.Event{
			Type: streaming.TypeSearch,
			Data: searchData,
		})

		// Analyzing: verdict over the full cumulative finding set.
		snap = c.snapshot(e)
		verdict, usage, err := c.analysis.Run(ctx, stages.AnalysisInput{
			Topic:          snap.Topic,
			Clarifications: snap.Clarifications,
			Findings:       snap.Findings,
			QueryHistory:   snap.QueryHistory,
			Iteration:      snap.Iteration - 1,
			MaxIterations:  snap.MaxIterations,
		})
		c.addUsage(e, usage)
		if err != nil {
			c.fail(ctx, e, err, "analysis failed")
			return
		}

		c.mutate(e, func(t *models.Task) {
			t.Gaps = verdict.Gaps
			t.Coverage = verdict.Coverage
		})
		c.publish(e, streaming.Event{
			Type: streaming.TypeAnalysis,
			Data: map[string]any{
				"coverage":   verdict.Coverage,
				"sufficient": verdict.Sufficient,
				"gaps":       verdict.Gaps,
				"reasoning":  verdict.Reasoning,
			},
		})

		snap = c.snapshot(e)
		if verdict.Sufficient || snap.Iteration >= snap.MaxIterations {
			break
		}
		gaps = verdict.Gaps
		suggested = verdict.NextQueries
		c.transition(e, models.StatusPlanning, nil)
	}

	// Validating: once, after the loop.
	c.transition(e, models.StatusValidating, nil)
	snap := c.snapshot(e)
	validation, usage, err := c.validation.Run(ctx, snap.Topic, snap.Findings)
	c.addUsage(e, usage)
	if err != nil {
		c.fail(ctx, e, err, "validation failed")
		return
	}
	c.mutate(e, func(t *models.Task) { t.Validation = validation })
	c.publish(e, streaming.Event{
		Type: streaming.TypeValidation,
		Data: map[string]any{
			"valid":      validation.Valid,
			"confidence": validation.Confidence,
			"concerns":   validation.Concerns,
		},
	})

	// Reporting: failure here fails the task even with findings in hand.
	c.transition(e, models.StatusReporting, nil)
	snap = c.snapshot(e)
	report, usage, err := c.report.Run(ctx, stages.ReportInput{
		Topic:          snap.Topic,
		Clarifications: snap.Clarifications,
		Findings:       snap.Findings,
		Coverage:       snap.Coverage,
		Validation:     snap.Validation,
	})
	c.addUsage(e, usage)
	if err != nil {
		c.fail(ctx, e, err, "report generation failed")
		return
	}

	var final models.Task
	var aggregates models.Analytics
	c.mutate(e, func(t *models.Task) {
		now := time.Now().UTC()
		t.Report = report
		t.CompletedAt = &now
		t.Status = models.StatusCompleted
		aggregates = analytics.Compute(*t)
		final = t.Snapshot()
	})
	e.mu.Lock()
	e.analytics = &aggregates
	e.mu.Unlock()

	c.publish(e, streaming.Event{
		Type: streaming.TypeReport,
		Data: map[string]any{"report": report},
	})
	c.publish(e, streaming.Event{Type: streaming.TypeStatus})

	metrics.TasksCompleted.WithLabelValues(string(models.StatusCompleted), "").Inc()
	metrics.TaskDuration.Observe(time.Since(start).Seconds())
	metrics.TaskIterations.Observe(float64(final.Iteration))
	metrics.TaskTokensUsed.Observe(float64(final.Counters.TotalTokens))
	c.logger.Info("task completed",
		zap.String("task_id", taskID),
		zap.Int("iterations", final.Iteration),
		zap.Int("findings", len(final.Findings)),
		zap.Float64("coverage", final.Coverage),
	)

	if c.persister != nil {
		c.persister.PersistTask(final, &aggregates)
	}
}

func (c *Controller) snapshot(e *entry) models.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Snapshot()
}

func (c *Controller) mutate(e *entry, fn func(*models.Task)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.task)
}

func (c *Controller) addUsage(e *entry, u stages.Usage) {
	c.mutate(e, func(t *models.Task) {
		t.Counters.TotalSearches += u.Searches
		t.Counters.CacheHits += u.CacheHits
		t.Counters.TotalTokens += u.Tokens
	})
}

// transition moves the task to the next state and publishes either the given
// partial-result event or a bare status event.
func (c *Controller) transition(e *entry, to models.TaskStatus, evt *streaming.Event) {
	c.mutate(e, func(t *models.Task) {
		if !models.CanTransition(t.Status, to) {
			c.logger.Error("illegal state transition",
				zap.String("task_id", t.ID),
				zap.String("from", string(t.Status)),
				zap.String("to", string(to)),
			)
			return
		}
		t.Status = to
	})
	if evt == nil {
		evt = &streaming.Event{Type: streaming.TypeStatus}
	}
	c.publish(e, *evt)
}

func (c *Controller) publish(e *entry, evt streaming.Event) {
	snap := c.snapshot(e)
	evt.TaskID = snap.ID
	evt.Status = snap.Status
	evt.Iteration = snap.Iteration
	c.streams.Publish(evt)
}

// fail moves the task to Failed with a machine-readable reason derived from
// the error chain.
func (c *Controller) fail(ctx context.Context, e *entry, err error, msg string) {
	reason := classifyFailure(ctx, err)
	c.mutate(e, func(t *models.Task) {
		now := time.Now().UTC()
		t.Status = models.StatusFailed
		t.FailReason = reason
		t.FailMessage = fmt.Sprintf("%s: %v", msg, err)
		t.CompletedAt = &now
	})
	snap := c.snapshot(e)

	c.publish(e, streaming.Event{
		Type: streaming.TypeError,
		Data: map[string]any{
			"reason":  string(reason),
			"message": snap.FailMessage,
		},
	})
	metrics.TasksCompleted.WithLabelValues(string(models.StatusFailed), string(reason)).Inc()
	c.logger.Warn("task failed",
		zap.String("task_id", snap.ID),
		zap.String("reason", string(reason)),
		zap.Error(err),
	)

	if c.persister != nil {
		c.persister.PersistTask(snap, nil)
	}
}

func classifyFailure(ctx context.Context, err error) models.FailReason {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return models.ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.ReasonTimeout
	}
	var exhausted *resilience.ExhaustedError
	if errors.As(err, &exhausted) {
		return models.ReasonRetriesExhausted
	}
	if resilience.ClassOf(err) == resilience.Permanent {
		return models.ReasonPermanentError
	}
	return models.ReasonRetriesExhausted
}
