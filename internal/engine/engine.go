package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"area-automator-api/internal/domain"
	"area-automator-api/internal/interpolate"
	"area-automator-api/internal/registry"
	"area-automator-api/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine is the scheduler that re-evaluates every active automation's
// trigger on a fixed interval and drives reactions when a trigger fires.
// All failures are contained at the automation boundary; nothing escapes
// to abort a cycle.
type Engine struct {
	store    store.Storer
	registry *registry.Registry
	logger   *zap.Logger
	metrics  *Metrics

	interval time.Duration
	timeout  time.Duration

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inFlight sync.Map // automation id -> struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithInterval sets the cycle interval (default 30s, like dev).
func WithInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithAutomationTimeout bounds one automation's pipeline per cycle.
func WithAutomationTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithMetrics installs registered metrics (default: unregistered).
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New ...
func New(s store.Storer, reg *registry.Registry, log *zap.Logger, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}

	e := &Engine{
		store:    s,
		registry: reg,
		logger:   log,
		interval: 30 * time.Second,
		timeout:  45 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}

	return e, nil
}

// Start launches the cycle loop in a background goroutine. The first cycle
// runs immediately rather than waiting a full interval.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.logger.Info("starting automation engine",
		zap.String("component", "engine"),
		zap.Duration("interval", e.interval))

	e.wg.Add(1)
	go e.run(ctx)
}

// Stop cancels the loop and waits for in-flight evaluations to drain.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.logger.Info("automation engine stopped", zap.String("component", "engine"))
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

// runCycle loads all active automations and fans them out concurrently.
// A slow provider only delays its own automation; an automation whose
// previous evaluation is still running is skipped this cycle.
func (e *Engine) runCycle(ctx context.Context) {
	start := time.Now()

	automations, err := e.store.LoadActiveAutomations(ctx)
	if err != nil {
		e.logger.Error("could not load active automations",
			zap.String("component", "engine"), zap.Error(err))
		return
	}

	e.logger.Debug("running evaluation cycle",
		zap.String("component", "engine"),
		zap.Int("automations", len(automations)))

	var wg sync.WaitGroup
	for _, auto := range automations {
		if _, busy := e.inFlight.LoadOrStore(auto.ID, struct{}{}); busy {
			e.metrics.AutomationsSkipped.Inc()
			e.logger.Debug("previous evaluation still running, skipping",
				zap.String("component", "engine"),
				zap.String("automation_id", auto.ID.String()))
			continue
		}

		wg.Add(1)
		go func(auto domain.Automation) {
			defer wg.Done()
			defer e.inFlight.Delete(auto.ID)

			actx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			e.evaluate(actx, auto)
		}(auto)
	}
	wg.Wait()

	e.metrics.CyclesTotal.Inc()
	e.metrics.CycleDuration.Observe(time.Since(start).Seconds())
}

// EvaluateOnce runs the per-automation pipeline out-of-band, so a brand-new
// automation gets its first watermark without waiting for the next tick.
func (e *Engine) EvaluateOnce(ctx context.Context, automationID uuid.UUID) error {
	auto, err := e.store.GetAutomationByID(ctx, automationID)
	if err != nil {
		return fmt.Errorf("could not load automation: %w", err)
	}
	if !auto.IsActive {
		return fmt.Errorf("automation %s is not active", automationID)
	}

	if _, busy := e.inFlight.LoadOrStore(auto.ID, struct{}{}); busy {
		return fmt.Errorf("automation %s is already being evaluated", automationID)
	}
	defer e.inFlight.Delete(auto.ID)

	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	e.evaluate(actx, auto)

	return nil
}

// evaluate is the per-automation pipeline: resolve the action owner, run the
// check, fan reactions out over the payload, persist the watermark.
func (e *Engine) evaluate(ctx context.Context, auto domain.Automation) {
	log := e.logger.With(
		zap.String("component", "engine"),
		zap.String("automation_id", auto.ID.String()),
		zap.String("automation", auto.Name))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in automation pipeline", zap.Any("panic", r))
		}
	}()

	e.metrics.AutomationsEvaluated.Inc()

	_, action, ok := e.registry.FindActionOwner(auto.ActionID)
	if !ok {
		// Configuration problem: log and skip for this cycle, do not
		// disable the automation.
		log.Warn("action id not registered, skipping automation",
			zap.String("action_id", auto.ActionID))
		e.logOutcome(ctx, auto.ID, nil, domain.LogSkipped, nil,
			fmt.Sprintf("action %s not registered", auto.ActionID))
		return
	}

	result, err := action.Check(ctx, auto.UserID, auto.ActionParams, auto.ActionState)
	if err != nil {
		if errors.Is(err, registry.ErrMalformedState) {
			// Contract violation: do not repair, pause until an
			// operator intervenes.
			log.Error("persisted action state violates the action's contract, pausing automation",
				zap.Error(err))
			if pauseErr := e.store.SetAutomationActive(ctx, auto.ID, false); pauseErr != nil {
				log.Error("could not pause automation", zap.Error(pauseErr))
			}
			e.recordExecution(ctx, auto.ID, err.Error(), log)
			return
		}

		// Transient: no trigger this cycle, previous watermark untouched.
		e.metrics.CheckErrors.Inc()
		log.Warn("action check failed, treating as no trigger", zap.Error(err))
		e.recordExecution(ctx, auto.ID, err.Error(), log)
		return
	}

	if result == nil {
		// No change this cycle.
		return
	}

	var errLog string
	if result.Data != nil {
		e.metrics.TriggersFired.Inc()
		log.Info("trigger fired", zap.String("action_id", auto.ActionID))
		errLog = e.executeReactions(ctx, auto, result.Data, log)
	}

	// The watermark is persisted regardless of reaction outcome, so a flaky
	// reaction cannot cause the trigger to re-fire indefinitely.
	if len(result.Save) > 0 {
		if err := e.store.SaveActionState(ctx, auto.ID, result.Save); err != nil {
			log.Error("could not persist action state", zap.Error(err))
		}
	}

	e.recordExecution(ctx, auto.ID, errLog, log)
}

// executeReactions runs every reaction binding independently; one failing
// reaction does not prevent the remaining reactions from attempting
// execution. Returns a combined error log for the user, empty on success.
func (e *Engine) executeReactions(ctx context.Context, auto domain.Automation, data map[string]any, log *zap.Logger) string {
	var failures []string

	for _, binding := range auto.Reactions {
		_, reaction, ok := e.registry.FindReactionOwner(binding.ReactionID)
		if !ok {
			log.Warn("reaction id not registered, skipping",
				zap.String("reaction_id", binding.ReactionID))
			e.logOutcome(ctx, auto.ID, &binding.ReactionID, domain.LogSkipped, nil,
				fmt.Sprintf("reaction %s not registered", binding.ReactionID))
			failures = append(failures, fmt.Sprintf("%s: not registered", binding.ReactionID))
			continue
		}

		rendered := interpolate.Params(binding.Params, data)

		if err := reaction.Execute(ctx, auto.UserID, rendered, data); err != nil {
			e.metrics.ReactionFailures.Inc()
			log.Warn("reaction failed",
				zap.String("reaction_id", binding.ReactionID), zap.Error(err))
			e.logOutcome(ctx, auto.ID, &binding.ReactionID, domain.LogFailure, rendered, err.Error())
			failures = append(failures, fmt.Sprintf("%s: %s", binding.ReactionID, err.Error()))
			continue
		}

		log.Info("reaction executed", zap.String("reaction_id", binding.ReactionID))
		e.logOutcome(ctx, auto.ID, &binding.ReactionID, domain.LogSuccess, rendered, "")
	}

	return strings.Join(failures, "; ")
}

func (e *Engine) recordExecution(ctx context.Context, automationID uuid.UUID, errLog string, log *zap.Logger) {
	var errPtr *string
	if errLog != "" {
		errPtr = &errLog
	}
	if err := e.store.RecordExecution(ctx, automationID, time.Now().UTC(), errPtr); err != nil {
		log.Error("could not record execution", zap.Error(err))
	}
}

func (e *Engine) logOutcome(ctx context.Context, automationID uuid.UUID, reactionID *string, status domain.ExecutionLogStatus, details map[string]any, errMsg string) {
	detailsJSON := json.RawMessage(`{}`)
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = b
		}
	}

	err := e.store.CreateExecutionLog(ctx, store.CreateExecutionLogParams{
		AutomationID: automationID,
		ReactionID:   reactionID,
		Status:       status,
		Details:      detailsJSON,
		ErrorMessage: errMsg,
	})
	if err != nil {
		e.logger.Error("could not write execution log",
			zap.String("component", "engine"),
			zap.String("automation_id", automationID.String()),
			zap.Error(err))
	}
}
