package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"calpal/internal/config"
	"calpal/internal/mirror"
	"calpal/internal/model"
)

const (
	otelScope        = "calpal/sync"
	spanReconcile    = "sync.reconcile"
	spanMirrorPass   = "sync.mirror_pass"
	spanOrphanSweep  = "sync.orphan_sweep"
	metricCreated    = "calpal.sync.events.created"
	metricDeleted    = "calpal.sync.events.deleted"
	metricDuplicates = "calpal.sync.duplicates.removed"
	metricMirrors    = "calpal.sync.mirrors.created"
	metricOrphans    = "calpal.sync.orphans.removed"
	metricErrors     = "calpal.sync.errors"
)

// MirrorSyncer runs mirror passes. Implemented by [mirror.Manager].
type MirrorSyncer interface {
	SyncCalendar(ctx context.Context, sourceCalendar string, target mirror.Target) (model.MirrorPassReport, error)
}

// OrphanSweeper removes mirrors whose source is gone.
// Implemented by [mirror.OrphanDetector].
type OrphanSweeper interface {
	Sweep(ctx context.Context, calendarID string) (model.OrphanReport, error)
}

// Engine schedules reconcile passes, mirror passes, and orphan sweeps on the
// configured cron expressions. Create one with [NewEngine] and start it with
// [Engine.Run], or drive a single full cycle with [Engine.RunOnce].
type Engine struct {
	reconciler *Reconciler
	mirrors    MirrorSyncer
	orphans    OrphanSweeper
	cfg        *config.Config
	log        *slog.Logger

	// busy serializes passes per calendar: a scheduled pass that finds its
	// calendar mid-pass is skipped rather than queued.
	busy map[string]*stdsync.Mutex

	// OTel instruments — always non-nil (no-op when telemetry is disabled).
	tracer        trace.Tracer
	cntCreated    metric.Int64Counter
	cntDeleted    metric.Int64Counter
	cntDuplicates metric.Int64Counter
	cntMirrors    metric.Int64Counter
	cntOrphans    metric.Int64Counter
	cntErrors     metric.Int64Counter
}

// NewEngine creates an Engine wired to the given components.
func NewEngine(reconciler *Reconciler, mirrors MirrorSyncer, orphans OrphanSweeper, cfg *config.Config, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	busy := make(map[string]*stdsync.Mutex)
	for _, cal := range cfg.Calendars {
		busy[cal.ID] = &stdsync.Mutex{}
	}
	for _, m := range cfg.Mirrors {
		if busy[m.TargetCalendar] == nil {
			busy[m.TargetCalendar] = &stdsync.Mutex{}
		}
	}

	return &Engine{
		reconciler: reconciler,
		mirrors:    mirrors,
		orphans:    orphans,
		cfg:        cfg,
		log:        logger,
		busy:       busy,

		tracer:        tracer,
		cntCreated:    mustCounter(metricCreated, "Number of remote events created during reconciliation"),
		cntDeleted:    mustCounter(metricDeleted, "Number of remote events deleted during reconciliation"),
		cntDuplicates: mustCounter(metricDuplicates, "Number of duplicate mirrors removed"),
		cntMirrors:    mustCounter(metricMirrors, "Number of mirrors created or adopted"),
		cntOrphans:    mustCounter(metricOrphans, "Number of orphaned mirrors removed"),
		cntErrors:     mustCounter(metricErrors, "Number of errors encountered during passes"),
	}
}

// window computes the reconciliation window around now.
func (e *Engine) window() Window {
	now := time.Now().UTC()
	return Window{
		From: now.AddDate(0, 0, -e.cfg.Window.LookbackDays),
		To:   now.AddDate(0, 0, e.cfg.Window.LookaheadDays),
	}
}

// withCalendar runs fn while holding the calendar's pass lock. If a pass is
// already running there, fn is skipped.
func (e *Engine) withCalendar(calendarID string, fn func()) {
	mu := e.busy[calendarID]
	if mu == nil {
		fn()
		return
	}
	if !mu.TryLock() {
		e.log.Warn("pass skipped, calendar busy", "calendar", calendarID)
		return
	}
	defer mu.Unlock()
	fn()
}

// reconcile runs one reconcile pass for a calendar, recording a trace span
// and metrics.
func (e *Engine) reconcile(ctx context.Context, calendarID string) (model.ReconcileReport, error) {
	ctx, span := e.tracer.Start(ctx, spanReconcile,
		trace.WithAttributes(attribute.String("calendar.id", calendarID)))
	defer span.End()

	report, err := e.reconciler.Reconcile(ctx, calendarID, e.window())

	if report.Created > 0 {
		e.cntCreated.Add(ctx, int64(report.Created))
	}
	if report.Deleted > 0 {
		e.cntDeleted.Add(ctx, int64(report.Deleted))
	}
	if report.DuplicatesRemoved > 0 {
		e.cntDuplicates.Add(ctx, int64(report.DuplicatesRemoved))
	}
	if report.Errors > 0 {
		e.cntErrors.Add(ctx, int64(report.Errors))
	}

	span.SetAttributes(
		attribute.Int("sync.repaired", report.Repaired),
		attribute.Int("sync.created", report.Created),
		attribute.Int("sync.deleted", report.Deleted),
		attribute.Int("sync.duplicates_removed", report.DuplicatesRemoved),
		attribute.Int("sync.errors", report.Errors),
	)
	if err != nil {
		span.RecordError(err)
	}
	return report, err
}

// mirrorPass runs one mirror pass for a source → target mapping.
func (e *Engine) mirrorPass(ctx context.Context, m config.Mirror) (model.MirrorPassReport, error) {
	ctx, span := e.tracer.Start(ctx, spanMirrorPass,
		trace.WithAttributes(
			attribute.String("mirror.source", m.SourceCalendar),
			attribute.String("mirror.target", m.TargetCalendar),
		))
	defer span.End()

	target := mirror.Target{
		CalendarID: m.TargetCalendar,
		Rule:       mirror.PresentationRule(m.Rule),
		ColorID:    m.ColorID,
	}
	report, err := e.mirrors.SyncCalendar(ctx, m.SourceCalendar, target)

	if n := report.Created + report.Adopted; n > 0 {
		e.cntMirrors.Add(ctx, int64(n))
	}
	if report.Errors > 0 {
		e.cntErrors.Add(ctx, int64(report.Errors))
	}
	span.SetAttributes(
		attribute.Int("mirror.created", report.Created),
		attribute.Int("mirror.adopted", report.Adopted),
		attribute.Int("mirror.suppressed", report.Suppressed),
		attribute.Int("mirror.errors", report.Errors),
	)
	if err != nil {
		span.RecordError(err)
	}
	return report, err
}

// orphanSweep sweeps every mirror target calendar.
func (e *Engine) orphanSweep(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, spanOrphanSweep)
	defer span.End()

	var firstErr error
	swept := make(map[string]bool)
	for _, m := range e.cfg.Mirrors {
		if swept[m.TargetCalendar] {
			continue
		}
		swept[m.TargetCalendar] = true

		report, err := e.orphans.Sweep(ctx, m.TargetCalendar)
		if report.Removed > 0 {
			e.cntOrphans.Add(ctx, int64(report.Removed))
		}
		if report.Errors > 0 {
			e.cntErrors.Add(ctx, int64(report.Errors))
		}
		if err != nil {
			span.RecordError(err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RunOnce performs one full cycle: a mirror pass for every mapping, an
// orphan sweep, then a reconcile pass for every calendar. Returns the first
// error encountered; the cycle always runs to completion.
func (e *Engine) RunOnce(ctx context.Context) error {
	var firstErr error

	for _, m := range e.cfg.Mirrors {
		if _, err := e.mirrorPass(ctx, m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.orphanSweep(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, cal := range e.cfg.Calendars {
		if _, err := e.reconcile(ctx, cal.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run starts the cron scheduler and blocks until ctx is cancelled. An
// immediate full cycle runs before the first scheduled tick.
func (e *Engine) Run(ctx context.Context) error {
	c := cron.New()

	for _, cal := range e.cfg.Calendars {
		if _, err := c.AddFunc(cal.Schedule, func() {
			e.withCalendar(cal.ID, func() {
				if _, err := e.reconcile(ctx, cal.ID); err != nil {
					e.log.Error("reconcile failed", "calendar", cal.ID, "error", err)
				}
			})
		}); err != nil {
			return fmt.Errorf("scheduling reconcile for %s (%q): %w", cal.ID, cal.Schedule, err)
		}
	}

	for _, m := range e.cfg.Mirrors {
		if _, err := c.AddFunc(m.Schedule, func() {
			e.withCalendar(m.TargetCalendar, func() {
				if _, err := e.mirrorPass(ctx, m); err != nil {
					e.log.Error("mirror pass failed",
						"source", m.SourceCalendar, "target", m.TargetCalendar, "error", err)
				}
			})
		}); err != nil {
			return fmt.Errorf("scheduling mirror pass for %s (%q): %w", m.SourceCalendar, m.Schedule, err)
		}
	}

	if len(e.cfg.Mirrors) > 0 {
		if _, err := c.AddFunc(e.cfg.OrphanSweepSchedule, func() {
			if err := e.orphanSweep(ctx); err != nil {
				e.log.Error("orphan sweep failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("scheduling orphan sweep (%q): %w", e.cfg.OrphanSweepSchedule, err)
		}
	}

	if err := e.RunOnce(ctx); err != nil {
		e.log.Error("initial cycle failed", "error", err)
	}

	c.Start()
	defer func() { <-c.Stop().Done() }()

	<-ctx.Done()
	e.log.Info("sync engine shutting down")
	return ctx.Err()
}
