package sync

import (
	"context"
	"testing"

	"calpal/internal/config"
	"calpal/internal/mirror"
	"calpal/internal/model"
)

type mockMirrorSyncer struct {
	calls []string
}

func (m *mockMirrorSyncer) SyncCalendar(_ context.Context, sourceCalendar string, target mirror.Target) (model.MirrorPassReport, error) {
	m.calls = append(m.calls, sourceCalendar+"→"+target.CalendarID)
	return model.MirrorPassReport{Created: 1}, nil
}

type mockSweeper struct {
	calls []string
}

func (m *mockSweeper) Sweep(_ context.Context, calendarID string) (model.OrphanReport, error) {
	m.calls = append(m.calls, calendarID)
	return model.OrphanReport{}, nil
}

func testEngineConfig() *config.Config {
	return &config.Config{
		Calendars: []config.Calendar{
			{ID: "personal", Schedule: "@every 15m"},
			{ID: "family", Schedule: "@every 15m"},
		},
		Mirrors: []config.Mirror{
			{SourceCalendar: "personal", TargetCalendar: "family", Rule: "busy", Schedule: "@every 15m"},
			{SourceCalendar: "work", TargetCalendar: "family", Rule: "busy", Schedule: "@every 15m"},
		},
		AllowedCalendars:    []string{"personal", "family"},
		Window:              config.Window{LookbackDays: 90, LookaheadDays: 365},
		OrphanSweepSchedule: "@every 1h",
	}
}

func TestRunOnce_FullCycle(t *testing.T) {
	store := newMockStore()
	gw := newMockGateway()
	reconciler := NewReconciler(store, gw, testLogger)
	mirrors := &mockMirrorSyncer{}
	sweeper := &mockSweeper{}

	e := NewEngine(reconciler, mirrors, sweeper, testEngineConfig(), testLogger)
	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mirrors.calls) != 2 {
		t.Errorf("mirror passes = %v, want both mappings", mirrors.calls)
	}
	// Two mappings share one target; the sweep must visit it once.
	if len(sweeper.calls) != 1 || sweeper.calls[0] != "family" {
		t.Errorf("sweeps = %v, want exactly one for the shared target", sweeper.calls)
	}
}

func TestWithCalendar_SkipsBusyCalendar(t *testing.T) {
	e := NewEngine(nil, nil, nil, testEngineConfig(), testLogger)

	mu := e.busy["personal"]
	mu.Lock()
	defer mu.Unlock()

	ran := false
	e.withCalendar("personal", func() { ran = true })
	if ran {
		t.Error("pass ran while the calendar was busy")
	}

	e.withCalendar("family", func() { ran = true })
	if !ran {
		t.Error("pass on an idle calendar did not run")
	}
}
