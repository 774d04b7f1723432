package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BTreeMap/NudgePipe/internal/metrics"
	"github.com/BTreeMap/NudgePipe/internal/models"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a spec", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
	if s.Entries() != 1 {
		t.Errorf("Entries = %d, want 1", s.Entries())
	}
}

func TestDailyAt(t *testing.T) {
	if got, err := DailyAt(18); err != nil || got != "0 18 * * *" {
		t.Errorf("DailyAt(18) = (%q, %v)", got, err)
	}
	if _, err := DailyAt(24); err == nil {
		t.Error("expected error for hour 24")
	}
}

func countingJob(calls *int, out models.TriggerSummary, err error) Job {
	return func(context.Context) (models.TriggerSummary, error) {
		*calls++
		return out, err
	}
}

func TestTriggersSecret(t *testing.T) {
	ctx := context.Background()
	var calls int
	job := countingJob(&calls, models.TriggerSummary{Processed: 2, Sent: 1, Failed: 1}, nil)

	disabled := NewTriggers(job, job)
	if s := disabled.RoutinePush(ctx, ""); s.Enabled || calls != 0 {
		t.Errorf("disabled trigger ran: %+v", s)
	}

	tr := NewTriggers(job, job, WithSecret("s3cret"))
	for _, secret := range []string{"", "s3cre", "s3cret!"} {
		s := tr.EscalationSweep(ctx, secret)
		if s.Enabled || calls != 0 {
			t.Errorf("secret %q: trigger should be a no-op, got %+v", secret, s)
		}
		if s != (models.TriggerSummary{Trigger: TriggerEscalationSweep}) {
			t.Errorf("secret %q: rejection must look like a disabled trigger, got %+v", secret, s)
		}
	}

	s := tr.EscalationSweep(ctx, "s3cret")
	if !s.Enabled || calls != 1 || s.Processed != 2 || s.Sent != 1 || s.Failed != 1 || s.Trigger != TriggerEscalationSweep {
		t.Errorf("authorized run: %+v (calls=%d)", s, calls)
	}
}

func TestTriggersContainFailures(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	failing := func(context.Context) (models.TriggerSummary, error) {
		return models.TriggerSummary{Error: "roster unavailable"}, errors.New("roster unavailable")
	}
	panicking := func(context.Context) (models.TriggerSummary, error) {
		panic("boom")
	}
	tr := NewTriggers(panicking, failing, WithSecret("x"), WithMetrics(m))

	s := tr.EscalationSweep(ctx, "x")
	if s.Error != "roster unavailable" || !s.Enabled {
		t.Errorf("failed job summary: %+v", s)
	}
	s = tr.RoutinePush(ctx, "x")
	if !strings.Contains(s.Error, "boom") {
		t.Errorf("panicking job summary: %+v", s)
	}

	// The guard must have been released despite the panic.
	tr.routine = func(context.Context) (models.TriggerSummary, error) { return models.TriggerSummary{Sent: 3}, nil }
	if s := tr.RoutinePush(ctx, "x"); s.Skipped || s.Sent != 3 {
		t.Errorf("run after panic: %+v", s)
	}
	// {sweep,error}, {routine,error}, {routine,ok}
	if n, err := testutil.GatherAndCount(m.Registry(), "nudgepipe_trigger_runs_total"); err != nil || n != 3 {
		t.Errorf("trigger run series = (%d, %v), want 3", n, err)
	}
}

func TestTriggersSkipOverlappingRun(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	finish := make(chan struct{})
	slow := func(context.Context) (models.TriggerSummary, error) {
		close(started)
		<-finish
		return models.TriggerSummary{Processed: 1}, nil
	}
	tr := NewTriggers(nil, slow, WithSecret("x"))

	var wg sync.WaitGroup
	var first models.TriggerSummary
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = tr.EscalationSweep(ctx, "x")
	}()
	<-started

	second := tr.EscalationSweep(ctx, "x")
	if !second.Skipped || !second.Enabled {
		t.Errorf("overlapping run should be skipped, got %+v", second)
	}
	close(finish)
	wg.Wait()
	if first.Skipped || first.Processed != 1 {
		t.Errorf("first run: %+v", first)
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	var calls int
	job := countingJob(&calls, models.TriggerSummary{}, nil)

	s := NewScheduler()
	defer s.Stop()
	if err := NewTriggers(job, job).Register(ctx, s, "", 18); err != nil || s.Entries() != 0 {
		t.Errorf("disabled triggers should schedule nothing: err=%v entries=%d", err, s.Entries())
	}
	tr := NewTriggers(job, job, WithSecret("x"))
	if err := tr.Register(ctx, s, "", 18); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if s.Entries() != 2 {
		t.Errorf("Entries = %d, want 2", s.Entries())
	}
	if err := tr.Register(ctx, s, "", 25); err == nil {
		t.Error("expected error for an invalid hour")
	}

	entries := s.cron.Entries()
	now := time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC)
	var sawDaily bool
	for _, e := range entries {
		if next := e.Schedule.Next(now); next.Equal(time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)) {
			sawDaily = true
		}
	}
	if !sawDaily {
		t.Error("expected a daily job firing at 18:00 UTC")
	}
}
