package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type sweepClientStub struct {
	report      SweepReport
	sweepErr    error
	flagged     int
	flagErr     error
	sweepCalls  int
	flagCalls   int
	sawDeadline bool
}

func (s *sweepClientStub) SweepPayouts(ctx context.Context) (SweepReport, error) {
	s.sweepCalls++
	_, s.sawDeadline = ctx.Deadline()
	return s.report, s.sweepErr
}

func (s *sweepClientStub) FlagOverdueOverdrafts(ctx context.Context) (int, error) {
	s.flagCalls++
	_, s.sawDeadline = ctx.Deadline()
	return s.flagged, s.flagErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJobsSweepPayouts_CallsClientWithDeadline(t *testing.T) {
	client := &sweepClientStub{report: SweepReport{Checked: 3, Due: 1, Advanced: 1}}
	jobs := NewJobs(client, testLogger())

	jobs.SweepPayouts()

	if client.sweepCalls != 1 {
		t.Fatalf("expected one sweep call, got %d", client.sweepCalls)
	}
	if !client.sawDeadline {
		t.Fatal("expected the sweep to run with a deadline")
	}
}

func TestJobsSweepPayouts_ErrorIsLogged(t *testing.T) {
	client := &sweepClientStub{sweepErr: errors.New("db down")}
	jobs := NewJobs(client, testLogger())

	jobs.SweepPayouts()

	if client.sweepCalls != 1 {
		t.Fatalf("expected one sweep call, got %d", client.sweepCalls)
	}
}

func TestJobsFlagOverdueOverdrafts(t *testing.T) {
	client := &sweepClientStub{flagged: 2}
	jobs := NewJobs(client, testLogger())

	jobs.FlagOverdueOverdrafts()
	client.flagErr = errors.New("db down")
	jobs.FlagOverdueOverdrafts()

	if client.flagCalls != 2 {
		t.Fatalf("expected two flag calls, got %d", client.flagCalls)
	}
}

func TestSchedulerStart_SkipsDisabledAndInvalidSchedules(t *testing.T) {
	jobs := NewJobs(&sweepClientStub{}, testLogger())

	tests := []struct {
		name     string
		schedule ScheduleConfig
		want     int
	}{
		{name: "both", schedule: ScheduleConfig{PayoutSweep: "*/15 * * * *", OverdueSweep: "0 6 * * *"}, want: 2},
		{name: "overdue disabled", schedule: ScheduleConfig{PayoutSweep: "*/15 * * * *"}, want: 1},
		{name: "invalid spec", schedule: ScheduleConfig{PayoutSweep: "every now and then", OverdueSweep: "0 6 * * *"}, want: 1},
		{name: "none", schedule: ScheduleConfig{}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheduler := NewScheduler(jobs, testLogger(), tt.schedule)
			got := scheduler.Start()
			ctx := scheduler.Stop()
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
				t.Fatal("scheduler did not stop")
			}
			if got != tt.want {
				t.Fatalf("expected %d scheduled jobs, got %d", tt.want, got)
			}
		})
	}
}
