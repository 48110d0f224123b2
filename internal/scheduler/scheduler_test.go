package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/replbridge/internal/config"
)

type fakeInjector struct {
	busy  atomic.Bool
	calls atomic.Int32
}

func (f *fakeInjector) IsBusy() bool { return f.busy.Load() }
func (f *fakeInjector) Fire(ctx context.Context, prompt string) (string, error) {
	f.calls.Add(1)
	return "done: " + prompt, nil
}

type fakeDeliverer struct {
	delivered atomic.Int32
}

func (f *fakeDeliverer) DeliverTaskResult(ctx context.Context, taskName, target, content string) error {
	f.delivered.Add(1)
	return nil
}

func TestSchedulerFiresDueIntervalTask(t *testing.T) {
	inj := &fakeInjector{}
	del := &fakeDeliverer{}
	s := New([]config.ScheduledTaskConfig{
		{Name: "ping", Enabled: true, Schedule: config.ScheduleSpec{Interval: "10ms"}, Target: "terminal", Prompt: "hi"},
	}, inj, del)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	s.Run(ctx, 5*time.Millisecond)

	if inj.calls.Load() == 0 {
		t.Fatal("expected the interval task to fire at least once")
	}
	if del.delivered.Load() == 0 {
		t.Fatal("expected the task result to be delivered since Target is set")
	}
}

func TestSchedulerHonorsBusyGate(t *testing.T) {
	inj := &fakeInjector{}
	inj.busy.Store(true)
	s := New([]config.ScheduledTaskConfig{
		{Name: "gated", Enabled: true, BusyGate: true, Schedule: config.ScheduleSpec{Interval: "5ms"}},
	}, inj, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Run(ctx, 5*time.Millisecond)

	if inj.calls.Load() != 0 {
		t.Fatalf("expected busy-gated task to never fire, got %d calls", inj.calls.Load())
	}
}

func TestSchedulerSkipsDisabledTask(t *testing.T) {
	inj := &fakeInjector{}
	s := New([]config.ScheduledTaskConfig{
		{Name: "off", Enabled: false, Schedule: config.ScheduleSpec{Interval: "5ms"}},
	}, inj, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	s.Run(ctx, 5*time.Millisecond)

	if inj.calls.Load() != 0 {
		t.Fatal("expected disabled task to never fire")
	}
}
