package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "taskd/pkg/logx"
)

func TestGoCleanExit(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())
	ran := make(chan struct{})
	s.Go("worker", func(context.Context) error {
		close(ran)
		return nil
	})
	<-ran

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if s.Active() != 0 {
		t.Fatalf("Active = %d", s.Active())
	}
}

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())
	boom := errors.New("boom")
	s.Go("bad", func(context.Context) error { return boom })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, boom) {
		t.Fatalf("Stop = %v, want %v", err, boom)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())
	s.Go("panicky", func(context.Context) error { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil {
		t.Fatal("panic must surface as the supervisor error")
	}
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())

	var runs atomic.Int32
	done := make(chan struct{})
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("restart loop never reached the clean run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d", got)
	}
}

func TestStopCancelsLongRunners(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())
	s.Go("blocker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v, context cancellation must be a clean exit", err)
	}
}
