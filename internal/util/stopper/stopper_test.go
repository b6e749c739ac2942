package stopper

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestGoStopClean(t *testing.T) {
	ctx := WithContext(context.Background())
	ran := make(chan struct{})
	ctx.Go(func() error {
		<-ctx.Stopping()
		close(ran)
		return nil
	})
	if err := ctx.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-ran:
	default:
		t.Fatal("goroutine did not observe Stopping before Stop returned")
	}
}

func TestGoPropagatesError(t *testing.T) {
	ctx := WithContext(context.Background())
	boom := errors.New("boom")
	ctx.Go(func() error { return boom })
	// Give the goroutine a moment to run and trigger Stopping.
	<-ctx.Stopping()
	if err := ctx.Stop(time.Second); !errors.Is(err, boom) {
		t.Fatalf("Stop() = %v, want %v", err, boom)
	}
}

func TestStopTimesOut(t *testing.T) {
	ctx := WithContext(context.Background())
	release := make(chan struct{})
	ctx.Go(func() error {
		<-release
		return nil
	})
	err := ctx.Stop(10 * time.Millisecond)
	close(release)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
