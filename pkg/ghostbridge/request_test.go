package ghostbridge

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRequestSettlesExactlyOnce(t *testing.T) {
	t.Parallel()

	request := NewRequest("payload")
	if !request.IsPending() {
		t.Fatal("fresh request must be pending")
	}

	if !request.Resolve("first") {
		t.Fatal("first settlement must win")
	}
	if request.Resolve("second") {
		t.Fatal("second resolve must be ignored")
	}
	if request.Reject(errors.New("late")) {
		t.Fatal("reject after resolve must be ignored")
	}

	value, err, settled := request.Outcome()
	if !settled || err != nil || value != "first" {
		t.Fatalf("outcome = (%v, %v, %v)", value, err, settled)
	}
}

func TestRequestRejectWithoutCauseGetsOne(t *testing.T) {
	t.Parallel()

	request := NewRequest(1)
	request.Reject(nil)

	_, err, _ := request.Outcome()
	if err == nil {
		t.Fatal("rejection must carry an error")
	}
}

func TestRequestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	request := NewRequest("payload")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := request.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait error = %v, want deadline exceeded", err)
	}

	request.Resolve(nil)
	if _, err := request.Wait(context.Background()); err != nil {
		t.Fatalf("wait after resolve failed: %v", err)
	}
}

func TestRequestOnSettle(t *testing.T) {
	t.Parallel()

	request := NewRequest("payload")

	fired := make(chan struct{}, 2)
	request.OnSettle(func() { fired <- struct{}{} })
	request.Resolve(nil)

	select {
	case <-fired:
	default:
		t.Fatal("observer did not fire at settlement")
	}

	// Late registration fires immediately.
	request.OnSettle(func() { fired <- struct{}{} })
	select {
	case <-fired:
	default:
		t.Fatal("late observer did not fire")
	}
}

func TestRequestIDsAreUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		request := NewRequest(i)
		if _, ok := seen[request.ID()]; ok {
			t.Fatalf("duplicate request id %s", request.ID())
		}
		seen[request.ID()] = struct{}{}
	}
}
