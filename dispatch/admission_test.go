package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmission_AdmitsImmediatelyWhenACandidateIsSpare(t *testing.T) {
	tracker := NewLoadTracker()
	a := NewAdmission(tracker, 4, time.Second)

	wait, err := a.Wait(context.Background(), []candidate{{ID: "ep-1"}})
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestAdmission_QueuesThenAdmitsOnceACandidateFreesUp(t *testing.T) {
	tracker := NewLoadTracker()
	tracker.Inc("ep-1")
	a := NewAdmission(tracker, 4, time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := a.Wait(context.Background(), []candidate{{ID: "ep-1"}})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	tracker.Dec("ep-1")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after capacity freed up")
	}
}

func TestAdmission_QueueMaxZeroRejectsAnyWaiterImmediately(t *testing.T) {
	tracker := NewLoadTracker()
	tracker.Inc("ep-1")
	a := NewAdmission(tracker, 0, time.Second)

	_, err := a.Wait(context.Background(), []candidate{{ID: "ep-1"}})
	assert.Equal(t, ErrQueueFull, err)
}

func TestAdmission_QueueTimeoutZeroFailsImmediatelyWhenNotAdmitted(t *testing.T) {
	tracker := NewLoadTracker()
	tracker.Inc("ep-1")
	a := NewAdmission(tracker, 4, 0)

	start := time.Now()
	_, err := a.Wait(context.Background(), []candidate{{ID: "ep-1"}})
	assert.Equal(t, ErrAdmissionTimeout, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestAdmission_CapacityOverrideTakesPrecedenceOverLocalCount(t *testing.T) {
	tracker := NewLoadTracker()
	tracker.Inc("ep-1")
	zero := 0
	a := NewAdmission(tracker, 4, time.Second)

	wait, err := a.Wait(context.Background(), []candidate{{ID: "ep-1", Override: &zero}})
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestAdmission_ContextCancelUnblocksAWaiter(t *testing.T) {
	tracker := NewLoadTracker()
	tracker.Inc("ep-1")
	a := NewAdmission(tracker, 4, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := a.Wait(ctx, []candidate{{ID: "ep-1"}})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Equal(t, ErrAdmissionTimeout, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after context cancellation")
	}
}
