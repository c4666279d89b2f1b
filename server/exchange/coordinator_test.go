package exchange

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/judyhq/judy/internal/profile"
	"github.com/judyhq/judy/store"
)

func TestCoordinatorCheckpointsAndFinalizes(t *testing.T) {
	svc := newTestService(t, func(p *profile.Profile) { p.CheckpointInterval = 5 })
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()
	ex := beginTestExchange(t, svc, "owner", "ada", "greet me")

	// The source holds back the last fragment until the checkpoint is visible.
	checkpointed := false
	src := func(yield func(string, error) bool) {
		if !yield("Hel", nil) || !yield("lo, ", nil) {
			return
		}
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			turn, err := svc.Store.GetTurn(ctx, ex.AssistantTurn.ID)
			if err == nil && turn.Content == "Hello, " {
				checkpointed = true
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		yield("world", nil)
	}

	sink := &recordingSink{}
	status, err := svc.Coordinator.Run(ctx, ex.AssistantTurn.ID, src, sink)
	require.NoError(t, err)
	require.Equal(t, store.StatusFinal, status)
	require.True(t, checkpointed)
	require.Equal(t, []string{"Hel", "lo, ", "world"}, sink.fragments)

	svc.Wait()
	turn := getTurn(t, svc, ex.AssistantTurn.ID)
	require.Equal(t, "Hello, world", turn.Content)
	meta, ok := turn.Meta.(store.FinalMeta)
	require.True(t, ok)
	require.Equal(t, "echo-1", meta.Model)
	require.EqualValues(t, 3, meta.TokenEstimate)
	require.NotZero(t, meta.CompletedTs)
	require.GreaterOrEqual(t, svc.Coordinator.Stats().Checkpoints, int64(1))
	require.Zero(t, svc.Coordinator.Stats().Active)
}

func TestCoordinatorContinuesAfterCallerDetaches(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	ex := beginTestExchange(t, svc, "owner", "ada", "hi")

	sends := 0
	sink := SinkFunc(func(string) error {
		sends++
		return errors.New("broken pipe")
	})
	status, err := svc.Coordinator.Run(ctx, ex.AssistantTurn.ID, fragments("one ", "two ", "three"), sink)
	require.NoError(t, err)
	require.Equal(t, store.StatusFinal, status)
	require.Equal(t, 1, sends)
	require.Equal(t, "one two three", getTurn(t, svc, ex.AssistantTurn.ID).Content)
}

func TestCoordinatorGenerationFailure(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	ex := beginTestExchange(t, svc, "owner", "ada", "hi")

	upstream := errors.New("upstream closed")
	src := func(yield func(string, error) bool) {
		if !yield("partial ", nil) {
			return
		}
		yield("", upstream)
	}
	status, err := svc.Coordinator.Run(ctx, ex.AssistantTurn.ID, src, nil)
	require.ErrorIs(t, err, ErrGenerationFailed)
	require.ErrorIs(t, err, upstream)
	require.Equal(t, store.StatusErrored, status)

	turn := getTurn(t, svc, ex.AssistantTurn.ID)
	require.Equal(t, "partial ", turn.Content)
	meta, ok := turn.Meta.(store.ErroredMeta)
	require.True(t, ok)
	require.Equal(t, "upstream closed", meta.Error)
}

func TestCoordinatorIdleTimeout(t *testing.T) {
	svc := newTestService(t, func(p *profile.Profile) { p.IdleTimeout = 50 * time.Millisecond })
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()
	ex := beginTestExchange(t, svc, "owner", "ada", "hi")

	release := make(chan struct{})
	src := func(yield func(string, error) bool) {
		if !yield("stalled", nil) {
			return
		}
		<-release
		yield(" late", nil)
	}
	status, err := svc.Coordinator.Run(ctx, ex.AssistantTurn.ID, src, nil)
	require.ErrorIs(t, err, ErrGenerationFailed)
	require.ErrorIs(t, err, errIdleTimeout)
	require.Equal(t, store.StatusErrored, status)
	require.Equal(t, "stalled", getTurn(t, svc, ex.AssistantTurn.ID).Content)

	close(release)
	svc.Wait()
}

func TestCoordinatorSingleOwner(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	ex := beginTestExchange(t, svc, "owner", "ada", "hi")

	release := make(chan struct{})
	done := make(chan store.TurnStatus, 1)
	go func() {
		status, _ := svc.Coordinator.Run(ctx, ex.AssistantTurn.ID, func(yield func(string, error) bool) {
			<-release
			yield("done", nil)
		}, nil)
		done <- status
	}()
	waitFor(t, func() bool { return svc.Coordinator.Stats().Active == 1 })

	_, err := svc.Coordinator.Run(ctx, ex.AssistantTurn.ID, fragments("intruder"), nil)
	require.ErrorIs(t, err, ErrTurnAlreadyStreaming)

	close(release)
	require.Equal(t, store.StatusFinal, <-done)
	require.Equal(t, "done", getTurn(t, svc, ex.AssistantTurn.ID).Content)

	// A finalized turn can never be streamed again.
	status, err := svc.Coordinator.Run(ctx, ex.AssistantTurn.ID, fragments("again"), nil)
	require.ErrorIs(t, err, ErrTurnNotStreaming)
	require.Equal(t, store.StatusFinal, status)

	_, err = svc.Coordinator.Run(ctx, "missing-turn", fragments("x"), nil)
	require.ErrorIs(t, err, ErrTurnNotStreaming)
}

func TestCoordinatorStampsLease(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	ex := beginTestExchange(t, svc, "owner", "ada", "hi")

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Coordinator.Run(ctx, ex.AssistantTurn.ID, func(yield func(string, error) bool) {
			<-release
		}, nil)
	}()
	waitFor(t, func() bool {
		turn, err := svc.Store.GetTurn(ctx, ex.AssistantTurn.ID)
		if err != nil {
			return false
		}
		meta, ok := turn.Meta.(store.StreamingMeta)
		return ok && meta.LeaseOwner == svc.Coordinator.owner
	})

	// A live lease keeps recovery away.
	repaired, err := svc.Scanner.Reconcile(ctx, ex.Conversation.ID)
	require.NoError(t, err)
	require.Zero(t, repaired)

	close(release)
	<-done
	require.Equal(t, store.StatusFinal, getTurn(t, svc, ex.AssistantTurn.ID).Status())
}

func TestCoordinatorFinalizesEmptyStream(t *testing.T) {
	svc := newTestService(t, nil)
	ex := beginTestExchange(t, svc, "owner", "ada", "hi")

	status, err := svc.Coordinator.Run(context.Background(), ex.AssistantTurn.ID, fragments(), nil)
	require.NoError(t, err)
	require.Equal(t, store.StatusFinal, status)
	require.Empty(t, getTurn(t, svc, ex.AssistantTurn.ID).Content)
}

func TestCoordinatorDetachesStalledCaller(t *testing.T) {
	svc := newTestService(t, func(p *profile.Profile) {
		p.IdleTimeout = 200 * time.Millisecond
		p.MaxStreamDuration = 500 * time.Millisecond
		p.SendTimeout = 100 * time.Millisecond
	})
	ctx := context.Background()
	ex := beginTestExchange(t, svc, "owner", "ada", "hi")

	unblock := make(chan struct{})
	defer close(unblock)
	sink := SinkFunc(func(string) error {
		<-unblock
		return nil
	})

	type result struct {
		status store.TurnStatus
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := svc.Coordinator.Run(ctx, ex.AssistantTurn.ID, fragments("one ", "two ", "three"), sink)
		done <- result{status, err}
	}()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, store.StatusFinal, r.status)
	case <-time.After(3 * time.Second):
		t.Fatal("coordinator blocked on a caller that stopped reading")
	}
	require.Equal(t, "one two three", getTurn(t, svc, ex.AssistantTurn.ID).Content)
}

func TestCoordinatorIdleTimeoutWithStalledCaller(t *testing.T) {
	svc := newTestService(t, func(p *profile.Profile) {
		p.IdleTimeout = 200 * time.Millisecond
		p.SendTimeout = 100 * time.Millisecond
	})
	ctx := context.Background()
	ex := beginTestExchange(t, svc, "owner", "ada", "hi")

	unblock := make(chan struct{})
	release := make(chan struct{})
	defer close(unblock)
	defer close(release)
	src := func(yield func(string, error) bool) {
		if !yield("one ", nil) {
			return
		}
		<-release
	}
	sink := SinkFunc(func(string) error {
		<-unblock
		return nil
	})

	start := time.Now()
	status, err := svc.Coordinator.Run(ctx, ex.AssistantTurn.ID, src, sink)
	require.Less(t, time.Since(start), 3*time.Second)
	require.ErrorIs(t, err, errIdleTimeout)
	require.Equal(t, store.StatusErrored, status)
	require.Equal(t, "one ", getTurn(t, svc, ex.AssistantTurn.ID).Content)
}

func TestCoordinatorCheckpointFailureIsCounted(t *testing.T) {
	var attempts atomic.Int64
	svc := newTestServiceWithDriver(t, func(d store.Driver) store.Driver {
		return &faultyDriver{Driver: d, beforeUpdate: func(update *store.UpdateTurn) error {
			if isCheckpoint(update) {
				attempts.Add(1)
				return errors.New("disk full")
			}
			return nil
		}}
	}, func(p *profile.Profile) { p.CheckpointInterval = 1 })
	ctx := context.Background()
	ex := beginTestExchange(t, svc, "owner", "ada", "hi")

	sink := &recordingSink{}
	status, err := svc.Coordinator.Run(ctx, ex.AssistantTurn.ID, fragments("a", "b", "c"), sink)
	require.NoError(t, err)
	require.Equal(t, store.StatusFinal, status)
	require.Equal(t, []string{"a", "b", "c"}, sink.fragments)

	svc.Wait()
	stats := svc.Coordinator.Stats()
	require.Positive(t, attempts.Load())
	require.Equal(t, attempts.Load(), stats.CheckpointFailures)
	require.Zero(t, stats.Checkpoints)
	require.Equal(t, "abc", getTurn(t, svc, ex.AssistantTurn.ID).Content)
}

func TestCoordinatorFinalWriteFailureLeavesTurnStreaming(t *testing.T) {
	svc := newTestServiceWithDriver(t, func(d store.Driver) store.Driver {
		return &faultyDriver{Driver: d, beforeUpdate: func(update *store.UpdateTurn) error {
			if update.Meta.Status() == store.StatusFinal {
				return errors.New("connection reset")
			}
			return nil
		}}
	}, nil)
	ctx := context.Background()
	ex := beginTestExchange(t, svc, "owner", "ada", "hi")

	status, err := svc.Coordinator.Run(ctx, ex.AssistantTurn.ID, fragments("lost ", "reply"), nil)
	require.ErrorIs(t, err, ErrPersistenceWriteFailed)
	require.Equal(t, store.StatusStreaming, status)
	svc.Wait()
	require.Equal(t, store.StatusStreaming, getTurn(t, svc, ex.AssistantTurn.ID).Status())

	// The turn is left for recovery once its lease runs out.
	svc.Scanner.now = func() time.Time { return time.Now().Add(time.Hour) }
	repaired, err := svc.Scanner.Reconcile(ctx, ex.Conversation.ID)
	require.NoError(t, err)
	require.Equal(t, 1, repaired)
	require.Equal(t, store.StatusInterrupted, getTurn(t, svc, ex.AssistantTurn.ID).Status())
}

func TestCoordinatorSlowCheckpointDoesNotDelayForwarding(t *testing.T) {
	var blocked atomic.Bool
	release := make(chan struct{})
	svc := newTestServiceWithDriver(t, func(d store.Driver) store.Driver {
		return &faultyDriver{Driver: d, beforeUpdate: func(update *store.UpdateTurn) error {
			if isCheckpoint(update) && blocked.CompareAndSwap(false, true) {
				<-release
			}
			return nil
		}}
	}, func(p *profile.Profile) { p.CheckpointInterval = 1 })
	ctx := context.Background()
	ex := beginTestExchange(t, svc, "owner", "ada", "hi")

	src := func(yield func(string, error) bool) {
		if !yield("one ", nil) {
			return
		}
		for !blocked.Load() {
			time.Sleep(time.Millisecond)
		}
		if !yield("two ", nil) {
			return
		}
		yield("three", nil)
	}
	sink := &recordingSink{}
	done := make(chan store.TurnStatus, 1)
	go func() {
		status, _ := svc.Coordinator.Run(ctx, ex.AssistantTurn.ID, src, sink)
		done <- status
	}()

	waitFor(t, func() bool { return sink.count() == 3 })
	require.True(t, blocked.Load())
	close(release)
	require.Equal(t, store.StatusFinal, <-done)
	require.Equal(t, "one two three", getTurn(t, svc, ex.AssistantTurn.ID).Content)
}
