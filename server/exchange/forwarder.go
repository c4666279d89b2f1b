package exchange

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// forwarder delivers fragments to a Sink from its own goroutine, so a caller
// that stops reading never holds up consumption of the source.
type forwarder struct {
	sink    Sink
	turnID  string
	timeout time.Duration

	mu      sync.Mutex
	pending []string
	closed  bool
	wake    chan struct{}
	done    chan struct{}

	detached atomic.Bool
	// busySince is the unix nano start of the Send in progress, zero when idle.
	busySince atomic.Int64
}

func newForwarder(sink Sink, turnID string, timeout time.Duration) *forwarder {
	return &forwarder{
		sink:    sink,
		turnID:  turnID,
		timeout: timeout,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (f *forwarder) push(text string) {
	if f.detached.Load() {
		return
	}
	f.mu.Lock()
	f.pending = append(f.pending, text)
	f.mu.Unlock()
	f.signal()
}

func (f *forwarder) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *forwarder) detach(reason error) {
	if !f.detached.CompareAndSwap(false, true) {
		return
	}
	f.mu.Lock()
	f.pending = nil
	f.mu.Unlock()
	slog.Debug("caller detached, generation continues", "turn", f.turnID, "err", reason)
}

// stalled reports whether the Send in progress has blocked past the send timeout.
func (f *forwarder) stalled() bool {
	since := f.busySince.Load()
	return since != 0 && time.Since(time.Unix(0, since)) >= f.timeout
}

func (f *forwarder) pollInterval() time.Duration {
	return max(f.timeout/4, time.Millisecond)
}

func (f *forwarder) run() {
	defer close(f.done)
	for {
		f.mu.Lock()
		batch, closed := f.pending, f.closed
		f.pending = nil
		f.mu.Unlock()

		for _, text := range batch {
			if f.detached.Load() {
				break
			}
			f.busySince.Store(time.Now().UnixNano())
			err := f.sink.Send(text)
			f.busySince.Store(0)
			if err != nil {
				f.detach(err)
			}
		}
		if len(batch) == 0 {
			if closed {
				return
			}
			<-f.wake
		}
	}
}

// finish waits until every queued fragment is delivered. A caller whose write
// stays blocked past the send timeout is detached and left behind.
func (f *forwarder) finish() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.signal()

	tick := time.NewTicker(f.pollInterval())
	defer tick.Stop()
	for {
		select {
		case <-f.done:
			return
		case <-tick.C:
			if f.stalled() {
				f.detach(errSendTimeout)
				return
			}
		}
	}
}
