package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/judyhq/judy/plugin/llm"
	"github.com/judyhq/judy/store"
)

// Sink receives fragments for the caller. Send is called from one goroutine
// apart from generation. A Send error, or a Send blocked past the send timeout,
// detaches the caller; generation and persistence continue without it.
type Sink interface {
	Send(fragment string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(fragment string) error

func (f SinkFunc) Send(fragment string) error { return f(fragment) }

// Discard is a Sink for callers that are not listening.
var Discard Sink = SinkFunc(func(string) error { return nil })

type CoordinatorConfig struct {
	// CheckpointInterval is the number of runes generated between checkpoints.
	CheckpointInterval int
	IdleTimeout        time.Duration
	MaxDuration        time.Duration
	LeaseTTL           time.Duration
	SendTimeout        time.Duration
}

// Stats are counters over the coordinator's lifetime.
type Stats struct {
	Active             int
	Checkpoints        int64
	CheckpointFailures int64
}

// Coordinator owns the lifecycle of in-flight assistant turns.
type Coordinator struct {
	store *store.Store
	cfg   CoordinatorConfig
	owner string
	now   func() time.Time

	// OnFinalized runs asynchronously after a successful final write.
	OnFinalized func(ctx context.Context, turn *store.Turn)

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup

	checkpoints        atomic.Int64
	checkpointFailures atomic.Int64
}

func NewCoordinator(s *store.Store, cfg CoordinatorConfig) *Coordinator {
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 100
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 5 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Coordinator{
		store:  s,
		cfg:    cfg,
		owner:  uuid.NewString(),
		now:    time.Now,
		active: map[string]struct{}{},
	}
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	active := len(c.active)
	c.mu.Unlock()
	return Stats{
		Active:             active,
		Checkpoints:        c.checkpoints.Load(),
		CheckpointFailures: c.checkpointFailures.Load(),
	}
}

// Wait blocks until every background checkpoint worker, fragment pump, forwarder and hook has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) claim(turnID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[turnID]; ok {
		return false
	}
	c.active[turnID] = struct{}{}
	return true
}

func (c *Coordinator) release(turnID string) {
	c.mu.Lock()
	delete(c.active, turnID)
	c.mu.Unlock()
}

type fragment struct {
	text string
	err  error
}

type snapshot struct {
	content  string
	revision int64
}

// stream is the in-memory state of one active generation.
type stream struct {
	c        *Coordinator
	turnID   string
	model    string
	started  int64
	revision int64
	buf      strings.Builder
	runes    int
	// checkpointed is the rune count at the last handed-off checkpoint.
	checkpointed int
	slot         chan snapshot
}

func (s *stream) streamingMeta() store.StreamingMeta {
	return store.StreamingMeta{
		Model:          s.model,
		LeaseOwner:     s.c.owner,
		LeaseExpiresTs: s.c.now().Add(s.c.cfg.LeaseTTL).UnixMicro(),
		StartedTs:      s.started,
	}
}

func (s *stream) nextRevision() int64 {
	s.revision++
	return s.revision
}

// offer hands the latest buffer to the checkpoint worker, replacing any snapshot
// the worker has not picked up yet.
func (s *stream) offer() {
	snap := snapshot{content: s.buf.String(), revision: s.nextRevision()}
	s.checkpointed = s.runes
	for {
		select {
		case s.slot <- snap:
			return
		default:
			select {
			case <-s.slot:
			default:
			}
		}
	}
}

func (s *stream) checkpointWorker(ctx context.Context) {
	for snap := range s.slot {
		turn, err := s.c.store.UpdateTurn(ctx, &store.UpdateTurn{
			ID:        s.turnID,
			Content:   snap.content,
			Meta:      s.streamingMeta(),
			Revision:  snap.revision,
			UpdatedTs: s.c.now().UnixMicro(),
		})
		switch {
		case err != nil:
			s.c.checkpointFailures.Add(1)
			slog.Warn("checkpoint write failed", "turn", s.turnID, "revision", snap.revision, "err", err)
		case turn == nil:
			slog.Debug("checkpoint superseded", "turn", s.turnID, "revision", snap.revision)
		default:
			s.c.checkpoints.Add(1)
		}
	}
}

// Run consumes src for the streaming assistant turn, forwarding each fragment to
// sink, checkpointing periodically and finalizing the turn. It returns the status
// the turn was left in.
func (c *Coordinator) Run(ctx context.Context, assistantTurnID string, src llm.FragmentStream, sink Sink) (store.TurnStatus, error) {
	if !c.claim(assistantTurnID) {
		return store.StatusStreaming, ErrTurnAlreadyStreaming
	}
	defer c.release(assistantTurnID)

	turn, err := c.store.GetTurn(ctx, assistantTurnID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrTurnNotStreaming, assistantTurnID)
		}
		return "", fmt.Errorf("%w: %w", ErrPersistenceWriteFailed, err)
	}
	meta, ok := turn.Meta.(store.StreamingMeta)
	if !ok {
		return turn.Status(), fmt.Errorf("%w: %s is %s", ErrTurnNotStreaming, assistantTurnID, turn.Status())
	}
	if sink == nil {
		sink = Discard
	}

	s := &stream{
		c:        c,
		turnID:   assistantTurnID,
		model:    meta.Model,
		started:  meta.StartedTs,
		revision: turn.Revision,
		slot:     make(chan snapshot, 1),
	}
	if s.started == 0 {
		s.started = c.now().UnixMicro()
	}
	s.buf.WriteString(turn.Content)
	s.runes = utf8.RuneCountInString(turn.Content)
	s.checkpointed = s.runes

	// Stamp ownership before consuming anything.
	claimed, err := c.store.UpdateTurn(ctx, &store.UpdateTurn{
		ID:        assistantTurnID,
		Content:   s.buf.String(),
		Meta:      s.streamingMeta(),
		Revision:  s.nextRevision(),
		UpdatedTs: c.now().UnixMicro(),
	})
	if err != nil {
		return store.StatusStreaming, fmt.Errorf("%w: %w", ErrPersistenceWriteFailed, err)
	}
	if claimed == nil {
		return c.currentStatus(ctx, assistantTurnID), fmt.Errorf("%w: %s", ErrTurnNotStreaming, assistantTurnID)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		s.checkpointWorker(ctx)
	}()
	defer close(s.slot)

	frags := make(chan fragment)
	stop := make(chan struct{})
	defer close(stop)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(frags)
		for text, err := range src {
			select {
			case frags <- fragment{text: text, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	fw := newForwarder(sink, assistantTurnID, c.cfg.SendTimeout)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fw.run()
	}()

	status, err := s.consume(ctx, frags, fw)
	fw.finish()
	return status, err
}

func (s *stream) consume(ctx context.Context, frags <-chan fragment, fw *forwarder) (store.TurnStatus, error) {
	cfg := s.c.cfg
	idle := time.NewTimer(cfg.IdleTimeout)
	defer idle.Stop()
	deadline := time.NewTimer(cfg.MaxDuration)
	defer deadline.Stop()
	renew := time.NewTicker(max(cfg.LeaseTTL/3, time.Millisecond))
	defer renew.Stop()
	watch := time.NewTicker(fw.pollInterval())
	defer watch.Stop()

	for {
		select {
		case f, ok := <-frags:
			if !ok {
				return s.finalize(ctx)
			}
			if f.err != nil {
				return s.fail(ctx, f.err)
			}
			idle.Reset(cfg.IdleTimeout)
			if f.text == "" {
				continue
			}
			s.buf.WriteString(f.text)
			s.runes += utf8.RuneCountInString(f.text)
			fw.push(f.text)
			if s.runes-s.checkpointed >= cfg.CheckpointInterval {
				s.offer()
			}
		case <-watch.C:
			if fw.stalled() {
				fw.detach(errSendTimeout)
			}
		case <-renew.C:
			s.offer()
		case <-idle.C:
			return s.fail(ctx, errIdleTimeout)
		case <-deadline.C:
			return s.fail(ctx, errStreamTimeout)
		case <-ctx.Done():
			return s.fail(context.WithoutCancel(ctx), ctx.Err())
		}
	}
}

func (s *stream) finalize(ctx context.Context) (store.TurnStatus, error) {
	content := s.buf.String()
	now := s.c.now()
	turn, err := s.c.store.UpdateTurn(ctx, &store.UpdateTurn{
		ID:      s.turnID,
		Content: content,
		Meta: store.FinalMeta{
			Model:         s.model,
			CompletedTs:   now.UnixMicro(),
			TokenEstimate: llm.EstimateTokens(content),
		},
		Revision:  s.nextRevision(),
		UpdatedTs: now.UnixMicro(),
	})
	if err != nil {
		slog.Error("final write failed, turn left streaming", "turn", s.turnID, "err", err)
		return store.StatusStreaming, fmt.Errorf("%w: %w", ErrPersistenceWriteFailed, err)
	}
	if turn == nil {
		return s.c.currentStatus(ctx, s.turnID), fmt.Errorf("%w: %s was finalized elsewhere", ErrTurnNotStreaming, s.turnID)
	}
	if hook := s.c.OnFinalized; hook != nil {
		s.c.wg.Add(1)
		go func() {
			defer s.c.wg.Done()
			hook(context.WithoutCancel(ctx), turn)
		}()
	}
	return store.StatusFinal, nil
}

func (s *stream) fail(ctx context.Context, cause error) (store.TurnStatus, error) {
	now := s.c.now()
	turn, err := s.c.store.UpdateTurn(ctx, &store.UpdateTurn{
		ID:      s.turnID,
		Content: s.buf.String(),
		Meta: store.ErroredMeta{
			Model:    s.model,
			Error:    cause.Error(),
			FailedTs: now.UnixMicro(),
		},
		Revision:  s.nextRevision(),
		UpdatedTs: now.UnixMicro(),
	})
	status := store.StatusErrored
	if err != nil {
		slog.Error("errored write failed, turn left streaming", "turn", s.turnID, "err", err)
		status = store.StatusStreaming
	} else if turn == nil {
		status = s.c.currentStatus(ctx, s.turnID)
	}
	slog.Warn("generation failed", "turn", s.turnID, "runes", s.runes, "err", cause)
	return status, fmt.Errorf("%w: %w", ErrGenerationFailed, cause)
}

func (c *Coordinator) currentStatus(ctx context.Context, turnID string) store.TurnStatus {
	turn, err := c.store.GetTurn(ctx, turnID)
	if err != nil {
		return ""
	}
	return turn.Status()
}
