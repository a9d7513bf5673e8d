// Package livesync keeps one viewer's ordered message view of a chat consistent
// with the change feed.
//
// The engine subscribes before it reads history, merges both producers into a
// single sequence ordered by (created_at, id) and deduplicated by message id,
// and after any feed loss re-subscribes and reconciles from history.
package livesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"courier/api/internal/feed"
	"courier/api/internal/store"
	"go.uber.org/zap"
)

type State int

const (
	StateDisconnected State = iota
	StateSubscribing
	StateLive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Loader reads membership-filtered history for the viewer.
type Loader interface {
	History(ctx context.Context, viewerID, chatID string) ([]store.Message, error)
	HistorySince(ctx context.Context, viewerID, chatID string, since time.Time) ([]store.Message, error)
	// Enrich attaches sender profile fields. It must not fail; unresolved senders are left raw.
	Enrich(ctx context.Context, messages []store.Message) []store.Message
}

type UpdateKind string

const (
	UpdateSnapshot UpdateKind = "snapshot"
	UpdateMessages UpdateKind = "messages"
	UpdateState    UpdateKind = "state"
)

// Update is delivered on Engine.Updates. Snapshot carries the full view,
// Messages only the newly inserted ones, State the new state and its cause.
type Update struct {
	Kind     UpdateKind
	State    State
	Messages []store.Message
	Err      error
}

type Options struct {
	Backoff feed.Backoff
	// ReconcileOverlap widens the reconciliation window below the newest seen
	// message, covering inserts that committed out of timestamp order.
	ReconcileOverlap time.Duration
	Logger           *zap.Logger
}

type Engine struct {
	viewerID string
	chatID   string
	feed     feed.Subscriber
	loader   Loader
	opts     Options
	logger   *zap.Logger

	updates chan Update
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	state    State
	messages []store.Message
	seen     map[string]struct{}
}

// Open starts syncing chatID for viewerID. The caller must already have
// checked that the viewer may read the chat. Close must be called to release it.
func Open(ctx context.Context, subscriber feed.Subscriber, loader Loader, viewerID, chatID string, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReconcileOverlap < 0 {
		opts.ReconcileOverlap = 0
	}
	runCtx, cancel := context.WithCancel(ctx)
	e := &Engine{
		viewerID: viewerID,
		chatID:   chatID,
		feed:     subscriber,
		loader:   loader,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("chat_id", chatID), zap.String("viewer_id", viewerID)),
		updates:  make(chan Update),
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    StateDisconnected,
		messages: make([]store.Message, 0),
		seen:     make(map[string]struct{}),
	}
	go e.run(runCtx)
	return e
}

// Updates is closed once the engine has stopped.
func (e *Engine) Updates() <-chan Update {
	return e.updates
}

// Close stops the engine and waits for it. No update is delivered after Close returns.
func (e *Engine) Close() {
	e.cancel()
	<-e.done
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Messages returns a copy of the current ordered view.
func (e *Engine) Messages() []store.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]store.Message, len(e.messages))
	copy(out, e.messages)
	return out
}

func (e *Engine) run(ctx context.Context) {
	defer func() {
		e.setState(StateClosed)
		close(e.updates)
		close(e.done)
	}()

	synced := false
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if synced {
			e.transition(ctx, StateReconnecting, nil)
		} else {
			e.transition(ctx, StateSubscribing, nil)
		}

		sub, err := e.feed.Subscribe(ctx, e.chatID)
		if err == nil {
			if synced {
				err = e.reconcile(ctx)
			} else {
				err = e.snapshot(ctx)
			}
			if err != nil {
				sub.Close()
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("live sync attempt failed", zap.Error(err), zap.Int("attempt", attempt))
			e.transition(ctx, StateReconnecting, err)
			if !sleep(ctx, e.opts.Backoff.Delay(attempt)) {
				return
			}
			attempt++
			continue
		}

		synced = true
		attempt = 0
		e.transition(ctx, StateLive, nil)

		err = e.consume(ctx, sub)
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		e.logger.Info("live feed lost", zap.Error(err))
		e.transition(ctx, StateReconnecting, err)
	}
}

func (e *Engine) snapshot(ctx context.Context) error {
	history, err := e.loader.History(ctx, e.viewerID, e.chatID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	e.merge(history)
	e.emit(ctx, Update{Kind: UpdateSnapshot, State: e.State(), Messages: e.Messages()})
	return nil
}

func (e *Engine) reconcile(ctx context.Context) error {
	since, ok := e.newest()
	var (
		missed []store.Message
		err    error
	)
	if ok {
		missed, err = e.loader.HistorySince(ctx, e.viewerID, e.chatID, since.Add(-e.opts.ReconcileOverlap))
	} else {
		missed, err = e.loader.History(ctx, e.viewerID, e.chatID)
	}
	if err != nil {
		return fmt.Errorf("reconcile history: %w", err)
	}
	if inserted := e.merge(missed); len(inserted) > 0 {
		e.emit(ctx, Update{Kind: UpdateMessages, State: e.State(), Messages: inserted})
	}
	return nil
}

func (e *Engine) consume(ctx context.Context, sub *feed.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return feed.ErrUnavailable
			}
			if err := e.apply(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) apply(ctx context.Context, ev feed.Event) error {
	if ev.ChatID != e.chatID || e.has(ev.MessageID) {
		return nil
	}

	var incoming []store.Message
	if ev.Truncated {
		rows, err := e.loader.HistorySince(ctx, e.viewerID, e.chatID, ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("refetch truncated message: %w", err)
		}
		incoming = rows
	} else {
		incoming = e.loader.Enrich(ctx, []store.Message{{
			ID:        ev.MessageID,
			ChatID:    ev.ChatID,
			SenderID:  ev.SenderID,
			Content:   ev.Content,
			CreatedAt: ev.CreatedAt,
		}})
	}

	if inserted := e.merge(incoming); len(inserted) > 0 {
		e.emit(ctx, Update{Kind: UpdateMessages, State: e.State(), Messages: inserted})
	}
	return nil
}

// merge inserts unseen messages in (created_at, id) order and returns them.
func (e *Engine) merge(incoming []store.Message) []store.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	inserted := make([]store.Message, 0, len(incoming))
	for _, msg := range incoming {
		if msg.ChatID != "" && msg.ChatID != e.chatID {
			continue
		}
		if _, dup := e.seen[msg.ID]; dup {
			continue
		}
		e.seen[msg.ID] = struct{}{}
		idx := sort.Search(len(e.messages), func(i int) bool {
			return before(msg, e.messages[i])
		})
		e.messages = append(e.messages, store.Message{})
		copy(e.messages[idx+1:], e.messages[idx:])
		e.messages[idx] = msg
		inserted = append(inserted, msg)
	}
	sort.SliceStable(inserted, func(i, j int) bool { return before(inserted[i], inserted[j]) })
	return inserted
}

func before(a, b store.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (e *Engine) has(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.seen[id]
	return ok
}

func (e *Engine) newest() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.messages) == 0 {
		return time.Time{}, false
	}
	return e.messages[len(e.messages)-1].CreatedAt, true
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

func (e *Engine) transition(ctx context.Context, state State, cause error) {
	e.mu.Lock()
	changed := e.state != state
	e.state = state
	e.mu.Unlock()
	if changed || cause != nil {
		e.emit(ctx, Update{Kind: UpdateState, State: state, Err: cause})
	}
}

// emit blocks until the consumer takes the update or the engine is closed.
func (e *Engine) emit(ctx context.Context, update Update) {
	select {
	case e.updates <- update:
	case <-ctx.Done():
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// IsFeedLoss reports whether err came from the feed rather than the store.
func IsFeedLoss(err error) bool {
	return errors.Is(err, feed.ErrUnavailable) || errors.Is(err, feed.ErrSlowConsumer) || errors.Is(err, feed.ErrClosed)
}
