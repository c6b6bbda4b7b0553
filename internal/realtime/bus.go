// Package realtime fans committed record changes out to live subscriptions.
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"recordapi/internal/logutil"
	"recordapi/internal/store"
)

var (
	ErrClosed        = errors.New("realtime: bus closed")
	ErrConfigChanged = errors.New("realtime: record api configuration changed")
	ErrSlowConsumer  = errors.New("realtime: subscriber queue full")
	ErrOverloaded    = errors.New("realtime: event backlog exceeded")
)

// Operation is the kind of committed mutation.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeEvent describes one committed row mutation. Row is the row after the
// change, or the deleted row for OpDelete.
type ChangeEvent struct {
	Table      string
	Operation  Operation
	PrimaryKey any
	Row        store.Row
}

// Filter decides what, if anything, a subscription receives for ev. A nil
// payload skips the event; an error closes the subscription.
type Filter func(ctx context.Context, ev ChangeEvent) ([]byte, error)

type Options struct {
	// QueueSize bounds the undelivered payloads per subscription.
	QueueSize int
	// InboxLimit bounds the events waiting for the dispatcher.
	InboxLimit int
}

// Bus accepts events from writers without blocking and delivers them from a
// single dispatcher goroutine, which keeps commit order per subscription.
type Bus struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	inbox  []queued
	seq    uint64
	subs   map[uuid.UUID]*Subscription
	closed bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBus(opts Options, log *zap.Logger) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.InboxLimit <= 0 {
		opts.InboxLimit = 4096
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		opts:   opts,
		log:    logutil.OrNop(log),
		subs:   make(map[uuid.UUID]*Subscription),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// queued is an event stamped with its publish sequence number.
type queued struct {
	seq uint64
	ev  ChangeEvent
}

// SubscribeOptions describes a new subscription.
type SubscribeOptions struct {
	API         string
	Table       string
	Fingerprint uint64
	Filter      Filter
}

// Subscribe registers a subscription for changes to opts.Table. Only events
// published after Subscribe returns are delivered, even if older ones are
// still waiting for the dispatcher.
func (b *Bus) Subscribe(opts SubscribeOptions) (*Subscription, error) {
	s := &Subscription{
		ID:          uuid.New(),
		API:         opts.API,
		Table:       opts.Table,
		Fingerprint: opts.Fingerprint,
		filter:      opts.Filter,
		events:      make(chan []byte, b.opts.QueueSize),
		done:        make(chan struct{}),
		bus:         b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s.start = b.seq + 1
	b.subs[s.ID] = s
	return s, nil
}

// Publish queues events for delivery and returns immediately. When the
// dispatcher has fallen too far behind, the backlog is dropped and every
// subscription is closed so clients resync.
func (b *Bus) Publish(events ...ChangeEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.inbox)+len(events) > b.opts.InboxLimit {
		dropped := len(b.inbox) + len(events)
		b.inbox = nil
		victims := b.detachLocked(func(*Subscription) bool { return true })
		b.mu.Unlock()
		for _, s := range victims {
			s.finish(ErrOverloaded)
		}
		b.log.Warn("event backlog exceeded, closed all subscriptions",
			zap.Int("dropped", dropped), zap.Int("subscriptions", len(victims)))
		return
	}
	for _, ev := range events {
		b.seq++
		b.inbox = append(b.inbox, queued{seq: b.seq, ev: ev})
	}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// CloseWhere closes every subscription matching pred with err and returns how
// many were closed.
func (b *Bus) CloseWhere(pred func(*Subscription) bool, err error) int {
	b.mu.Lock()
	victims := b.detachLocked(pred)
	b.mu.Unlock()
	for _, s := range victims {
		s.finish(err)
	}
	return len(victims)
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops the dispatcher and closes all subscriptions with ErrClosed.
// Queued events are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.inbox = nil
	victims := b.detachLocked(func(*Subscription) bool { return true })
	b.mu.Unlock()

	b.cancel()
	for _, s := range victims {
		s.finish(ErrClosed)
	}
	b.wg.Wait()
}

func (b *Bus) detachLocked(pred func(*Subscription) bool) []*Subscription {
	var out []*Subscription
	for id, s := range b.subs {
		if pred(s) {
			delete(b.subs, id)
			out = append(out, s)
		}
	}
	return out
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s.ID)
	b.mu.Unlock()
}

func (b *Bus) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.wake:
		}

		b.mu.Lock()
		batch := b.inbox
		b.inbox = nil
		b.mu.Unlock()

		for _, q := range batch {
			if b.ctx.Err() != nil {
				return
			}
			b.dispatch(q.seq, q.ev)
		}
	}
}

func (b *Bus) dispatch(seq uint64, ev ChangeEvent) {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.Table == ev.Table && seq >= s.start {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		if s.isDone() {
			continue
		}
		payload, err := s.filter(b.ctx, ev)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.log.Warn("subscription filter failed",
				zap.String("subscription", s.ID.String()), zap.String("api", s.API), zap.Error(err))
			b.remove(s)
			s.finish(err)
			continue
		}
		if payload == nil {
			continue
		}
		select {
		case s.events <- payload:
		default:
			b.log.Info("dropping slow subscriber",
				zap.String("subscription", s.ID.String()), zap.String("api", s.API))
			b.remove(s)
			s.finish(ErrSlowConsumer)
		}
	}
}

// Subscription is one live change stream. Events is never closed; consumers
// select on Done as well.
type Subscription struct {
	ID          uuid.UUID
	API         string
	Table       string
	Fingerprint uint64

	filter Filter
	start  uint64 // first sequence number delivered
	events chan []byte
	done   chan struct{}
	bus    *Bus

	once sync.Once
	mu   sync.Mutex
	err  error
}

// Events delivers encoded payloads in commit order.
func (s *Subscription) Events() <-chan []byte { return s.events }

// Done is closed once the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription ended; nil while active or after Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. Undelivered payloads are dropped.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.finish(nil)
}

func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
