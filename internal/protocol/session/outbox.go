package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/uplinkctl/internal/protocol/frame"
)

var (
	ErrQueueFull    = errors.New("session: outbound queue full")
	ErrOutboxClosed = errors.New("session: outbox closed")
)

// BlockSender is the synchronized send path an Outbox drains into.
type BlockSender interface {
	SendMessageBlock(ch frame.ChannelID, block frame.MessageBlock) error
}

// Outbox holds outgoing blocks in one bounded queue per priority and drains
// them highest priority first. Only LOW_BLOCKABLE producers wait for space;
// every other priority fails fast with ErrQueueFull.
type Outbox struct {
	mu     sync.Mutex
	queues map[frame.Priority][]frame.MessageBlockWithMetadata
	limits map[frame.Priority]int
	closed bool

	ready   chan struct{}
	space   chan struct{}
	closeCh chan struct{}
}

func NewOutbox(cfg Config) *Outbox {
	return &Outbox{
		queues:  make(map[frame.Priority][]frame.MessageBlockWithMetadata),
		limits:  cfg.QueueLimits(),
		ready:   make(chan struct{}, 1),
		space:   make(chan struct{}),
		closeCh: make(chan struct{}),
	}
}

// Enqueue adds block to the queue for prio.
func (o *Outbox) Enqueue(ctx context.Context, ch frame.ChannelID, block frame.MessageBlock, prio frame.Priority) error {
	if !prio.Valid() {
		return fmt.Errorf("session: invalid priority %d", int(prio))
	}
	item := frame.NewMessageBlockWithMetadata(ch, block, prio)
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return ErrOutboxClosed
		}
		if len(o.queues[prio]) < o.limits[prio] {
			o.queues[prio] = append(o.queues[prio], item)
			o.mu.Unlock()
			o.signalReady()
			return nil
		}
		if prio != frame.PriorityLowBlockable {
			o.mu.Unlock()
			return fmt.Errorf("%w: %s (limit %d)", ErrQueueFull, prio, o.limits[prio])
		}
		space := o.space
		o.mu.Unlock()

		select {
		case <-space:
		case <-o.closeCh:
			return ErrOutboxClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Outbox) signalReady() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Len returns the number of queued blocks for prio.
func (o *Outbox) Len(prio frame.Priority) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queues[prio])
}

func (o *Outbox) next() (frame.MessageBlockWithMetadata, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range frame.Priorities() {
		q := o.queues[p]
		if len(q) == 0 {
			continue
		}
		item := q[0]
		q[0] = frame.MessageBlockWithMetadata{}
		o.queues[p] = q[1:]
		if p == frame.PriorityLowBlockable {
			close(o.space)
			o.space = make(chan struct{})
		}
		return item, true
	}
	return frame.MessageBlockWithMetadata{}, false
}

// Run drains queued blocks into sender until ctx ends, the outbox is closed
// or a send fails. Send failures are passed to onWriteError before Run
// returns them.
func (o *Outbox) Run(ctx context.Context, sender BlockSender, onWriteError func(error)) error {
	for {
		item, ok := o.next()
		if !ok {
			select {
			case <-o.ready:
				continue
			case <-o.closeCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := sender.SendMessageBlock(item.Channel, item.MessageBlock); err != nil {
			if onWriteError != nil {
				onWriteError(err)
			}
			return err
		}
	}
}

// Close stops Run and releases blocked producers. Queued blocks are dropped.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.queues = make(map[frame.Priority][]frame.MessageBlockWithMetadata)
	close(o.closeCh)
}
