package session

import (
	"context"
	"sync"

	"github.com/danmuck/uplinkctl/internal/protocol/frame"
)

// Inbox decouples the dispatch loop from message processing. Push blocks
// while the buffer is full, which stalls the dispatch loop and in turn the
// peer's writes.
type Inbox struct {
	items     chan frame.MessageBlockWithChannelID
	done      chan struct{}
	closeOnce sync.Once
}

func NewInbox(cfg Config) *Inbox {
	return &Inbox{
		items: make(chan frame.MessageBlockWithChannelID, cfg.InboundBufferLimit()),
		done:  make(chan struct{}),
	}
}

// Push queues one block. It returns false once the inbox is closed.
func (in *Inbox) Push(ch frame.ChannelID, block frame.MessageBlock) bool {
	select {
	case <-in.done:
		return false
	default:
	}
	select {
	case in.items <- frame.MessageBlockWithChannelID{MessageBlock: block, Channel: ch}:
		return true
	case <-in.done:
		return false
	}
}

// Run hands blocks to deliver until ctx ends or Close is called.
func (in *Inbox) Run(ctx context.Context, deliver func(ch frame.ChannelID, block frame.MessageBlock)) {
	for {
		select {
		case item := <-in.items:
			deliver(item.Channel, item.MessageBlock)
		case <-in.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (in *Inbox) Len() int {
	return len(in.items)
}

func (in *Inbox) Cap() int {
	return cap(in.items)
}

func (in *Inbox) Close() {
	in.closeOnce.Do(func() {
		close(in.done)
	})
}
