package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/uplinkctl/internal/protocol/frame"
	"github.com/danmuck/uplinkctl/internal/testutil/testlog"
)

type sentBlock struct {
	ch    frame.ChannelID
	block frame.MessageBlock
}

type captureSender struct {
	mu   sync.Mutex
	sent []sentBlock
	err  error
	hook func()
}

func (c *captureSender) SendMessageBlock(ch frame.ChannelID, block frame.MessageBlock) error {
	if c.hook != nil {
		c.hook()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, sentBlock{ch: ch, block: block})
	return nil
}

func (c *captureSender) Sent() []sentBlock {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentBlock, len(c.sent))
	copy(out, c.sent)
	return out
}

func smallQueueConfig(t *testing.T, n int) Config {
	t.Helper()
	b := NewConfigBuilder()
	for _, p := range frame.Priorities() {
		b = b.QueueLimit(p, n)
	}
	cfg, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return cfg
}

func TestOutboxDrainsByPriority(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox(DefaultConfig())
	ctx := context.Background()

	order := []frame.Priority{
		frame.PriorityLowBlockable,
		frame.PriorityDefault,
		frame.PriorityLowNonBlockable,
		frame.PriorityHigh,
		frame.PriorityForwarding,
	}
	for i, p := range order {
		if err := o.Enqueue(ctx, frame.ChannelID(p), frame.MustMessageBlock(2, []byte{byte(i)}), p); err != nil {
			t.Fatalf("enqueue %s: %v", p, err)
		}
	}

	sender := &captureSender{}
	sender.hook = func() {
		if len(sender.Sent()) == len(order)-1 {
			go o.Close()
		}
	}
	if err := o.Run(ctx, sender, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	sent := sender.Sent()
	if len(sent) != len(order) {
		t.Fatalf("sent=%d want %d", len(sent), len(order))
	}
	for i, p := range frame.Priorities() {
		if sent[i].ch != frame.ChannelID(p) {
			t.Fatalf("position %d carried %d want priority %s", i, sent[i].ch, p)
		}
	}
}

func TestOutboxFailsFastWhenFull(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox(smallQueueConfig(t, 2))
	ctx := context.Background()
	block := frame.MustMessageBlock(2, nil)
	for i := 0; i < 2; i++ {
		if err := o.Enqueue(ctx, 1, block, frame.PriorityHigh); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := o.Enqueue(ctx, 1, block, frame.PriorityHigh); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if o.Len(frame.PriorityHigh) != 2 {
		t.Fatalf("len=%d", o.Len(frame.PriorityHigh))
	}
	if err := o.Enqueue(ctx, 1, block, frame.PriorityDefault); err != nil {
		t.Fatalf("other priorities must be unaffected: %v", err)
	}
	if err := o.Enqueue(ctx, 1, block, frame.Priority(9)); err == nil {
		t.Fatalf("expected error for invalid priority")
	}
}

func TestOutboxBlockableWaitsForSpace(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox(smallQueueConfig(t, 1))
	ctx := context.Background()
	block := frame.MustMessageBlock(2, nil)
	if err := o.Enqueue(ctx, 1, block, frame.PriorityLowBlockable); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	enqueued := make(chan error, 1)
	go func() {
		enqueued <- o.Enqueue(ctx, 2, block, frame.PriorityLowBlockable)
	}()
	select {
	case err := <-enqueued:
		t.Fatalf("blockable enqueue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, ok := o.next(); !ok {
		t.Fatalf("expected a queued block")
	}
	select {
	case err := <-enqueued:
		if err != nil {
			t.Fatalf("blocked enqueue: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked producer was not released")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := o.Enqueue(waitCtx, 3, block, frame.PriorityLowBlockable); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestOutboxCloseReleasesProducersAndRun(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox(smallQueueConfig(t, 1))
	ctx := context.Background()
	block := frame.MustMessageBlock(2, nil)
	_ = o.Enqueue(ctx, 1, block, frame.PriorityLowBlockable)

	blocked := make(chan error, 1)
	go func() { blocked <- o.Enqueue(ctx, 1, block, frame.PriorityLowBlockable) }()
	time.Sleep(20 * time.Millisecond)
	o.Close()
	o.Close()

	if err := <-blocked; !errors.Is(err, ErrOutboxClosed) {
		t.Fatalf("expected ErrOutboxClosed, got %v", err)
	}
	if err := o.Enqueue(ctx, 1, block, frame.PriorityHigh); !errors.Is(err, ErrOutboxClosed) {
		t.Fatalf("expected ErrOutboxClosed, got %v", err)
	}
	if err := o.Run(ctx, &captureSender{}, nil); err != nil {
		t.Fatalf("run on closed outbox: %v", err)
	}
}

func TestOutboxReportsWriteErrors(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox(DefaultConfig())
	boom := errors.New("broken pipe")
	_ = o.Enqueue(context.Background(), 1, frame.MustMessageBlock(2, nil), frame.PriorityDefault)

	var reported error
	err := o.Run(context.Background(), &captureSender{err: boom}, func(err error) { reported = err })
	if !errors.Is(err, boom) || !errors.Is(reported, boom) {
		t.Fatalf("run err=%v reported=%v", err, reported)
	}
}

func TestInboxBoundsBufferedBlocks(t *testing.T) {
	testlog.Start(t)
	in := NewInbox(DefaultConfig())
	if in.Cap() != DefaultInboundBufferLimit {
		t.Fatalf("cap=%d", in.Cap())
	}
	for i := 0; i < in.Cap(); i++ {
		if !in.Push(frame.ChannelID(i), frame.MustMessageBlock(2, nil)) {
			t.Fatalf("push %d rejected", i)
		}
	}

	pushed := make(chan bool, 1)
	go func() { pushed <- in.Push(99, frame.MustMessageBlock(2, nil)) }()
	select {
	case <-pushed:
		t.Fatalf("push beyond the limit should block")
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var got []frame.ChannelID
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		in.Run(ctx, func(ch frame.ChannelID, _ frame.MessageBlock) {
			mu.Lock()
			got = append(got, ch)
			mu.Unlock()
		})
	}()
	if !<-pushed {
		t.Fatalf("blocked push should succeed once drained")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered=%d want 4", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-runDone

	in.Close()
	if in.Push(1, frame.MustMessageBlock(2, nil)) {
		t.Fatalf("push after close should fail")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []frame.ChannelID{0, 1, 2, 99}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order=%v want %v", got, want)
		}
	}
}
