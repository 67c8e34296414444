package session

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/uplinkctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var ErrInvalidHeartbeat = errors.New("session: invalid heartbeat payload")

const heartbeatPayloadLen = 8

// NewHeartbeatBlock builds a HEARTBEAT block stamped with t (unix ms).
func NewHeartbeatBlock(t time.Time) frame.MessageBlock {
	var buf [heartbeatPayloadLen]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.UnixMilli()))
	return frame.MustMessageBlock(frame.TypeHeartbeat, buf[:])
}

// HeartbeatSentAt decodes the timestamp carried by a heartbeat or its
// response.
func HeartbeatSentAt(block frame.MessageBlock) (time.Time, error) {
	data := block.Data()
	if len(data) != heartbeatPayloadLen {
		return time.Time{}, ErrInvalidHeartbeat
	}
	return time.UnixMilli(int64(binary.BigEndian.Uint64(data))), nil
}

// AnswerHeartbeat echoes a heartbeat payload back as HEARTBEAT_RESPONSE.
func AnswerHeartbeat(sender BlockSender, ch frame.ChannelID, heartbeat frame.MessageBlock) error {
	resp, err := frame.NewMessageBlock(frame.TypeHeartbeatResponse, heartbeat.Data())
	if err != nil {
		return err
	}
	return sender.SendMessageBlock(ch, resp)
}

// Heartbeat sends HEARTBEAT frames at randomized intervals and measures
// round-trip times from the echoed responses.
type Heartbeat struct {
	sender BlockSender
	cfg    Config
	rng    *rand.Rand
	onRTT  func(time.Duration)
	now    func() time.Time

	mu         sync.Mutex
	lastSent   time.Time
	lastAnswer time.Time
}

func NewHeartbeat(sender BlockSender, cfg Config, rng *rand.Rand, onRTT func(time.Duration)) *Heartbeat {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Heartbeat{
		sender: sender,
		cfg:    cfg,
		rng:    rng,
		onRTT:  onRTT,
		now:    time.Now,
	}
}

// Run sends heartbeats until ctx ends or a send fails.
func (h *Heartbeat) Run(ctx context.Context) error {
	for {
		timer := time.NewTimer(h.cfg.NextHeartbeatDelay(h.rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		h.checkOverdue()
		if err := h.SendOne(); err != nil {
			return err
		}
	}
}

// SendOne sends a single heartbeat on the default channel.
func (h *Heartbeat) SendOne() error {
	now := h.now()
	if err := h.sender.SendMessageBlock(frame.DefaultChannelID, NewHeartbeatBlock(now)); err != nil {
		return err
	}
	h.mu.Lock()
	h.lastSent = now
	h.mu.Unlock()
	return nil
}

func (h *Heartbeat) checkOverdue() {
	h.mu.Lock()
	sent, answered := h.lastSent, h.lastAnswer
	h.mu.Unlock()
	if sent.IsZero() || !answered.Before(sent) {
		return
	}
	if waited := h.now().Sub(sent); waited > h.cfg.HeartbeatWarningThreshold() {
		log.Warn().
			Dur("waited", waited).
			Dur("threshold", h.cfg.HeartbeatWarningThreshold()).
			Msg("session.Heartbeat no response to the previous heartbeat")
	}
}

// HandleResponse records a HEARTBEAT_RESPONSE and returns the measured
// round-trip time.
func (h *Heartbeat) HandleResponse(block frame.MessageBlock) (time.Duration, error) {
	sentAt, err := HeartbeatSentAt(block)
	if err != nil {
		return 0, err
	}
	now := h.now()
	rtt := now.Sub(sentAt)
	if rtt < 0 {
		rtt = 0
	}
	h.mu.Lock()
	h.lastAnswer = now
	h.mu.Unlock()

	if rtt > h.cfg.HeartbeatWarningThreshold() {
		log.Warn().
			Dur("rtt", rtt).
			Dur("threshold", h.cfg.HeartbeatWarningThreshold()).
			Msg("session.Heartbeat slow heartbeat response")
	}
	if h.onRTT != nil {
		h.onRTT(rtt)
	}
	return rtt, nil
}
