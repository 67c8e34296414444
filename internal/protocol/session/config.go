package session

import (
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/danmuck/uplinkctl/internal/protocol/frame"
)

var ErrInvalidConfig = errors.New("session: invalid config")

const (
	DefaultHandshakeTimeout            = 3000 * time.Millisecond
	DefaultHeartbeatInterval           = 30000 * time.Millisecond
	DefaultHeartbeatSpread             = 2000 * time.Millisecond
	DefaultHeartbeatWarningThreshold   = 5000 * time.Millisecond
	DefaultChannelRequestTimeout       = 30000 * time.Millisecond
	DefaultDocumentationRequestTimeout = 30000 * time.Millisecond
	DefaultInboundBufferLimit          = 3
)

// DefaultQueueLimits returns the per-priority outbound queue caps.
func DefaultQueueLimits() map[frame.Priority]int {
	return map[frame.Priority]int{
		frame.PriorityHigh:            10,
		frame.PriorityDefault:         100,
		frame.PriorityForwarding:      20,
		frame.PriorityLowNonBlockable: 50,
		frame.PriorityLowBlockable:    10,
	}
}

// Config is an immutable snapshot of protocol timing and backpressure
// parameters. Build one with ConfigBuilder.
type Config struct {
	handshakeTimeout            time.Duration
	heartbeatInterval           time.Duration
	heartbeatSpread             time.Duration
	heartbeatWarningThreshold   time.Duration
	channelRequestTimeout       time.Duration
	documentationRequestTimeout time.Duration
	queueLimits                 map[frame.Priority]int
	inboundBufferLimit          int
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	cfg, err := NewConfigBuilder().Build()
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c Config) HandshakeTimeout() time.Duration            { return c.handshakeTimeout }
func (c Config) HeartbeatInterval() time.Duration           { return c.heartbeatInterval }
func (c Config) HeartbeatSpread() time.Duration             { return c.heartbeatSpread }
func (c Config) HeartbeatWarningThreshold() time.Duration   { return c.heartbeatWarningThreshold }
func (c Config) ChannelRequestTimeout() time.Duration       { return c.channelRequestTimeout }
func (c Config) DocumentationRequestTimeout() time.Duration { return c.documentationRequestTimeout }
func (c Config) InboundBufferLimit() int                    { return c.inboundBufferLimit }

// QueueLimit returns the outbound queue cap for p, or 0 for an unknown
// priority.
func (c Config) QueueLimit(p frame.Priority) int {
	return c.queueLimits[p]
}

// QueueLimits returns a copy of the per-priority caps.
func (c Config) QueueLimits() map[frame.Priority]int {
	out := make(map[frame.Priority]int, len(c.queueLimits))
	for p, n := range c.queueLimits {
		out[p] = n
	}
	return out
}

// NextHeartbeatDelay picks the next send delay uniformly from
// interval ± spread.
func (c Config) NextHeartbeatDelay(rng *rand.Rand) time.Duration {
	if c.heartbeatSpread <= 0 {
		return c.heartbeatInterval
	}
	span := int64(2*c.heartbeatSpread) + 1
	var offset int64
	if rng != nil {
		offset = rng.Int63n(span)
	} else {
		offset = rand.Int63n(span)
	}
	return c.heartbeatInterval - c.heartbeatSpread + time.Duration(offset)
}

// ConfigBuilder assembles a Config. Setters return a modified copy, so a
// builder value can be forked and reused without aliasing.
type ConfigBuilder struct {
	cfg Config
}

func NewConfigBuilder() ConfigBuilder {
	return ConfigBuilder{cfg: Config{
		handshakeTimeout:            DefaultHandshakeTimeout,
		heartbeatInterval:           DefaultHeartbeatInterval,
		heartbeatSpread:             DefaultHeartbeatSpread,
		heartbeatWarningThreshold:   DefaultHeartbeatWarningThreshold,
		channelRequestTimeout:       DefaultChannelRequestTimeout,
		documentationRequestTimeout: DefaultDocumentationRequestTimeout,
		queueLimits:                 DefaultQueueLimits(),
		inboundBufferLimit:          DefaultInboundBufferLimit,
	}}
}

// Builder returns a builder seeded with c's values.
func (c Config) Builder() ConfigBuilder {
	cp := c
	cp.queueLimits = c.QueueLimits()
	return ConfigBuilder{cfg: cp}
}

func (b ConfigBuilder) HandshakeTimeout(d time.Duration) ConfigBuilder {
	b.cfg.handshakeTimeout = d
	return b
}

func (b ConfigBuilder) Heartbeat(interval, spread time.Duration) ConfigBuilder {
	b.cfg.heartbeatInterval = interval
	b.cfg.heartbeatSpread = spread
	return b
}

func (b ConfigBuilder) HeartbeatWarningThreshold(d time.Duration) ConfigBuilder {
	b.cfg.heartbeatWarningThreshold = d
	return b
}

func (b ConfigBuilder) ChannelRequestTimeout(d time.Duration) ConfigBuilder {
	b.cfg.channelRequestTimeout = d
	return b
}

func (b ConfigBuilder) DocumentationRequestTimeout(d time.Duration) ConfigBuilder {
	b.cfg.documentationRequestTimeout = d
	return b
}

func (b ConfigBuilder) QueueLimit(p frame.Priority, n int) ConfigBuilder {
	limits := make(map[frame.Priority]int, len(b.cfg.queueLimits)+1)
	for k, v := range b.cfg.queueLimits {
		limits[k] = v
	}
	limits[p] = n
	b.cfg.queueLimits = limits
	return b
}

func (b ConfigBuilder) InboundBufferLimit(n int) ConfigBuilder {
	b.cfg.inboundBufferLimit = n
	return b
}

// Build validates and freezes the configuration.
func (b ConfigBuilder) Build() (Config, error) {
	c := b.cfg
	if c.handshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("%w: handshake timeout must be positive", ErrInvalidConfig)
	}
	if c.heartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("%w: heartbeat interval must be positive", ErrInvalidConfig)
	}
	if c.heartbeatSpread < 0 || c.heartbeatSpread >= c.heartbeatInterval {
		return Config{}, fmt.Errorf("%w: heartbeat spread must be in [0, interval)", ErrInvalidConfig)
	}
	if c.heartbeatWarningThreshold <= 0 {
		return Config{}, fmt.Errorf("%w: heartbeat warning threshold must be positive", ErrInvalidConfig)
	}
	if c.channelRequestTimeout <= 0 || c.documentationRequestTimeout <= 0 {
		return Config{}, fmt.Errorf("%w: request timeouts must be positive", ErrInvalidConfig)
	}
	if c.inboundBufferLimit < 1 {
		return Config{}, fmt.Errorf("%w: inbound buffer limit must be at least 1", ErrInvalidConfig)
	}
	if len(c.queueLimits) != len(frame.Priorities()) {
		return Config{}, fmt.Errorf("%w: queue limits must cover exactly %d priorities", ErrInvalidConfig, len(frame.Priorities()))
	}
	limits := make(map[frame.Priority]int, len(c.queueLimits))
	for _, p := range frame.Priorities() {
		n, ok := c.queueLimits[p]
		if !ok {
			return Config{}, fmt.Errorf("%w: missing queue limit for %s", ErrInvalidConfig, p)
		}
		if n < 1 {
			return Config{}, fmt.Errorf("%w: queue limit for %s must be at least 1", ErrInvalidConfig, p)
		}
		limits[p] = n
	}
	c.queueLimits = limits
	return c, nil
}

// ConfigProvider holds the current configuration snapshot. Components take
// a provider so tests can swap the snapshot without touching call sites.
// A nil provider serves DefaultConfig.
type ConfigProvider struct {
	current atomic.Pointer[Config]
}

func NewConfigProvider() *ConfigProvider {
	p := &ConfigProvider{}
	p.Reset()
	return p
}

// StaticConfigProvider returns a provider pinned to cfg.
func StaticConfigProvider(cfg Config) *ConfigProvider {
	p := &ConfigProvider{}
	p.Override(cfg)
	return p
}

func (p *ConfigProvider) Current() Config {
	if p == nil {
		return DefaultConfig()
	}
	if cfg := p.current.Load(); cfg != nil {
		return *cfg
	}
	return DefaultConfig()
}

func (p *ConfigProvider) Override(cfg Config) {
	p.current.Store(&cfg)
}

func (p *ConfigProvider) Reset() {
	cfg := DefaultConfig()
	p.current.Store(&cfg)
}
