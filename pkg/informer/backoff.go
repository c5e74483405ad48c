package informer

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"k8s.io/utils/clock"
)

// BackoffState 是 BackoffPolicy 的状态。
type BackoffState string

const (
	BackoffIdle       BackoffState = "Idle"
	BackoffBackingOff BackoffState = "BackingOff"
)

// BackoffConfig 描述重连退避：
// delay = min(Ceiling, Base * 2^failureCount) * jitter(1±Jitter)。
type BackoffConfig struct {
	Base    time.Duration
	Ceiling time.Duration
	// Jitter 是随机化系数，0.2 表示在 0.8..1.2 倍之间随机。
	Jitter float64
	// MinUptime 是连接需要持续健康多久才会清零失败计数。
	MinUptime time.Duration
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:      800 * time.Millisecond,
		Ceiling:   30 * time.Second,
		Jitter:    0.2,
		MinUptime: 2 * time.Minute,
	}
}

func (c BackoffConfig) Validate() error {
	if c.Base <= 0 {
		return fmt.Errorf("backoff base must be positive, got %v", c.Base)
	}
	if c.Ceiling < c.Base {
		return fmt.Errorf("backoff ceiling %v is smaller than base %v", c.Ceiling, c.Base)
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("backoff jitter must be in [0, 1), got %v", c.Jitter)
	}
	if c.MinUptime < 0 {
		return fmt.Errorf("backoff min uptime must not be negative, got %v", c.MinUptime)
	}
	return nil
}

// BackoffPolicy 计算 list/watch 失败后的重连延迟。
// 失败计数只在连接持续健康超过 MinUptime 之后才会清零，
// 一次短暂的成功重连不会抹掉之前的退避历史。
type BackoffPolicy struct {
	mu sync.Mutex

	clock     clock.PassiveClock
	exp       *backoff.ExponentialBackOff
	minUptime time.Duration

	state       BackoffState
	failures    int
	connected   bool
	connectedAt time.Time
}

func NewBackoffPolicy(cfg BackoffConfig, clk clock.PassiveClock) *BackoffPolicy {
	if clk == nil {
		clk = clock.RealClock{}
	}
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.Base,
		RandomizationFactor: cfg.Jitter,
		Multiplier:          2,
		MaxInterval:         cfg.Ceiling,
	}
	exp.Reset()
	return &BackoffPolicy{
		clock:     clk,
		exp:       exp,
		minUptime: cfg.MinUptime,
		state:     BackoffIdle,
	}
}

// Failure 记录一次连接失败并返回下一次重试前需要等待的时间。
func (b *BackoffPolicy) Failure() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	// 连接在失败之前已经稳定运行了足够久，这次失败算作新一轮的开始
	b.resetIfSustainedLocked()
	b.connected = false

	b.failures++
	b.state = BackoffBackingOff
	return b.exp.NextBackOff()
}

// Connected 记录一次连接建立（list 成功或 watch 打开）。
// 连续多次调用不会重置连接起点。
func (b *BackoffPolicy) Connected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return
	}
	b.connected = true
	b.connectedAt = b.clock.Now()
}

// Healthy 在连接上收到数据时调用。连接已经持续 MinUptime 时清零失败计数，
// 返回是否发生了重置。
func (b *BackoffPolicy) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resetIfSustainedLocked()
}

func (b *BackoffPolicy) resetIfSustainedLocked() bool {
	if !b.connected || b.failures == 0 {
		return false
	}
	if b.clock.Since(b.connectedAt) < b.minUptime {
		return false
	}
	b.failures = 0
	b.state = BackoffIdle
	b.exp.Reset()
	return true
}

func (b *BackoffPolicy) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *BackoffPolicy) State() BackoffState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
