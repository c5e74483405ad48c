package informer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func noJitter() BackoffConfig {
	return BackoffConfig{
		Base:      100 * time.Millisecond,
		Ceiling:   time.Second,
		MinUptime: time.Minute,
	}
}

func TestBackoffIsMonotonicUpToCeiling(t *testing.T) {
	b := NewBackoffPolicy(noJitter(), clocktesting.NewFakeClock(time.Now()))
	assert.Equal(t, BackoffIdle, b.State())

	var got []time.Duration
	for i := 0; i < 7; i++ {
		got = append(got, b.Failure())
	}

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
		time.Second,
	}, got)
	assert.Equal(t, 7, b.FailureCount())
	assert.Equal(t, BackoffBackingOff, b.State())
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	cfg := noJitter()
	cfg.Jitter = 0.2
	b := NewBackoffPolicy(cfg, clocktesting.NewFakeClock(time.Now()))

	for i := 0; i < 10; i++ {
		d := b.Failure()
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestBackoffResetsOnlyAfterSustainedHealth(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	b := NewBackoffPolicy(noJitter(), clk)

	b.Failure()
	b.Failure()
	b.Failure()

	// 重连后马上收到数据，不算持续健康
	b.Connected()
	clk.Step(time.Second)
	assert.False(t, b.Healthy())
	assert.Equal(t, 3, b.FailureCount())

	// 短暂连接后再次失败，延迟继续增长
	assert.Equal(t, 800*time.Millisecond, b.Failure())

	b.Connected()
	clk.Step(2 * time.Minute)
	require.True(t, b.Healthy())
	assert.Equal(t, 0, b.FailureCount())
	assert.Equal(t, BackoffIdle, b.State())
	assert.Equal(t, 100*time.Millisecond, b.Failure())
}

func TestBackoffFailureAfterLongUptimeStartsOver(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	b := NewBackoffPolicy(noJitter(), clk)

	b.Failure()
	b.Failure()
	b.Connected()
	clk.Step(5 * time.Minute)

	// 连接稳定运行后断开，没有中间事件触发 Healthy
	assert.Equal(t, 100*time.Millisecond, b.Failure())
	assert.Equal(t, 1, b.FailureCount())
}

func TestBackoffConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultBackoffConfig().Validate())

	cfg := DefaultBackoffConfig()
	cfg.Ceiling = cfg.Base / 2
	assert.Error(t, cfg.Validate())

	cfg = DefaultBackoffConfig()
	cfg.Jitter = 1.5
	assert.Error(t, cfg.Validate())
}
