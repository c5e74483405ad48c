package informer

import (
	"fmt"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/utils/clock"

	"github.com/fx147/ecsm-mirror/pkg/cache"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

type options struct {
	backoff      BackoffConfig
	dispatch     cache.DispatcherOptions
	clock        clock.Clock
	resyncPeriod time.Duration
	watchTimeout time.Duration
	listOptions  watch.ListOptions
	bookmarks    bool
	onFatal      func(error)
}

func defaultOptions() options {
	return options{
		backoff: DefaultBackoffConfig(),
		dispatch: cache.DispatcherOptions{
			Policy:    cache.BoundedWait,
			QueueSize: cache.DefaultQueueSize,
			Timeout:   cache.DefaultDispatchTimeout,
		},
		clock:     clock.RealClock{},
		bookmarks: true,
	}
}

func (o options) validate() error {
	var errs []error
	if err := o.backoff.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := o.dispatch.Validate(); err != nil {
		errs = append(errs, err)
	}
	if o.resyncPeriod < 0 {
		errs = append(errs, fmt.Errorf("resync period must not be negative, got %v", o.resyncPeriod))
	}
	if o.watchTimeout < 0 {
		errs = append(errs, fmt.Errorf("watch timeout must not be negative, got %v", o.watchTimeout))
	}
	return utilerrors.NewAggregate(errs)
}

// Option 配置一个 Reflector。
type Option func(*options)

func WithBackoff(cfg BackoffConfig) Option {
	return func(o *options) { o.backoff = cfg }
}

// WithDispatchOptions 设置观察者队列的策略、容量和超时。
func WithDispatchOptions(d cache.DispatcherOptions) Option {
	return func(o *options) { o.dispatch = d }
}

func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithResyncPeriod 让 reflector 每隔 period 做一次全量 re-list，0 表示关闭。
func WithResyncPeriod(period time.Duration) Option {
	return func(o *options) { o.resyncPeriod = period }
}

// WithWatchTimeout 限制单个 watch 流的时长，到期后从当前版本重新 watch。
func WithWatchTimeout(timeout time.Duration) Option {
	return func(o *options) { o.watchTimeout = timeout }
}

// WithListOptions 设置 list 和 watch 共用的选择器。
// ResourceVersion、TimeoutSeconds 和 AllowBookmarks 由 reflector 自己管理。
func WithListOptions(opts watch.ListOptions) Option {
	return func(o *options) { o.listOptions = opts }
}

func WithBookmarks(enabled bool) Option {
	return func(o *options) { o.bookmarks = enabled }
}

// WithFatalErrorHandler 在 reflector 因 Permanent 错误终止时被调用。
func WithFatalErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onFatal = fn }
}
