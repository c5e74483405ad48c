// file: pkg/registry/registry.go

// Package registry 是 mirror 的数据源：一个基于 bbolt 的对象存储，
// 为每次写入分配全局递增的 resourceVersion，并保留一段变更历史以支持从旧版本恢复 watch。
package registry

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/codec"
	"github.com/fx147/ecsm-mirror/pkg/metrics"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

var (
	// _metadataBucketKey 是一个特殊的 bucket，用于存放 registry 的元数据。
	_metadataBucketKey = []byte("_metadata")
	// _globalResourceVersionKey 是存储全局版本号的 key。
	_globalResourceVersionKey = []byte("globalResourceVersion")
	// _compactedRevisionKey 记录已经被压缩掉的最大版本号。
	_compactedRevisionKey = []byte("compactedRevision")

	// _objectsBucketKey 下每个 kind 一个子 bucket，key 为 "namespace/name"。
	_objectsBucketKey = []byte("objects")
	// _eventsBucketKey 保存变更历史，key 为 8 字节大端的 resourceVersion。
	_eventsBucketKey = []byte("events")
)

const (
	DefaultBookmarkInterval = time.Minute
	DefaultWatchBuffer      = 100
)

// 编译时检查
var _ Interface = &Registry{}

// Interface 是 Registry 业务逻辑层的接口。
// 它定义了所有上层组件（如 apiserver, controller）可以调用的方法。
type Interface interface {
	// Subscribe 订阅 Registry 的全部变更事件。
	Subscribe() (<-chan Event, func())

	Create(ctx context.Context, obj metav1.Object) (metav1.Object, error)
	Update(ctx context.Context, obj metav1.Object) (metav1.Object, error)
	Get(ctx context.Context, kind, namespace, name string) (metav1.Object, error)
	List(ctx context.Context, kind, namespace string, opts watch.ListOptions) (*watch.List, error)
	Delete(ctx context.Context, kind, namespace, name string) (metav1.Object, error)
	Watch(ctx context.Context, kind, namespace string, opts watch.ListOptions) (watch.Interface, error)
	Compact(ctx context.Context, keep uint64) (uint64, error)
	ResourceVersion() (uint64, error)
}

type Options struct {
	Codec *codec.Codec
	Clock clock.WithTicker
	// BookmarkInterval 是 watch 空闲时发送 Bookmark 的间隔。
	BookmarkInterval time.Duration
	// WatchBuffer 是每个订阅者的缓冲大小，写满的订阅者会被关闭。
	WatchBuffer int
}

// Registry 是业务逻辑层，它使用 bbolt 持久化数据，并广播变更事件。
type Registry struct {
	db    *bolt.DB // 直接持有 bbolt DB 实例以使用其事务
	codec *codec.Codec
	clock clock.WithTicker

	bookmarkInterval time.Duration
	watchBuffer      int

	// writeLock 覆盖一次写事务和随后的 publish，
	// 订阅者因此按 resourceVersion 的顺序收到事件。
	writeLock sync.Mutex

	// --- 事件相关的字段 ---
	subs      map[int]chan Event // 存储所有订阅者的 channel
	nextSubID int
	subsLock  sync.RWMutex // 保护 subs 字段的锁
}

// Open 打开（必要时创建）path 处的 bbolt 文件并创建 Registry。
func Open(path string, opts Options) (*Registry, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database %s: %w", path, err)
	}
	r, err := NewRegistry(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// NewRegistry 创建一个新的 Registry 实例。
// 它接收一个已经打开的 bbolt 数据库实例。
func NewRegistry(db *bolt.DB, opts Options) (*Registry, error) {
	// 初始化 bucket
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{_metadataBucketKey, _objectsBucketKey, _eventsBucketKey} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.BookmarkInterval <= 0 {
		opts.BookmarkInterval = DefaultBookmarkInterval
	}
	if opts.WatchBuffer <= 0 {
		opts.WatchBuffer = DefaultWatchBuffer
	}

	r := &Registry{
		db:               db,
		codec:            opts.Codec,
		clock:            opts.Clock,
		bookmarkInterval: opts.BookmarkInterval,
		watchBuffer:      opts.WatchBuffer,
		subs:             make(map[int]chan Event),
	}
	if rv, err := r.ResourceVersion(); err == nil {
		metrics.RegistryResourceVersion.Set(float64(rv))
	}
	return r, nil
}

// Close 关闭所有订阅者和底层数据库。
func (r *Registry) Close() error {
	r.subsLock.Lock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.subsLock.Unlock()
	return r.db.Close()
}

// Subscribe 允许一个 watcher 或其他组件订阅 Registry 的变更事件。
// 它返回一个用于接收事件的 channel 和一个用于取消订阅的函数。
// 消费过慢、缓冲写满的订阅者会被关闭 channel，由订阅者自己决定如何恢复。
func (r *Registry) Subscribe() (<-chan Event, func()) {
	r.subsLock.Lock()
	defer r.subsLock.Unlock()
	ch, cancel := r.subscribeLocked()
	return ch, cancel
}

func (r *Registry) subscribeLocked() (chan Event, func()) {
	id := r.nextSubID
	r.nextSubID++

	ch := make(chan Event, r.watchBuffer) // 使用带缓冲的 channel
	r.subs[id] = ch

	cancelFunc := func() {
		r.subsLock.Lock()
		defer r.subsLock.Unlock()
		if ch, ok := r.subs[id]; ok {
			close(ch)
			delete(r.subs, id)
		}
	}

	return ch, cancelFunc
}

// publish 是一个内部方法，用于向所有订阅者广播一个事件。调用方持有 writeLock。
func (r *Registry) publish(event Event) {
	r.subsLock.Lock()
	defer r.subsLock.Unlock()

	for id, ch := range r.subs {
		select {
		case ch <- event:
			// 发送成功
		default:
			// 丢弃事件会让订阅者悄悄地与数据源不一致，所以直接关闭它，
			// 订阅者从最后收到的版本重新 watch 即可补齐。
			klog.Warningf("Registry subscriber %d is too slow, closing it at resourceVersion %d", id, event.ResourceVersion)
			close(ch)
			delete(r.subs, id)
			metrics.RegistryWatchersEvicted.Inc()
		}
	}
	metrics.RegistryResourceVersion.Set(float64(event.ResourceVersion))
}

// ResourceVersion 返回当前的全局版本号。
func (r *Registry) ResourceVersion() (uint64, error) {
	var rv uint64
	err := r.db.View(func(tx *bolt.Tx) error {
		rv = readUint64(tx.Bucket(_metadataBucketKey), _globalResourceVersionKey)
		return nil
	})
	return rv, err
}

// getAndIncrementGlobalRV 是一个在事务内部调用的辅助函数。
// 它原子性地获取并递增全局 resourceVersion。
// bbolt 同一时刻只允许一个写事务，所以读-改-写不会交错。
func getAndIncrementGlobalRV(metaBucket *bolt.Bucket) (uint64, error) {
	newRV := readUint64(metaBucket, _globalResourceVersionKey) + 1
	if err := metaBucket.Put(_globalResourceVersionKey, encodeUint64(newRV)); err != nil {
		return 0, err
	}
	return newRV, nil
}

func readUint64(b *bolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
