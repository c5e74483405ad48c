package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"k8s.io/apimachinery/pkg/api/errors"
	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/klog/v2"

	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

func groupResource(obj metav1.Object) schema.GroupResource {
	gvk := obj.GetObjectKind().GroupVersionKind()
	return resourceFor(gvk.Group, gvk.Kind)
}

func resourceFor(group, kind string) schema.GroupResource {
	return schema.GroupResource{Group: group, Resource: strings.ToLower(kind) + "s"}
}

func objectKey(namespace, name string) []byte {
	return []byte(namespace + "/" + name)
}

// validate 检查对象的身份字段，返回的错误对应 HTTP 422。
func validate(obj metav1.Object) error {
	meta := obj.GetObjectMeta()
	gvk := obj.GetObjectKind().GroupVersionKind()

	var errs field.ErrorList
	if gvk.Kind == "" {
		errs = append(errs, field.Required(field.NewPath("kind"), ""))
	}
	if meta.Name == "" {
		errs = append(errs, field.Required(field.NewPath("metadata", "name"), ""))
	} else {
		for _, msg := range validation.IsDNS1123Subdomain(meta.Name) {
			errs = append(errs, field.Invalid(field.NewPath("metadata", "name"), meta.Name, msg))
		}
	}
	if meta.Namespace != "" {
		for _, msg := range validation.IsDNS1123Label(meta.Namespace) {
			errs = append(errs, field.Invalid(field.NewPath("metadata", "namespace"), meta.Namespace, msg))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.NewInvalid(schema.GroupKind{Group: gvk.Group, Kind: gvk.Kind}, meta.Name, errs)
}

// Create 保存一个新对象，分配 UID、创建时间和 resourceVersion。
func (r *Registry) Create(ctx context.Context, obj metav1.Object) (metav1.Object, error) {
	if err := validate(obj); err != nil {
		return nil, err
	}
	obj = copyObject(obj)
	meta := obj.GetObjectMeta()
	id := metav1.IdentityOf(obj)

	return r.write(ctx, watch.Added, func(tx *bolt.Tx, rv uint64) (metav1.Object, error) {
		b, err := tx.Bucket(_objectsBucketKey).CreateBucketIfNotExists([]byte(id.Kind))
		if err != nil {
			return nil, err
		}
		if b.Get(objectKey(id.Namespace, id.Name)) != nil {
			return nil, errors.NewAlreadyExists(groupResource(obj), id.Name)
		}
		meta.UID = uuid.NewString()
		meta.CreationTimestamp = k8smetav1.NewTime(r.clock.Now()).Rfc3339Copy()
		meta.DeletionTimestamp = nil
		meta.ResourceVersion = strconv.FormatUint(rv, 10)
		return obj, r.put(b, obj)
	})
}

// Update 替换一个已存在的对象。
// 对象带有 resourceVersion 时必须与存储中的一致，否则返回 Conflict（乐观并发）。
func (r *Registry) Update(ctx context.Context, obj metav1.Object) (metav1.Object, error) {
	if err := validate(obj); err != nil {
		return nil, err
	}
	obj = copyObject(obj)
	meta := obj.GetObjectMeta()
	id := metav1.IdentityOf(obj)

	return r.write(ctx, watch.Modified, func(tx *bolt.Tx, rv uint64) (metav1.Object, error) {
		b := tx.Bucket(_objectsBucketKey).Bucket([]byte(id.Kind))
		var data []byte
		if b != nil {
			data = b.Get(objectKey(id.Namespace, id.Name))
		}
		if data == nil {
			return nil, errors.NewNotFound(groupResource(obj), id.Name)
		}
		existing, err := r.codec.Decode(data)
		if err != nil {
			return nil, err
		}
		old := existing.GetObjectMeta()
		if meta.ResourceVersion != "" && meta.ResourceVersion != old.ResourceVersion {
			return nil, errors.NewConflict(groupResource(obj), id.Name,
				fmt.Errorf("the object has been modified; resourceVersion %s does not match %s", meta.ResourceVersion, old.ResourceVersion))
		}
		// UID 和创建时间由 registry 管理，不允许客户端修改
		meta.UID = old.UID
		meta.CreationTimestamp = old.CreationTimestamp
		meta.ResourceVersion = strconv.FormatUint(rv, 10)
		return obj, r.put(b, obj)
	})
}

// Delete 删除一个对象并返回它的最后状态，其 resourceVersion 为删除操作的版本。
func (r *Registry) Delete(ctx context.Context, kind, namespace, name string) (metav1.Object, error) {
	return r.write(ctx, watch.Deleted, func(tx *bolt.Tx, rv uint64) (metav1.Object, error) {
		b := tx.Bucket(_objectsBucketKey).Bucket([]byte(kind))
		var data []byte
		if b != nil {
			data = b.Get(objectKey(namespace, name))
		}
		if data == nil {
			return nil, errors.NewNotFound(resourceFor("", kind), name)
		}
		obj, err := r.codec.Decode(data)
		if err != nil {
			return nil, err
		}
		now := k8smetav1.NewTime(r.clock.Now()).Rfc3339Copy()
		obj.GetObjectMeta().DeletionTimestamp = &now
		obj.GetObjectMeta().ResourceVersion = strconv.FormatUint(rv, 10)
		return obj, b.Delete(objectKey(namespace, name))
	})
}

// write 在一个写事务中执行 mutate，追加历史记录，提交后广播事件。
func (r *Registry) write(ctx context.Context, typ watch.EventType, mutate func(tx *bolt.Tx, rv uint64) (metav1.Object, error)) (metav1.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	var (
		obj metav1.Object
		rv  uint64
	)
	err := r.db.Update(func(tx *bolt.Tx) error {
		var err error
		rv, err = getAndIncrementGlobalRV(tx.Bucket(_metadataBucketKey))
		if err != nil {
			return err
		}
		obj, err = mutate(tx, rv)
		if err != nil {
			return err
		}
		raw, err := r.codec.Encode(obj)
		if err != nil {
			return err
		}
		rec, err := json.Marshal(record{Type: typ, Object: raw})
		if err != nil {
			return err
		}
		return tx.Bucket(_eventsBucketKey).Put(encodeUint64(rv), rec)
	})
	if err != nil {
		return nil, err
	}

	klog.V(4).Infof("Registry %s %s at resourceVersion %d", typ, metav1.IdentityOf(obj), rv)
	r.publish(Event{Type: typ, Key: metav1.IdentityOf(obj), Object: copyObject(obj), ResourceVersion: rv})
	return obj, nil
}

func (r *Registry) put(b *bolt.Bucket, obj metav1.Object) error {
	data, err := r.codec.Encode(obj)
	if err != nil {
		return fmt.Errorf("failed to encode object: %w", err)
	}
	meta := obj.GetObjectMeta()
	return b.Put(objectKey(meta.Namespace, meta.Name), data)
}

// Get 读取单个对象。
func (r *Registry) Get(ctx context.Context, kind, namespace, name string) (metav1.Object, error) {
	var obj metav1.Object
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(_objectsBucketKey).Bucket([]byte(kind))
		var data []byte
		if b != nil {
			data = b.Get(objectKey(namespace, name))
		}
		if data == nil {
			return errors.NewNotFound(resourceFor("", kind), name)
		}
		var err error
		obj, err = r.codec.Decode(data)
		return err
	})
	return obj, err
}

// List 列出某个 kind 在 namespace 下（为空表示所有 namespace）满足选择器的对象，
// 返回的集合版本与对象来自同一个只读事务。
func (r *Registry) List(ctx context.Context, kind, namespace string, opts watch.ListOptions) (*watch.List, error) {
	sel, err := newSelector(kind, opts)
	if err != nil {
		return nil, err
	}

	list := &watch.List{Items: []metav1.Object{}}
	err = r.db.View(func(tx *bolt.Tx) error {
		list.ResourceVersion = strconv.FormatUint(readUint64(tx.Bucket(_metadataBucketKey), _globalResourceVersionKey), 10)

		b := tx.Bucket(_objectsBucketKey).Bucket([]byte(kind))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var k, v []byte
		if namespace == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(namespace + "/"))
		}
		for ; k != nil; k, v = c.Next() {
			if namespace != "" && !strings.HasPrefix(string(k), namespace+"/") {
				break
			}
			obj, err := r.codec.Decode(v)
			if err != nil {
				// 跳过会让 reflector 以为对象被删除了
				return fmt.Errorf("failed to decode %s object %s: %w", kind, k, err)
			}
			if sel.matches(obj) {
				list.Items = append(list.Items, obj)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// selector 过滤 list 和 watch 的结果。
type selector struct {
	kind   string
	labels labels.Selector
	fields fields.Selector
}

func newSelector(kind string, opts watch.ListOptions) (*selector, error) {
	s := &selector{kind: kind, labels: labels.Everything(), fields: fields.Everything()}
	if opts.LabelSelector != "" {
		ls, err := labels.Parse(opts.LabelSelector)
		if err != nil {
			return nil, errors.NewBadRequest(fmt.Sprintf("invalid label selector %q: %v", opts.LabelSelector, err))
		}
		s.labels = ls
	}
	if opts.FieldSelector != "" {
		fs, err := fields.ParseSelector(opts.FieldSelector)
		if err != nil {
			return nil, errors.NewBadRequest(fmt.Sprintf("invalid field selector %q: %v", opts.FieldSelector, err))
		}
		s.fields = fs
	}
	return s, nil
}

func (s *selector) matches(obj metav1.Object) bool {
	meta := obj.GetObjectMeta()
	if s.kind != "" && obj.GetObjectKind().GroupVersionKind().Kind != s.kind {
		return false
	}
	if !s.labels.Matches(labels.Set(meta.Labels)) {
		return false
	}
	return s.fields.Matches(fields.Set{
		"metadata.name":      meta.Name,
		"metadata.namespace": meta.Namespace,
	})
}

func copyObject(obj metav1.Object) metav1.Object {
	if c, ok := obj.DeepCopyObject().(metav1.Object); ok {
		return c
	}
	return obj
}
