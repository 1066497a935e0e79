package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"ingest-platform/internal/domain"
)

var _ domain.PseudoLockBackend = (*GCSBackend)(nil)

// errPreconditionFailed reports a lost race on a conditional object write.
var errPreconditionFailed = errors.New("precondition failed")

// objectStore is the slice of a GCS bucket the lock backend needs. Generation
// zero means the object does not exist.
type objectStore interface {
	Read(ctx context.Context, name string) (data []byte, generation int64, err error)
	// Write stores data only if the object's current generation equals
	// generation, returning errPreconditionFailed otherwise.
	Write(ctx context.Context, name string, data []byte, generation int64) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// lockObject is the JSON body of a lock object.
type lockObject struct {
	Payload    string    `json:"payload"`
	Expiration time.Time `json:"expiration"`
}

// GCSBackend stores each lock as a JSON object in a bucket. Conditional writes on
// the object generation make acquisition atomic.
type GCSBackend struct {
	objects objectStore
	now     func() time.Time
}

// NewGCSBackend creates a GCSBackend over bucket. Lock objects live under
// prefix, which may be empty.
func NewGCSBackend(client *storage.Client, bucket, prefix string) *GCSBackend {
	return &GCSBackend{
		objects: &bucketStore{bucket: client.Bucket(bucket), prefix: prefix},
		now:     time.Now,
	}
}

// Lock implements domain.PseudoLockBackend.
func (b *GCSBackend) Lock(ctx context.Context, name, payload string, ttl time.Duration) error {
	if name == "" {
		return domain.ErrValidation("lock name is required")
	}
	if ttl <= 0 {
		return domain.ErrValidation("lock %s: ttl must be positive", name)
	}

	now := b.now()
	current, generation, err := b.read(ctx, name)
	if err != nil {
		return err
	}
	if current != nil && !current.Expired(now) && current.Payload != payload {
		return domain.ErrConflict("lock %s is already held with a different payload", name)
	}

	data, err := json.Marshal(lockObject{Payload: payload, Expiration: now.Add(ttl).UTC()})
	if err != nil {
		return fmt.Errorf("encode lock %s: %w", name, err)
	}
	err = b.objects.Write(ctx, name, data, generation)
	if errors.Is(err, errPreconditionFailed) {
		return domain.ErrConflict("lock %s was modified concurrently", name)
	}
	if err != nil {
		return fmt.Errorf("write lock %s: %w", name, err)
	}
	return nil
}

// Unlock implements domain.PseudoLockBackend.
func (b *GCSBackend) Unlock(ctx context.Context, name string) error {
	return b.objects.Delete(ctx, name)
}

// IsLocked implements domain.PseudoLockBackend.
func (b *GCSBackend) IsLocked(ctx context.Context, name string) (bool, error) {
	lock, _, err := b.read(ctx, name)
	if err != nil {
		return false, err
	}
	return lock != nil && !lock.Expired(b.now()), nil
}

// GetLockPayload implements domain.PseudoLockBackend.
func (b *GCSBackend) GetLockPayload(ctx context.Context, name string) (string, error) {
	lock, _, err := b.read(ctx, name)
	if err != nil {
		return "", err
	}
	if lock == nil || lock.Expired(b.now()) {
		return "", domain.ErrNotFound("lock %s is not held", name)
	}
	return lock.Payload, nil
}

// NoActiveLocksWithPrefix implements domain.PseudoLockBackend.
func (b *GCSBackend) NoActiveLocksWithPrefix(ctx context.Context, prefix, instance string) (bool, error) {
	names, err := b.objects.List(ctx, prefix)
	if err != nil {
		return false, err
	}
	now := b.now()
	for _, name := range names {
		if !strings.Contains(name, instance) {
			continue
		}
		lock, _, err := b.read(ctx, name)
		if err != nil {
			return false, err
		}
		if lock != nil && !lock.Expired(now) {
			return false, nil
		}
	}
	return true, nil
}

func (b *GCSBackend) read(ctx context.Context, name string) (*domain.PseudoLock, int64, error) {
	data, generation, err := b.objects.Read(ctx, name)
	if err != nil {
		return nil, 0, err
	}
	if generation == 0 {
		return nil, 0, nil
	}
	var obj lockObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, 0, fmt.Errorf("decode lock %s: %w", name, err)
	}
	return &domain.PseudoLock{Name: name, Payload: obj.Payload, Expiration: obj.Expiration}, generation, nil
}

// bucketStore is an objectStore on a real bucket.
type bucketStore struct {
	bucket *storage.BucketHandle
	prefix string
}

func (s *bucketStore) Read(ctx context.Context, name string) ([]byte, int64, error) {
	r, err := s.bucket.Object(s.prefix + name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read lock object %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read lock object %s: %w", name, err)
	}
	return data, r.Attrs.Generation, nil
}

func (s *bucketStore) Write(ctx context.Context, name string, data []byte, generation int64) error {
	cond := storage.Conditions{DoesNotExist: true}
	if generation != 0 {
		cond = storage.Conditions{GenerationMatch: generation}
	}
	w := s.bucket.Object(s.prefix + name).If(cond).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	err := w.Close()
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return errPreconditionFailed
	}
	return err
}

func (s *bucketStore) Delete(ctx context.Context, name string) error {
	err := s.bucket.Object(s.prefix + name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return domain.ErrNotFound("lock %s does not exist", name)
	}
	if err != nil {
		return fmt.Errorf("delete lock object %s: %w", name, err)
	}
	return nil
}

func (s *bucketStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.prefix + prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list lock objects: %w", err)
		}
		names = append(names, strings.TrimPrefix(attrs.Name, s.prefix))
	}
	return names, nil
}
