// Package transfer moves frame and file bytes between the caller and the
// storage backend with bounded parallelism and SHA-256 verification.
// Items are independent units of work: results are collected per item and
// partitioned so the caller decides what a partial outcome means.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"framestore/internal/blob"
	"framestore/pkg/domain"
)

// Manager runs concurrent puts and gets against one storage backend. It
// is safe for concurrent use; the backend client carries its own
// concurrency guarantees.
type Manager struct {
	store   blob.Store
	workers int
	metrics *Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorkers bounds per-call parallelism. Values below 1 keep the
// default of twice the available processors.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithMetrics attaches a metric set.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// New builds a Manager over the given backend.
func New(store blob.Store, opts ...Option) *Manager {
	m := &Manager{store: store, workers: 2 * runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Item is one object to upload.
type Item struct {
	Path string
	Data []byte
	// ContentType defaults to image/png when empty.
	ContentType string
}

// PutResult describes one successful upload.
type PutResult struct {
	Path   string
	SHA256 string
	Size   int64
}

// ItemError records one failed item with its path context.
type ItemError struct {
	Path string
	Err  error
}

// UploadResult partitions an upload batch. Failure of a single item does
// not abort the batch; the caller applies its own commit policy.
type UploadResult struct {
	Records []PutResult
	Failed  []ItemError
}

// Source yields upload items one at a time, returning io.EOF when
// exhausted. The producer runs in the caller's goroutine so upstream
// stages (plane decoding, encoding) stay single-threaded.
type Source func() (Item, error)

// Items adapts a slice to a Source.
func Items(items []Item) Source {
	i := 0
	return func() (Item, error) {
		if i >= len(items) {
			return Item{}, io.EOF
		}
		it := items[i]
		i++
		return it, nil
	}
}

// Upload drains the source, hashing and writing each item with at most
// the configured number of workers in flight. The group limit provides
// backpressure: the producer blocks while all workers are busy, so at
// most workers+1 item payloads are held in memory. A source error aborts
// the drain; items already scheduled still run to completion.
func (m *Manager) Upload(ctx context.Context, src Source) (UploadResult, error) {
	type slot struct {
		res PutResult
		err *ItemError
	}
	var (
		slots []chan slot
		g     errgroup.Group
	)
	g.SetLimit(m.workers)

	var srcErr error
	for {
		item, err := src()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			srcErr = err
			break
		}
		ch := make(chan slot, 1)
		slots = append(slots, ch)
		g.Go(func() error {
			res, ierr := m.putItem(ctx, item)
			if ierr != nil {
				ch <- slot{err: ierr}
			} else {
				ch <- slot{res: res}
			}
			return nil
		})
	}
	_ = g.Wait()

	var out UploadResult
	for _, ch := range slots {
		s := <-ch
		if s.err != nil {
			out.Failed = append(out.Failed, *s.err)
			continue
		}
		out.Records = append(out.Records, s.res)
	}
	return out, srcErr
}

func (m *Manager) putItem(ctx context.Context, item Item) (PutResult, *ItemError) {
	start := time.Now()
	defer m.metrics.observe("put", start)

	sum := sha256.Sum256(item.Data)
	contentType := item.ContentType
	if contentType == "" {
		contentType = "image/png"
	}
	_, err := m.store.Put(ctx, item.Path, item.Data, blob.PutOptions{ContentType: contentType})
	m.metrics.uploadDone(err)
	if err != nil {
		return PutResult{}, &ItemError{
			Path: item.Path,
			Err:  &domain.TransferError{Op: "put", Path: item.Path, Err: err},
		}
	}
	return PutResult{Path: item.Path, SHA256: hex.EncodeToString(sum[:]), Size: int64(len(item.Data))}, nil
}

// UploadOne writes a single object, the whole-file upload path.
func (m *Manager) UploadOne(ctx context.Context, item Item) (PutResult, error) {
	res, ierr := m.putItem(ctx, item)
	if ierr != nil {
		return PutResult{}, ierr.Err
	}
	return res, nil
}

// FetchItem names one object to download with its expected digest. An
// empty SHA256 skips verification.
type FetchItem struct {
	Path   string
	SHA256 string
}

// FetchResult is the outcome for one item. Err is nil on success;
// IntegrityError and TransferError are isolated per item.
type FetchResult struct {
	Path string
	Data []byte
	Err  error
}

// Download fetches all items concurrently. Results land in slots indexed
// like the input, so completion order never reorders the output and no
// cross-item synchronization is needed.
func (m *Manager) Download(ctx context.Context, items []FetchItem) []FetchResult {
	results := make([]FetchResult, len(items))
	var g errgroup.Group
	g.SetLimit(m.workers)
	for i, item := range items {
		g.Go(func() error {
			results[i] = m.getItem(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (m *Manager) getItem(ctx context.Context, item FetchItem) FetchResult {
	start := time.Now()
	defer m.metrics.observe("get", start)

	data, err := m.store.Get(ctx, item.Path)
	if err != nil {
		m.metrics.downloadDone(err, false)
		return FetchResult{Path: item.Path, Err: &domain.TransferError{Op: "get", Path: item.Path, Err: err}}
	}
	if item.SHA256 != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != item.SHA256 {
			ierr := &domain.IntegrityError{Path: item.Path, Want: item.SHA256, Got: got}
			m.metrics.downloadDone(ierr, true)
			return FetchResult{Path: item.Path, Err: ierr}
		}
	}
	m.metrics.downloadDone(nil, false)
	return FetchResult{Path: item.Path, Data: data}
}

// Delete removes the listed objects, best effort. Used to roll back the
// written frames of an aborted upload. The first error is returned after
// all deletes have been attempted.
func (m *Manager) Delete(ctx context.Context, paths []string) error {
	var first error
	for _, path := range paths {
		if _, err := m.store.Delete(ctx, path); err != nil && first == nil {
			first = &domain.TransferError{Op: "delete", Path: path, Err: err}
		}
	}
	return first
}

// Store exposes the underlying backend for existence checks.
func (m *Manager) Store() blob.Store { return m.store }
