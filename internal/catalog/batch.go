package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kilupskalvis/catmirror/internal/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultChunkSize bounds the number of ids per body request so the
	// query string stays within server limits.
	DefaultChunkSize = 100
	// DefaultRequestTimeout bounds one chunk request.
	DefaultRequestTimeout = 60 * time.Second
	// DefaultFields selects the owned properties of each object.
	DefaultFields = ":owner"
)

// ErrPartialFetch reports that at least one chunk failed.
var ErrPartialFetch = errors.New("partial fetch")

// BatchHandler receives the objects of one successful chunk. Calls are serialized.
type BatchHandler func(batch []models.CatalogObject) error

// FetchResult is the outcome of one Fetch call. A result with failed chunks
// is partial: the handler saw fewer objects than were requested.
type FetchResult struct {
	Requested    int
	Fetched      int
	Chunks       int
	FailedChunks int
	FailedIDs    []string
	Errors       []error
}

// Partial reports whether any chunk failed.
func (r *FetchResult) Partial() bool {
	return r.FailedChunks > 0
}

// Err returns nil for a complete fetch, otherwise an error wrapping
// ErrPartialFetch and every chunk error.
func (r *FetchResult) Err() error {
	if !r.Partial() {
		return nil
	}
	return fmt.Errorf("%w: %d of %d chunks failed: %w", ErrPartialFetch, r.FailedChunks, r.Chunks, errors.Join(r.Errors...))
}

// BatchFetcher retrieves full bodies in fixed-size chunks. Chunks run
// concurrently, each holding one slot of the shared semaphore while in flight.
type BatchFetcher struct {
	client    Client
	sem       *semaphore.Weighted
	chunkSize int
	timeout   time.Duration
	fields    string
	logger    *slog.Logger
}

// FetcherOption configures a BatchFetcher.
type FetcherOption func(*BatchFetcher)

// WithChunkSize overrides DefaultChunkSize.
func WithChunkSize(n int) FetcherOption {
	return func(f *BatchFetcher) {
		if n > 0 {
			f.chunkSize = n
		}
	}
}

// WithRequestTimeout overrides DefaultRequestTimeout. Zero disables the timeout.
func WithRequestTimeout(d time.Duration) FetcherOption {
	return func(f *BatchFetcher) { f.timeout = d }
}

// WithFields sets the field selector sent with every request.
func WithFields(fields string) FetcherOption {
	return func(f *BatchFetcher) {
		if fields != "" {
			f.fields = fields
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FetcherOption {
	return func(f *BatchFetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewBatchFetcher creates a fetcher. sem caps in-flight requests and should be
// shared by every fetch of a run.
func NewBatchFetcher(client Client, sem *semaphore.Weighted, opts ...FetcherOption) *BatchFetcher {
	f := &BatchFetcher{
		client:    client,
		sem:       sem,
		chunkSize: DefaultChunkSize,
		timeout:   DefaultRequestTimeout,
		fields:    DefaultFields,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Chunk splits ids into consecutive slices of at most size elements.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}

// Fetch retrieves the bodies of ids and hands each successful chunk to handle.
// A failed chunk is logged and recorded in the result without stopping its
// siblings. Only a handler error or cancellation of ctx aborts the fetch.
// Fetch returns once every chunk has settled.
func (f *BatchFetcher) Fetch(ctx context.Context, typeName string, ids []string, handle BatchHandler) (*FetchResult, error) {
	result := &FetchResult{Requested: len(ids)}
	if len(ids) == 0 {
		return result, nil
	}

	chunks := Chunk(ids, f.chunkSize)
	result.Chunks = len(chunks)

	var mu sync.Mutex // guards result and serializes handle
	g, gctx := errgroup.WithContext(ctx)

	for i, chunk := range chunks {
		g.Go(func() error {
			if err := f.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			objects, err := f.fetchChunk(gctx, typeName, chunk)
			f.sem.Release(1)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				f.logger.Error("chunk fetch failed",
					"type", typeName, "chunk", i, "size", len(chunk), "error", err)
				result.FailedChunks++
				result.FailedIDs = append(result.FailedIDs, chunk...)
				result.Errors = append(result.Errors, fmt.Errorf("chunk %d: %w", i, err))
				return nil
			}

			if gctx.Err() != nil {
				return gctx.Err()
			}
			result.Fetched += len(objects)
			if handle == nil || len(objects) == 0 {
				return nil
			}
			if err := handle(objects); err != nil {
				return fmt.Errorf("handle %s chunk %d: %w", typeName, i, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

func (f *BatchFetcher) fetchChunk(ctx context.Context, typeName string, ids []string) ([]models.CatalogObject, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	resp, err := f.client.FetchByIDs(ctx, typeName, ids, f.fields)
	if err != nil {
		return nil, err
	}
	return resp[typeName], nil
}
