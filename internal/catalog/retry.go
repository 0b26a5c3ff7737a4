package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/kilupskalvis/catmirror/internal/models"
)

// ErrRetryBudget is returned when the next backoff would outlast the
// deadline of the request context, such as the per-chunk timeout.
var ErrRetryBudget = errors.New("backoff exceeds request deadline")

// RetryPolicy bounds retries of catalog requests.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64 // fraction of the delay, 0.0 to 1.0
	// MaxRetryAfter caps a server-requested delay. A longer Retry-After
	// ends the retries instead of stalling the run.
	MaxRetryAfter time.Duration
}

// DefaultRetryPolicy returns the policy used by the update command.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:      4,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		Jitter:        0.25,
		MaxRetryAfter: 2 * time.Minute,
	}
}

// RetryClient wraps a Client and retries requests the catalog may answer on
// a second try: overload (429, 503 with Retry-After), gateway errors and
// network failures.
type RetryClient struct {
	inner  Client
	policy RetryPolicy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// RetryOption configures a RetryClient.
type RetryOption func(*RetryClient)

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) RetryOption {
	return func(rc *RetryClient) {
		if p.Attempts < 1 {
			p.Attempts = 1
		}
		rc.policy = p
	}
}

// WithRetryLogger sets the logger used to report retries.
func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(rc *RetryClient) {
		if l != nil {
			rc.logger = l
		}
	}
}

// NewRetryClient wraps inner.
func NewRetryClient(inner Client, opts ...RetryOption) *RetryClient {
	rc := &RetryClient{
		inner:  inner,
		policy: DefaultRetryPolicy(),
		logger: slog.Default(),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// shouldRetry classifies err. The returned duration is the delay the server
// asked for, zero when it named none.
func shouldRetry(err error) (bool, time.Duration) {
	if err == nil {
		return false, 0
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, 0
	}
	if errors.Is(err, ErrMissingCollection) {
		return false, 0
	}

	var re *RemoteError
	if errors.As(err, &re) {
		switch {
		case re.Status == http.StatusTooManyRequests, re.Status == http.StatusServiceUnavailable:
			return true, re.RetryAfter
		case re.Status == http.StatusRequestTimeout:
			return true, 0
		case re.Status == http.StatusNotImplemented:
			return false, 0
		case re.Status >= 500:
			return true, 0
		default:
			return false, 0
		}
	}
	// transport failure
	return true, 0
}

// delay returns the wait before retry number attempt+1: exponential from
// BaseDelay, capped at MaxDelay, with jitter. A server hint longer than that
// wins and is not jittered.
func (rc *RetryClient) delay(attempt int, hint time.Duration) time.Duration {
	d := rc.policy.BaseDelay
	for i := 0; i < attempt && d < rc.policy.MaxDelay; i++ {
		d *= 2
	}
	if d > rc.policy.MaxDelay {
		d = rc.policy.MaxDelay
	}
	if j := rc.policy.Jitter; j > 0 {
		d += time.Duration(float64(d) * j * (rand.Float64()*2 - 1))
	}
	if d < 0 {
		d = 0
	}
	if hint > d {
		return hint
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rc *RetryClient) do(ctx context.Context, operation string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		retry, hint := shouldRetry(err)
		if !retry || ctx.Err() != nil {
			return err
		}
		if attempt+1 >= rc.policy.Attempts {
			return fmt.Errorf("%s: %w (gave up after %d attempts)", operation, err, attempt+1)
		}
		if rc.policy.MaxRetryAfter > 0 && hint > rc.policy.MaxRetryAfter {
			return fmt.Errorf("%s: %w (server asked to wait %s)", operation, err, hint)
		}

		wait := rc.delay(attempt, hint)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return fmt.Errorf("%s: %w: %w", operation, ErrRetryBudget, err)
		}

		rc.logger.Warn("catalog request failed, retrying",
			"operation", operation, "attempt", attempt+1, "wait", wait, "error", err)
		if serr := rc.sleep(ctx, wait); serr != nil {
			return fmt.Errorf("%s: %w (retry cancelled)", operation, err)
		}
	}
}

func (rc *RetryClient) Schemas(ctx context.Context) (schemas map[string]models.Schema, err error) {
	err = rc.do(ctx, "get schemas", func() error {
		schemas, err = rc.inner.Schemas(ctx)
		return err
	})
	return
}

func (rc *RetryClient) ListRefs(ctx context.Context, typeName string, filter *models.Filter) (refs []models.CatalogItemRef, err error) {
	err = rc.do(ctx, "list "+typeName, func() error {
		refs, err = rc.inner.ListRefs(ctx, typeName, filter)
		return err
	})
	return
}

func (rc *RetryClient) ListHierarchyLevels(ctx context.Context, levelType string) (levels []models.HierarchyLevel, err error) {
	err = rc.do(ctx, "list "+levelType, func() error {
		levels, err = rc.inner.ListHierarchyLevels(ctx, levelType)
		return err
	})
	return
}

func (rc *RetryClient) FetchByIDs(ctx context.Context, typeName string, ids []string, fields string) (objects map[string][]models.CatalogObject, err error) {
	err = rc.do(ctx, "fetch "+typeName, func() error {
		objects, err = rc.inner.FetchByIDs(ctx, typeName, ids, fields)
		return err
	})
	return
}

var _ Client = (*RetryClient)(nil)
