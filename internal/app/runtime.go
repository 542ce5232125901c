package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDisposeTimeout bounds Runtime.Dispose.
const DefaultDisposeTimeout = 5 * time.Second

// DisposeFunc releases one resource.
type DisposeFunc func(ctx context.Context) error

// Runtime collects disposers and runs them at shutdown.
type Runtime struct {
	log     zerolog.Logger
	timeout time.Duration

	mu        sync.Mutex
	disposers []named
	disposing bool
}

type named struct {
	name string
	fn   DisposeFunc
}

// NewRuntime creates a Runtime whose Dispose gives up after timeout.
func NewRuntime(log zerolog.Logger, timeout time.Duration) *Runtime {
	if timeout <= 0 {
		timeout = DefaultDisposeTimeout
	}
	return &Runtime{log: log, timeout: timeout}
}

// AddDispose registers fn. Disposers added after Dispose started are run
// immediately.
func (r *Runtime) AddDispose(name string, fn DisposeFunc) {
	r.mu.Lock()
	if r.disposing {
		r.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.log.Error().Err(err).Str("resource", name).Msg("dispose failed")
		}
		return
	}
	r.disposers = append(r.disposers, named{name: name, fn: fn})
	r.mu.Unlock()
}

// Dispose runs every disposer concurrently. A failure does not stop the
// others; failures are logged and joined. Dispose returns once all
// disposers finished or the timeout elapsed. Only the first call runs the
// disposers.
func (r *Runtime) Dispose(ctx context.Context) error {
	r.mu.Lock()
	if r.disposing {
		r.mu.Unlock()
		return nil
	}
	r.disposing = true
	disposers := r.disposers
	r.disposers = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, d := range disposers {
		wg.Add(1)
		go func(d named) {
			defer wg.Done()
			if err := d.fn(ctx); err != nil {
				r.log.Error().Err(err).Str("resource", d.name).Msg("dispose failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
				mu.Unlock()
			}
		}(d)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return errors.Join(errs...)
	case <-ctx.Done():
		err := fmt.Errorf("dispose timeout after %s", r.timeout)
		r.log.Error().Err(err).Msg("dispose did not finish")
		return err
	}
}
