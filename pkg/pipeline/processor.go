package pipeline

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type ErrorStrategy int

const (
	StopOnError ErrorStrategy = iota
	ContinueOnError
	RetryOnError
)

const defaultBackoff = 500 * time.Millisecond

type Processor[T any] interface {
	Open(ctx context.Context, log *logrus.Entry) error
	Process(ctx context.Context, log *logrus.Entry, item T) (T, error)
	io.Closer
}

// Func adapts a function into a Processor without open or close work.
type Func[T any] func(ctx context.Context, log *logrus.Entry, item T) (T, error)

func (f Func[T]) Open(context.Context, *logrus.Entry) error { return nil }

func (f Func[T]) Process(ctx context.Context, log *logrus.Entry, item T) (T, error) {
	return f(ctx, log, item)
}

func (f Func[T]) Close() error { return nil }

// Policy tells a stage what to do when its processor fails.
type Policy struct {
	OnError ErrorStrategy
	// attempts after the first failure, RetryOnError only
	Retries int
	// wait before the first retry, doubled for every next one
	Backoff    time.Duration
	MaxBackoff time.Duration
	// per attempt, zero for none
	Timeout time.Duration
}

// Retry is the policy of a stage worth retrying retries times.
func Retry(retries int, backoff time.Duration) Policy {
	return Policy{OnError: RetryOnError, Retries: retries, Backoff: backoff}
}

// Stage is one named processor of a Pipe.
type Stage[T any] struct {
	name      string
	processor Processor[T]
	policy    Policy
	log       *logrus.Entry
	closed    atomic.Bool
}

func NewStage[T any](name string, processor Processor[T], policy Policy) *Stage[T] {
	if policy.Backoff <= 0 {
		policy.Backoff = defaultBackoff
	}
	return &Stage[T]{
		name:      name,
		processor: processor,
		policy:    policy,
		log:       logger.WithField("processor", name),
	}
}

func (s *Stage[T]) Name() string {
	return s.name
}

func (s *Stage[T]) attempt(ctx context.Context, item T) (T, error) {
	if s.closed.Load() {
		return item, io.ErrClosedPipe
	}
	if s.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.policy.Timeout)
		defer cancel()
	}
	return s.processor.Process(ctx, s.log, item)
}

// run applies the policy around the processor. On failure item is returned
// unchanged.
func (s *Stage[T]) run(ctx context.Context, item T) (T, error) {
	next, err := s.attempt(ctx, item)
	if err == nil {
		return next, nil
	}
	switch s.policy.OnError {
	case ContinueOnError:
		s.log.Warnf("continuing despite error: %v", err)
		return item, nil
	case RetryOnError:
		wait := s.policy.Backoff
		for n := 1; n <= s.policy.Retries; n++ {
			s.log.Warnf("retry %d/%d in %v after error: %v", n, s.policy.Retries, wait, err)
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return item, ctx.Err()
			}
			if next, err = s.attempt(ctx, item); err == nil {
				s.log.Infof("succeeded on retry %d", n)
				return next, nil
			}
			wait *= 2
			if s.policy.MaxBackoff > 0 && wait > s.policy.MaxBackoff {
				wait = s.policy.MaxBackoff
			}
		}
		s.log.Errorf("failed after %d retries", s.policy.Retries)
	}
	return item, err
}

func (s *Stage[T]) close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.processor.Close()
}
