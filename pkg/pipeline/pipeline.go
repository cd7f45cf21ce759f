// Package pipeline chains named stages over one item, each stage with its
// own failure policy.
package pipeline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("pkg", "pipeline")

type Pipe[T any] struct {
	stages []*Stage[T]
}

func New[T any](stages ...*Stage[T]) *Pipe[T] {
	return &Pipe[T]{stages: stages}
}

func (p *Pipe[T]) Add(stages ...*Stage[T]) {
	p.stages = append(p.stages, stages...)
}

func (p *Pipe[T]) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.name
	}
	return names
}

// Process runs item through every stage in order. The error names the
// stage that failed.
func (p *Pipe[T]) Process(ctx context.Context, item T) (T, error) {
	current := item
	for _, s := range p.stages {
		if err := ctx.Err(); err != nil {
			return current, err
		}
		start := time.Now()
		next, err := s.run(ctx, current)
		s.log.Debugf("done in %v", time.Since(start).Round(time.Millisecond))
		if err != nil {
			return current, errors.Wrapf(err, "processor %s", s.name)
		}
		current = next
	}
	return current, nil
}

// Open opens every stage; on failure the ones already opened are closed.
func (p *Pipe[T]) Open(ctx context.Context) error {
	for i, s := range p.stages {
		if err := s.processor.Open(ctx, s.log); err != nil {
			for _, opened := range p.stages[:i] {
				if cerr := opened.close(); cerr != nil {
					opened.log.Errorf("close: %v", cerr)
				}
			}
			return errors.Wrapf(err, "open processor %s", s.name)
		}
	}
	return nil
}

func (p *Pipe[T]) Close() {
	for _, s := range p.stages {
		if err := s.close(); err != nil {
			s.log.Errorf("close: %v", err)
		}
	}
}

// Run opens the pipe, processes a single item and closes it.
func (p *Pipe[T]) Run(ctx context.Context, item T) (T, error) {
	if err := p.Open(ctx); err != nil {
		return item, err
	}
	defer p.Close()
	return p.Process(ctx, item)
}
