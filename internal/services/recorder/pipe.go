package recorder

import (
	"context"
	"time"

	"github.com/eric2788/splitrec/internal/postmux"
	"github.com/eric2788/splitrec/internal/processors"
	"github.com/eric2788/splitrec/internal/services/journal"
	"github.com/eric2788/splitrec/pkg/pipeline"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const recoveryParallelism = 2

var (
	ErrAlreadyBuilt = errors.New("raw session already built")
	ErrNoJournal    = errors.New("no journal configured")
)

func (s *Service) newFinalPipeline() *pipeline.Pipe[*processors.FinalizeJob] {
	return pipeline.New(
		processors.NewPostMuxBuilder(s.fs, s.builder),
		processors.NewJournalComplete(s.journal),
	)
}

// finalize builds the journaled raw session id and records the outcome.
func (s *Service) finalize(ctx context.Context, id string, recovery bool) (*postmux.Result, error) {
	if s.journal == nil {
		return nil, ErrNoJournal
	}
	entry, err := s.journal.Get(id)
	if err != nil {
		return nil, err
	}
	job := &processors.FinalizeJob{Entry: entry, Started: time.Now(), Recovery: recovery}
	job, err = s.newFinalPipeline().Run(ctx, job)
	if err != nil {
		if ferr := s.journal.Fail(id, err); ferr != nil {
			logger.WithField("session", id).Warnf("journal failure: %v", ferr)
		}
		return job.Result, err
	}
	return job.Result, nil
}

// Build rebuilds an unbuilt journaled session that is not recording.
func (s *Service) Build(ctx context.Context, id string) (*postmux.Result, error) {
	if _, active := s.sessions.Load(id); active {
		return nil, errors.Wrap(ErrRecordingStarted, id)
	}
	if s.journal == nil {
		return nil, ErrNoJournal
	}
	entry, err := s.journal.Get(id)
	if err != nil {
		return nil, err
	}
	if entry.Status == journal.Built {
		return nil, errors.Wrap(ErrAlreadyBuilt, entry.Output)
	}
	return s.finalize(ctx, id, true)
}

// RecoverPending builds the raw sessions a previous process left pending,
// a few at a time.
func (s *Service) RecoverPending(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	entries, err := s.journal.Pending()
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryParallelism)
	recovered := 0
	for _, e := range entries {
		if _, active := s.sessions.Load(e.ID); active {
			continue
		}
		recovered++
		g.Go(func() error {
			l := logger.WithField("session", e.ID)
			if _, err := s.finalize(gctx, e.ID, true); err != nil {
				// one broken session must not stop the others
				l.Errorf("recovery build failed: %v", err)
				return nil
			}
			l.Infof("recovered %s", e.Output)
			return nil
		})
	}
	if recovered > 0 {
		logger.Infof("recovering %d raw session(s)", recovered)
	}
	return g.Wait()
}

// Pending lists journaled raw sessions without a built container.
func (s *Service) Pending() ([]*journal.Entry, error) {
	if s.journal == nil {
		return []*journal.Entry{}, nil
	}
	return s.journal.Unbuilt()
}
