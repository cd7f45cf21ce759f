package processors

import (
	"context"

	"github.com/eric2788/splitrec/internal/postmux"
	"github.com/eric2788/splitrec/pkg/media"
	"github.com/eric2788/splitrec/pkg/pipeline"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

type PostMuxBuildProcessor struct {
	fs      afero.Fs
	builder *postmux.Builder
}

// NewPostMuxBuilder is not retried: a failed build leaves the raw streams for
// a later manual build.
func NewPostMuxBuilder(fs afero.Fs, builder *postmux.Builder) *pipeline.Stage[*FinalizeJob] {
	return pipeline.NewStage[*FinalizeJob](
		"postmux-build",
		&PostMuxBuildProcessor{fs: fs, builder: builder},
		pipeline.Policy{},
	)
}

func (p *PostMuxBuildProcessor) Open(ctx context.Context, log *logrus.Entry) error {
	return nil
}

func (p *PostMuxBuildProcessor) Process(ctx context.Context, log *logrus.Entry, job *FinalizeJob) (*FinalizeJob, error) {
	if job.Entry == nil {
		return job, errors.Wrap(media.ErrInvalidArgument, "finalize job without journal entry")
	}
	l := log.WithField("session", job.Entry.ID)
	if job.Recovery {
		l.Infof("rebuilding %s left by an interrupted session", job.Entry.Output)
	}
	res, err := p.builder.BuildFiles(ctx, p.fs, job.Job())
	job.Result = res
	if err != nil {
		return job, err
	}
	for _, tr := range res.Tracks {
		if tr.Disabled != "" {
			l.Warnf("%s stream dropped after %d frames: %s", tr.Type, tr.Written, tr.Disabled)
		}
	}
	return job, nil
}

func (p *PostMuxBuildProcessor) Close() error {
	return nil
}
