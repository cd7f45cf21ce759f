package processors

import (
	"context"
	"time"

	"github.com/eric2788/splitrec/internal/services/journal"
	"github.com/eric2788/splitrec/pkg/pipeline"
	"github.com/sirupsen/logrus"
)

func NewJournalComplete(j *journal.Service) *pipeline.Stage[*FinalizeJob] {
	return pipeline.NewStage[*FinalizeJob](
		"journal-complete",
		pipeline.Func[*FinalizeJob](func(ctx context.Context, log *logrus.Entry, job *FinalizeJob) (*FinalizeJob, error) {
			output := job.Entry.Output
			if job.Result != nil && job.Result.Output != "" {
				output = job.Result.Output
			}
			if err := j.Complete(job.Entry.ID, output); err != nil {
				return job, err
			}
			log.WithField("session", job.Entry.ID).Debugf("journal entry completed after %v", time.Since(job.Started).Round(time.Millisecond))
			return job, nil
		}),
		pipeline.Retry(3, 500*time.Millisecond),
	)
}
