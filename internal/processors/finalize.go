package processors

import (
	"time"

	"github.com/eric2788/splitrec/internal/postmux"
	"github.com/eric2788/splitrec/internal/services/journal"
)

// FinalizeJob carries one raw-file recording through the finalize pipe.
type FinalizeJob struct {
	Entry    *journal.Entry
	Result   *postmux.Result
	Started  time.Time
	Recovery bool
}

func (j *FinalizeJob) Job() postmux.Job {
	return postmux.Job{Dir: j.Entry.Dir, BaseName: j.Entry.BaseName, Output: j.Entry.Output}
}
