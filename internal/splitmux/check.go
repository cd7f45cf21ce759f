package splitmux

import (
	"time"

	"github.com/eric2788/splitrec/pkg/media"
	"github.com/eric2788/splitrec/pkg/storage"
)

type Reason string

const (
	ReasonNone          Reason = ""
	ReasonLowSpace      Reason = "low_space"
	ReasonLowSpaceRatio Reason = "low_space_ratio"
	ReasonMaxDuration   Reason = "max_duration"
)

// Limits of the free space and duration guard. Zero values disable a limit.
type Limits struct {
	MinFreeBytes uint64
	MinFreeRatio float64
	MaxDuration  time.Duration
}

type CheckResult struct {
	OK        bool          `json:"ok"`
	Reason    Reason        `json:"reason,omitempty"`
	Free      uint64        `json:"free"`
	Total     uint64        `json:"total"`
	FreeRatio float64       `json:"free_ratio"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Check evaluates the guard for a recording writing into dir since
// startedAt. It never stops anything itself.
func Check(fs storage.FileSystem, dir string, startedAt time.Time, limits Limits) (CheckResult, error) {
	res := CheckResult{OK: true}
	if !startedAt.IsZero() {
		res.Elapsed = time.Since(startedAt)
	}
	usage, err := fs.Usage(dir)
	if err != nil {
		return res, media.IOErrorf(err, "usage of %s", dir)
	}
	res.Free, res.Total, res.FreeRatio = usage.Free, usage.Total, usage.FreeRatio()

	switch {
	case limits.MinFreeBytes > 0 && usage.Free < limits.MinFreeBytes:
		res.OK, res.Reason = false, ReasonLowSpace
	case limits.MinFreeRatio > 0 && usage.Total > 0 && res.FreeRatio < limits.MinFreeRatio:
		res.OK, res.Reason = false, ReasonLowSpaceRatio
	case limits.MaxDuration > 0 && res.Elapsed > limits.MaxDuration:
		res.OK, res.Reason = false, ReasonMaxDuration
	}
	return res, nil
}
