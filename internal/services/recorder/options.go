package recorder

import (
	"context"
	"path/filepath"

	"github.com/eric2788/splitrec/internal/modules/config"
	"github.com/eric2788/splitrec/internal/postmux"
	"github.com/eric2788/splitrec/internal/splitmux"
	"github.com/eric2788/splitrec/pkg/pool"
)

type Strategy string

const (
	// segmented MP4 written while recording
	Direct Strategy = config.StrategyDirect
	// raw logs on disk, one MP4 built on stop
	RawFile Strategy = config.StrategyRawFile
	// raw logs in memory, one MP4 built on stop
	RawChannel Strategy = config.StrategyRawChannel
)

// FinalizeFunc builds the container of a raw-file recording.
type FinalizeFunc func(ctx context.Context, job postmux.Job) (*postmux.Result, error)

type Options struct {
	Dir      string
	BaseName string
	Strategy Strategy

	Split  splitmux.Options
	Limits splitmux.Limits

	// OnReady fires once every expected track is added, or after the
	// first track when nothing is expected.
	ExpectVideo bool
	ExpectAudio bool

	// µs between two stitched write sequences of raw strategies
	FrameInterval int64
	// replaces the in-process post-mux build of raw-file recordings
	Finalize FinalizeFunc
}

// Output is the container path raw strategies build.
func (o Options) Output() string {
	return filepath.Join(o.Dir, o.BaseName+".mp4")
}

// OptionsFromConfig fills everything but Dir and BaseName.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Strategy: Strategy(cfg.Strategy),
		Split: splitmux.Options{
			SplitSize:     cfg.SplitSize,
			CheckEvery:    cfg.SplitCheckEvery,
			PollInterval:  cfg.PollInterval,
			DrainAttempts: cfg.DrainAttempts,
			Pool: pool.Options{
				MaxBuffers:   cfg.PoolMaxBuffers,
				BufferSize:   cfg.PoolBufferSize,
				BlockTimeout: cfg.PoolBlockTimeout,
			},
		},
		Limits: splitmux.Limits{
			MinFreeBytes: cfg.MinFreeBytes,
			MinFreeRatio: cfg.MinFreeRatio,
			MaxDuration:  cfg.MaxRecordingDuration(),
		},
		FrameInterval: cfg.FrameInterval,
	}
}
