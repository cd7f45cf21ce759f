package postmux

import (
	"context"
	"io"
	"os"

	"github.com/eric2788/splitrec/pkg/media"
	"github.com/eric2788/splitrec/pkg/monitor"
	"github.com/eric2788/splitrec/pkg/mp4"
	"github.com/eric2788/splitrec/pkg/pool"
	"github.com/eric2788/splitrec/pkg/raw"
	"github.com/spf13/afero"
)

// Job locates the raw streams "{Dir}/{BaseName}.{video|audio}.raw" of one
// recording and the container to build from them.
type Job struct {
	Dir      string `json:"dir"`
	BaseName string `json:"base_name"`
	Output   string `json:"output"`
}

// BuildFiles builds job.Output from the raw files of job. The container is
// written next to the output and renamed into place on success, after which
// the raw files are deleted.
func (b *Builder) BuildFiles(ctx context.Context, fs afero.Fs, job Job) (*Result, error) {
	sinks := raw.NewFileSinks(fs, job.Dir, job.BaseName)
	l := logger.WithField("output", job.Output)

	var (
		total   int64
		sources [2]io.ReadCloser
	)
	for i, t := range []media.Type{media.Video, media.Audio} {
		f, err := sinks.OpenReader(t)
		if err != nil {
			closeAll(sources[:])
			return nil, media.IOErrorf(err, "open %s raw stream", t)
		}
		if f == nil {
			continue
		}
		if fi, err := f.Stat(); err == nil {
			total += fi.Size()
		}
		sources[i] = pool.NewLimitReader(ctx, f, b.opts.ReadLimit, 0)
	}
	if sources[0] == nil && sources[1] == nil {
		return nil, ErrNoInput
	}
	progress := monitor.NewProgress(total, b.opts.Progress)
	video, audio := progress.Wrap(sources[0]), progress.Wrap(sources[1])

	tmp := job.Output + ".tmp"
	res, err := b.Build(ctx, mp4.NewWriter(fs, tmp), reader(video), reader(audio))
	closeAll([]io.ReadCloser{video, audio})
	if err != nil {
		if rerr := fs.Remove(tmp); rerr != nil && !os.IsNotExist(rerr) {
			l.Warnf("remove partial output: %v", rerr)
		}
		return res, err
	}
	if err := fs.Rename(tmp, job.Output); err != nil {
		return res, media.IOErrorf(err, "rename %s", tmp)
	}
	res.Output = job.Output
	if err := sinks.Remove(); err != nil {
		l.Warnf("remove raw streams: %v", err)
	}
	l.Infof("build done: %d transitions, %d bytes of raw input", res.Transitions, progress.Read())
	return res, nil
}

// BuildChannels builds output from in-memory raw streams.
func (b *Builder) BuildChannels(ctx context.Context, fs afero.Fs, sinks *raw.ChannelSinks, output string) (*Result, error) {
	video, audio := sinks.Reader(media.Video), sinks.Reader(media.Audio)
	if video == nil && audio == nil {
		return nil, ErrNoInput
	}
	tmp := output + ".tmp"
	res, err := b.Build(ctx, mp4.NewWriter(fs, tmp), video, audio)
	if err != nil {
		fs.Remove(tmp)
		return res, err
	}
	if err := fs.Rename(tmp, output); err != nil {
		return res, media.IOErrorf(err, "rename %s", tmp)
	}
	res.Output = output
	logger.WithField("output", output).Infof("build done: %d transitions", res.Transitions)
	return res, nil
}

// reader keeps a nil ReadCloser a nil io.Reader.
func reader(rc io.ReadCloser) io.Reader {
	if rc == nil {
		return nil
	}
	return rc
}

func closeAll(rcs []io.ReadCloser) {
	for _, rc := range rcs {
		if rc != nil {
			rc.Close()
		}
	}
}
