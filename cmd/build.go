package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/eric2788/splitrec/internal/postmux"
	"github.com/eric2788/splitrec/pkg/mp4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// BuildOptions holds command options
type BuildOptions struct {
	Dir           string
	Name          string
	Output        string
	FrameInterval int64
	ReadLimit     int
}

// NewBuildCommand creates the command rebuilding one MP4 from raw streams.
func NewBuildCommand() *cobra.Command {
	opts := &BuildOptions{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build one MP4 from the raw streams of a recording",
		Long: `Reassemble "<dir>/<name>.video.raw" and "<dir>/<name>.audio.raw" into one
MP4 file. The raw streams are deleted once the container is written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runBuild(ctx, cmd.OutOrStdout(), afero.NewOsFs(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", ".", "Directory holding the raw streams")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Base name of the raw streams")
	cmd.Flags().StringVarP(&opts.Output, "out", "o", "", "Output MP4 path (default <dir>/<name>.mp4)")
	cmd.Flags().IntVar(&opts.ReadLimit, "read-limit", 0, "Throttle raw file reads to this many bytes per second")
	cmd.Flags().Int64Var(&opts.FrameInterval, "frame-interval", postmux.DefaultFrameInterval, "Gap in µs between two stitched write sequences")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func runBuild(ctx context.Context, out io.Writer, fs afero.Fs, opts *BuildOptions) error {
	if opts.Output == "" {
		opts.Output = filepath.Join(opts.Dir, opts.Name+".mp4")
	}
	l := logrus.WithField("cmd", "build")
	builder := postmux.New(postmux.Options{
		FrameInterval: opts.FrameInterval,
		ReadLimit:     opts.ReadLimit,
		Progress: func(read, total int64) {
			if total > 0 {
				l.Debugf("%.1f%%", float64(read)*100/float64(total))
			}
		},
	})
	res, err := builder.BuildFiles(ctx, fs, postmux.Job{
		Dir:      opts.Dir,
		BaseName: opts.Name,
		Output:   opts.Output,
	})
	if err != nil {
		return err
	}
	for _, tr := range res.Tracks {
		if tr.Disabled != "" {
			l.Warnf("%s track dropped: %s", tr.Type, tr.Disabled)
		}
	}
	info, err := mp4.Probe(fs, res.Output)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		*postmux.Result
		Info *mp4.Info `json:"info"`
	}{res, info})
}
