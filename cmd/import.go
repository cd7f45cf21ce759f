package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/eric2788/splitrec/internal/ingest"
	"github.com/eric2788/splitrec/internal/modules/config"
	"github.com/eric2788/splitrec/internal/services/recorder"
	"github.com/eric2788/splitrec/pkg/flv"
	"github.com/eric2788/splitrec/pkg/storage"
	"github.com/eric2788/splitrec/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var ErrNoMedia = errors.New("no recordable media")

// ImportOptions holds command options
type ImportOptions struct {
	Output    string
	Name      string
	Strategy  string
	SplitSize int64
}

// NewImportCommand creates the command recording an FLV file as if it was
// published live.
func NewImportCommand() *cobra.Command {
	opts := &ImportOptions{}

	cmd := &cobra.Command{
		Use:   "import FILE.flv",
		Short: "Record an FLV file with a recording strategy",
		Long: `Feed every tag of an FLV file through a recorder, the same way a live
RTMP publish is recorded. Timestamp jumps of the source are rebased.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			cfg, err := config.Load(config.V)
			if err != nil {
				return err
			}
			outputs, err := runImport(ctx, storage.NewOS(), cfg, args[0], opts)
			if err != nil {
				return err
			}
			for _, o := range outputs {
				fmt.Fprintln(cmd.OutOrStdout(), o)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "out", "o", ".", "Output directory")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Base name of the output files (default the input name)")
	cmd.Flags().StringVar(&opts.Strategy, "strategy", config.StrategyDirect, "Recording strategy (direct, raw-file, raw-channel)")
	cmd.Flags().Int64Var(&opts.SplitSize, "split-size", 0, "Segment size in bytes of direct recordings (default from SPLIT_SIZE)")

	return cmd
}

func runImport(ctx context.Context, fs storage.FileSystem, cfg *config.Config, input string, opts *ImportOptions) ([]string, error) {
	l := logrus.WithField("cmd", "import")

	src, err := flv.OpenFile(fs, input)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	name := opts.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	}
	ro := recorder.OptionsFromConfig(cfg)
	ro.Dir = opts.Output
	ro.BaseName = utils.SanitizeFilename(name)
	ro.Strategy = recorder.Strategy(opts.Strategy)
	if opts.SplitSize > 0 {
		ro.Split.SplitSize = opts.SplitSize
	}

	r := recorder.New(fs, ro, nil)
	defer func() {
		if err := r.Release(); err != nil {
			l.Warnf("release: %v", err)
		}
	}()
	if err := r.Prepare(); err != nil {
		return nil, err
	}

	st, err := ingest.Import(ctx, src, r)
	if err != nil {
		return nil, err
	}
	l.WithField("stats", st).Infof("imported %s", input)
	if r.State() != recorder.Started {
		return nil, errors.Wrapf(ErrNoMedia, "%s", input)
	}

	// a cancelled import still finalizes what was written
	outputs, err := r.StopRecording(context.WithoutCancel(ctx))
	if err != nil {
		return outputs, err
	}
	return outputs, r.Err()
}
