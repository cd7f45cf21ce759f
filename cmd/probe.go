package cmd

import (
	"fmt"

	"github.com/eric2788/splitrec/pkg/mp4"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// NewProbeCommand creates the command summarizing recorded MP4 files.
func NewProbeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probe FILE...",
		Short: "Print the tracks of recorded MP4 files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, afero.NewOsFs(), args)
		},
	}
}

func runProbe(cmd *cobra.Command, fs afero.Fs, paths []string) error {
	out := cmd.OutOrStdout()
	for _, path := range paths {
		info, err := mp4.Probe(fs, path)
		if err != nil {
			return errors.Wrapf(err, "probe %s", path)
		}
		fmt.Fprintf(out, "%s: %d bytes, %d fragments\n", info.Path, info.Size, info.Parts)
		for _, t := range info.Tracks {
			fmt.Fprintf(out, "  #%d %-5s %6d samples %5d keyframes %10d bytes %v\n",
				t.ID, t.Codec, t.Samples, t.KeyFrames, t.Bytes, t.Duration())
		}
	}
	return nil
}
