package cmd

import (
	"github.com/eric2788/splitrec/internal/modules/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "splitrec",
	Short: "Segmented live stream recorder",
	Long: `splitrec records published live streams into size-split MP4 segments,
or into raw intermediate streams that are rebuilt into one MP4 when the
recording stops.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(config.V.GetString("log_level"))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	_ = config.V.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewBuildCommand())
	rootCmd.AddCommand(NewProbeCommand())
	rootCmd.AddCommand(NewImportCommand())
}
