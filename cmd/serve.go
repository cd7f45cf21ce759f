package cmd

import (
	"time"

	"github.com/eric2788/splitrec/internal/controllers/file"
	"github.com/eric2788/splitrec/internal/controllers/postmux"
	"github.com/eric2788/splitrec/internal/controllers/record"
	"github.com/eric2788/splitrec/internal/ingest/rtmp"
	"github.com/eric2788/splitrec/internal/modules/config"
	"github.com/eric2788/splitrec/internal/modules/rest"
	f "github.com/eric2788/splitrec/internal/services/file"
	"github.com/eric2788/splitrec/internal/services/journal"
	"github.com/eric2788/splitrec/internal/services/recorder"
	"github.com/eric2788/splitrec/internal/services/stream"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

const stopTimeout = 5 * time.Minute

// flag name to config key
var serveFlags = map[string]string{
	"port":       "port",
	"rtmp-addr":  "rtmp_addr",
	"output-dir": "output_dir",
	"database":   "database_path",
	"strategy":   "strategy",
	"split-size": "split_size",
}

// NewServeCommand creates the command running the RTMP ingest and the REST API.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept RTMP publishers and serve the REST API",
		Long: `Listen for RTMP publishers and record every published stream with the
configured strategy. Raw-file recordings left unbuilt by a previous run are
rebuilt on start. Flags override the matching environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(ServeOptions())
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("port", "8080", "REST API port")
	flags.String("rtmp-addr", ":1935", "RTMP listen address")
	flags.String("output-dir", "records", "Directory recordings are written to")
	flags.String("database", "data/splitrec.db", "Recording journal database path")
	flags.String("strategy", config.StrategyDirect, "Recording strategy (direct, raw-file, raw-channel)")
	flags.Int64("split-size", 4_000_000_000, "Segment size in bytes of direct recordings")
	for flag, key := range serveFlags {
		_ = config.V.BindPFlag(key, flags.Lookup(flag))
	}

	return cmd
}

// ServeOptions wires the whole server.
func ServeOptions() fx.Option {
	return fx.Options(
		config.Module,
		rest.Module,

		fx.Provide(journal.NewService),
		fx.Provide(recorder.NewService),
		fx.Provide(f.NewService),
		fx.Provide(stream.NewService),
		fx.Provide(rtmp.NewServer),

		fx.Invoke(record.NewController),
		fx.Invoke(record.NewPullController),
		fx.Invoke(postmux.NewController),
		fx.Invoke(file.NewController),
		fx.Invoke(func(*rtmp.Server) {}),

		fx.StartTimeout(30*time.Second),
		// open recordings are finalized on stop
		fx.StopTimeout(stopTimeout),
	)
}
