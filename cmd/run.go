package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bacpipes/bacmq"
	"github.com/bacpipes/bacmq/log"
)

// RunCommand is the main [cobra.Command] used for running the worker.
var RunCommand = &cobra.Command{
	Use:     "run [--config <path>]... [flags]",
	Aliases: []string{"start"},
	Short:   "Run the gateway worker",
	Long: `Run the BACnet/IP to MQTT gateway worker.

The worker connects to the config store, waits for first-time setup to
provide the system and broker settings, then binds the BACnet socket and
enters the poll loop. It runs in the foreground until a signal is
received.

	- SIGINT or SIGTERM will gracefully shut the worker down.

Configuration is a single YAML file. If no config file is specified, the
default path will be determined by the first defined value of
$BACPIPES_CONFIG_PATH, $XDG_CONFIG_HOME/bacmq.yaml, or
$HOME/.config/bacmq.yaml. In the case of $BACPIPES_CONFIG_PATH, the
value may be a comma-separated list of paths. If none of these files
exist, the default configuration is used, which reads the store
location from $DATABASE_URL.

Broker, device, and point configuration live in the config store and
are edited through the management UI; the worker picks changes up at
the reload interval without restarting.`,
	Example: `  bacmq run --config config.yaml
  bacmq run --db-url postgres://bacpipes@localhost/bacpipes
  bacmq run --log debug`,
	GroupID: "commands",
	Args:    cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := PrintBanner(cmd); err != nil {
			cmd.Println(err)
		}

		if err := loadConfig(); err != nil {
			return err
		}

		log.Info("Config loaded")
		setLogHandler(cfg, log.LevelDebug)

		return nil
	},
	RunE: runWorker,

	DisableFlagsInUseLine: true,
}

func init() {
	RunCommand.Flags().SortFlags = false
	RunCommand.Flags().StringSliceVarP(&ConfigPath, "config", "c", nil, "Path(s) to config file")
	RunCommand.Flags().StringVar(&DatabaseURL, "db-url", "", "Config store connection string")
	RunCommand.Flags().StringVarP(&LogLevel, "log", "l", "", "Log level")

	RunCommand.MarkFlagFilename("config", "yaml", "yml")

	RunCommand.SetHelpTemplate(RunCommand.HelpTemplate() + "\n" + fullDocsFooter + "\n")

	RootCommand.AddCommand(RunCommand)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := openStore(ctx)
	if err != nil {
		log.Error("Config store unavailable", err)
		return &ExitError{err, 1}
	}
	defer st.Close()

	worker := bacmq.New(cfg, st)

	worker.Start(ctx)
	defer func() {
		cancel()
		worker.Stop()
		log.Info("Done")
	}()

	select {
	case <-worker.Ready():
		if err := worker.Err(); err != nil {
			return &ExitError{err, 1}
		}
	case <-sig:
		return nil
	}

	select {
	case <-worker.Done():
	case <-sig:
		log.Debug("Received signal")
	}

	return nil
}
