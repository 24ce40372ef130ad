package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bacpipes/bacmq/log"
)

// RestartCommand signals a running worker to reload its configuration.
var RestartCommand = &cobra.Command{
	Use:   "restart",
	Short: "Signal a running worker to reload",
	Long: `Raise the restart flag observed by a running worker.

The worker removes the flag, reloads the stored broker and system
settings, rebuilds its MQTT session if the broker settings changed, and
refreshes its point cache. Queued write commands survive the reload.

Both processes must agree on the flag path, so pass the same config
file the worker runs with.`,
	Example: `  bacmq restart
  bacmq restart --config config.yaml`,
	GroupID: "commands",
	Args:    cobra.NoArgs,
	PreRunE: func(_ *cobra.Command, _ []string) error {
		log.SetLogLevel(log.LevelWarn)

		if err := loadConfig(); err != nil {
			return err
		}

		setLogHandler(cfg, log.LevelWarn)

		return nil
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		flag := cfg.Worker.RestartFlag
		if flag == "" {
			return fmt.Errorf("no restart flag path configured")
		}

		stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
		if err := os.WriteFile(flag, []byte(stamp), 0o644); err != nil {
			return err
		}

		cmd.Printf("Restart requested: %s\n", flag)

		return nil
	},
}

func init() {
	RestartCommand.Flags().SortFlags = false
	RestartCommand.Flags().StringSliceVarP(&ConfigPath, "config", "c", nil, "Path(s) to config file")

	RestartCommand.MarkFlagFilename("config", "yaml", "yml")

	RestartCommand.SetHelpTemplate(RestartCommand.HelpTemplate() + "\n" + fullDocsFooter + "\n")

	RootCommand.AddCommand(RestartCommand)
}
