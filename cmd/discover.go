package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bacpipes/bacmq/config"
	"github.com/bacpipes/bacmq/discovery"
	"github.com/bacpipes/bacmq/log"
	"github.com/bacpipes/bacmq/store"
)

// Fallbacks when first-time setup has not populated the system row.
const (
	defaultScannerID = 3001234
	defaultWindow    = 15 * time.Second
	defaultBACnet    = 47808
)

// Flags for [DiscoverCommand].
var (
	DiscoverAddress string
	DiscoverPort    int
	DiscoverWindow  time.Duration
	DiscoverMerge   bool
)

// DiscoverCommand runs a one-shot network scan and stores the result.
var DiscoverCommand = &cobra.Command{
	Use:   "discover [flags]",
	Short: "Scan the network and store what answers",
	Long: `Scan for BACnet devices and store the devices and points found.

The scan raises the coordination flag so a worker sharing the host
yields the BACnet socket for the duration, broadcasts Who-Is, and walks
the object list of every device that answers. By default the discovered
inventory replaces the stored one; --merge keeps the semantic tags and
publish configuration of points that survived.

The bind address, port, and collection window default to the stored
system settings.`,
	Example: `  bacmq discover
  bacmq discover --merge
  bacmq discover --address 192.168.1.10 --window 30s`,
	GroupID: "commands",
	Args:    cobra.NoArgs,
	PreRunE: func(_ *cobra.Command, _ []string) error {
		if err := loadConfig(); err != nil {
			return err
		}

		setLogHandler(cfg, log.LevelInfo)

		return nil
	},
	RunE: runDiscovery,

	DisableFlagsInUseLine: true,
}

func init() {
	DiscoverCommand.Flags().SortFlags = false
	DiscoverCommand.Flags().StringSliceVarP(&ConfigPath, "config", "c", nil, "Path(s) to config file")
	DiscoverCommand.Flags().StringVar(&DatabaseURL, "db-url", "", "Config store connection string")
	DiscoverCommand.Flags().StringVarP(&DiscoverAddress, "address", "a", "", "Local address to bind")
	DiscoverCommand.Flags().IntVarP(&DiscoverPort, "port", "p", 0, "BACnet UDP port")
	DiscoverCommand.Flags().DurationVarP(&DiscoverWindow, "window", "w", 0, "I-Am collection window")
	DiscoverCommand.Flags().BoolVarP(&DiscoverMerge, "merge", "m", false, "Merge results, preserving tags of surviving points")
	DiscoverCommand.Flags().StringVarP(&LogLevel, "log", "l", "", "Log level")

	DiscoverCommand.MarkFlagFilename("config", "yaml", "yml")

	DiscoverCommand.SetHelpTemplate(DiscoverCommand.HelpTemplate() + "\n" + fullDocsFooter + "\n")

	RootCommand.AddCommand(DiscoverCommand)
}

func runDiscovery(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(ctx)
	if err != nil {
		log.Error("Config store unavailable", err)
		return &ExitError{err, 1}
	}
	defer st.Close()

	system, err := st.LoadSystem(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return &ExitError{err, 1}
	}

	job := discoveryJob(system)
	if job.Address == "" {
		return fmt.Errorf("no bind address: run first-time setup or pass --address")
	}

	if err := st.CreateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("another discovery job is already running")
		}
		return &ExitError{err, 1}
	}

	runner := &discovery.Runner{
		Store:        st,
		Config:       cfg.BACnet,
		Flag:         cfg.Worker.DiscoveryFlag,
		Merge:        DiscoverMerge || cfg.Worker.PreserveTags,
		PollInterval: defaultPollInterval(system),
	}

	if err := runner.Run(ctx, job); err != nil {
		return &ExitError{err, 1}
	}

	switch job.Status {
	case store.JobCancelled:
		cmd.Printf("Discovery cancelled (job %s)\n", job.ID)
	default:
		cmd.Printf("Discovered %d devices, %d points (job %s)\n",
			job.DevicesFound, job.PointsFound, job.ID)
	}

	return nil
}

// discoveryJob merges the flag overrides over the stored system
// settings.
func discoveryJob(system *config.System) *store.Job {
	job := &store.Job{
		Address:  DiscoverAddress,
		Port:     DiscoverPort,
		Timeout:  DiscoverWindow,
		DeviceID: defaultScannerID,
	}

	if !system.IsZero() {
		if job.Address == "" {
			job.Address = system.BACnetIP
		}
		if job.Port == 0 {
			job.Port = system.BACnetPort
		}
		if job.Timeout == 0 {
			job.Timeout = system.DiscoveryTimeout
		}
		if system.DeviceID != 0 {
			job.DeviceID = system.DeviceID
		}
	}

	if job.Port == 0 {
		job.Port = defaultBACnet
	}
	if job.Timeout == 0 {
		job.Timeout = defaultWindow
	}

	return job
}

func defaultPollInterval(system *config.System) int {
	if !system.IsZero() && system.DefaultPollInterval > 0 {
		return system.DefaultPollInterval
	}

	return 60
}
