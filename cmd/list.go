package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bacpipes/bacmq/log"
	"github.com/bacpipes/bacmq/store"
)

// Flags for [ListCommand].
var (
	ListSummary bool // Display one line per device with its point count
)

// ListCommand prints the points the worker polls.
var ListCommand = &cobra.Command{
	Use:     "list",
	Aliases: []string{"l"},
	Short:   "List the points the worker polls",
	Long: `List the enabled, publishable points of every enabled device.

Each point is printed with its BACnet coordinates, name, poll interval,
writability, and publish topic. With --summary only one line per device
is printed.`,
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
	RunE: listPoints,
}

func init() {
	ListCommand.Flags().SortFlags = false
	ListCommand.Flags().StringSliceVarP(&ConfigPath, "config", "c", nil, "Path(s) to config file")
	ListCommand.Flags().StringVar(&DatabaseURL, "db-url", "", "Config store connection string")
	ListCommand.Flags().BoolVarP(&ListSummary, "summary", "s", false, "Display one line per device with its point count")

	ListCommand.MarkFlagFilename("config", "yaml", "yml")

	ListCommand.SetHelpTemplate(ListCommand.HelpTemplate() + "\n" + fullDocsFooter + "\n")

	RootCommand.AddCommand(ListCommand)
}

type deviceGroup struct {
	instance uint32
	addr     string
	port     int
	points   []*store.PollPoint
}

// groupByDevice buckets points by device, keeping first-appearance
// order.
func groupByDevice(points []*store.PollPoint) []*deviceGroup {
	index := make(map[uint32]*deviceGroup)

	var groups []*deviceGroup
	for _, pt := range points {
		d, ok := index[pt.DeviceInstance]
		if !ok {
			d = &deviceGroup{
				instance: pt.DeviceInstance,
				addr:     pt.DeviceAddr,
				port:     pt.DevicePort,
			}
			index[pt.DeviceInstance] = d
			groups = append(groups, d)
		}

		d.points = append(d.points, pt)
	}

	return groups
}

func printPoints(w io.Writer, groups []*deviceGroup) {
	for _, d := range groups {
		fmt.Fprintf(w, "[device %d] %s:%d\n", d.instance, d.addr, d.port)

		for _, pt := range d.points {
			writable := "-"
			if pt.IsWritable {
				writable = "w"
			}

			topic := pt.MQTTTopic
			if topic == "" {
				topic = "(no topic)"
			}

			fmt.Fprintf(w, "  %-28s %-24s %4ds %s %s\n",
				fmt.Sprintf("%s:%d", pt.ObjectType, pt.ObjectInstance),
				pt.Name, pt.PollInterval, writable, topic,
			)
		}
	}
}

func printDeviceSummary(w io.Writer, groups []*deviceGroup) {
	for _, d := range groups {
		fmt.Fprintf(w, "device %d (%s:%d): %d points\n",
			d.instance, d.addr, d.port, len(d.points),
		)
	}
}

func listPoints(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	points, err := st.ListPollablePoints(ctx)
	if err != nil {
		return err
	}

	if len(points) == 0 {
		cmd.Println("No pollable points. Run 'bacmq discover' first.")
		return nil
	}

	groups := groupByDevice(points)

	if ListSummary {
		printDeviceSummary(cmd.OutOrStdout(), groups)
	} else {
		printPoints(cmd.OutOrStdout(), groups)
	}

	return nil
}
