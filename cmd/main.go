package main

import (
	"fmt"
	"os"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/bacpipes/bacmq/internal/build"
)

// RootCommand is the base command of the worker binary.
var RootCommand = &cobra.Command{
	Use:     "bacmq",
	Short:   "BACnet/IP to MQTT gateway worker",
	Version: build.Version(),
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		runCleanup()
	},
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
}

func init() {
	RootCommand.AddGroup(
		&cobra.Group{ID: "commands", Title: "Commands:"},
	)
}

const banner = `┌────────────────────────────────────────────────────────────┐
│                                                            │
│   ██████╗  █████╗  ██████╗███╗   ███╗ ██████╗              │
│   ██╔══██╗██╔══██╗██╔════╝████╗ ████║██╔═══██╗             │
│   ██████╔╝███████║██║     ██╔████╔██║██║   ██║             │
│   ██╔══██╗██╔══██║██║     ██║╚██╔╝██║██║▄▄ ██║             │
│   ██████╔╝██║  ██║╚██████╗██║ ╚═╝ ██║╚██████╔╝             │
│   ╚═════╝ ╚═╝  ╚═╝ ╚═════╝╚═╝     ╚═╝ ╚══▀▀═╝              │
│                                                            │
│     BACnet/IP to MQTT gateway worker                       │
│                                                            │
│     Version: {{printf "%%-18.18s" .Version}}                            │
│     Build Time: %-26.26s                 │
│                                                            │
└────────────────────────────────────────────────────────────┘
`

// BannerTemplate returns the string used for templating the banner.
func BannerTemplate() string {
	return fmt.Sprintf(banner, build.BuildTime())
}

// PrintBanner prints the banner to the given command's output.
func PrintBanner(cmd *cobra.Command) error {
	t := template.New("banner")

	template.Must(t.Parse(BannerTemplate()))

	return t.Execute(cmd.OutOrStdout(), cmd.Root())
}

const fullDocsFooter = `Full documentation is available at:
https://pkg.go.dev/github.com/bacpipes/bacmq`

// ExitError is an error that should cause the program to exit with the
// given code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func main() {
	if c, err := RootCommand.ExecuteC(); err != nil {
		if exit, ok := err.(*ExitError); ok {
			os.Exit(exit.Code)
		}

		c.PrintErrln("Error:", err)
		c.Usage()
		os.Exit(1)
	}
}
