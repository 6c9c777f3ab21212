package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := createRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
}

// SendFlags holds credential and directory flags for the send command
type SendFlags struct {
	Username string
	Email    string
	Password string
	Dir      string
	Wait     time.Duration
}

// EventsFlags holds flags for the events command
type EventsFlags struct {
	Topic string
	Job   string
	Count int
}

// createRootCommand builds the command tree
func createRootCommand() *cobra.Command {
	globalFlags := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "archivebridge",
		Short: "Backup worker bridge",
		Long: `archivebridge supervises a backup worker process, tracks its jobs and
exposes them over HTTP.

Run the daemon with "archivebridge serve config.toml"; the other commands talk
to a running daemon through its API (see --api-url).`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to config TOML file")
	root.PersistentFlags().StringVar(&globalFlags.APIUrl, "api-url", "", "daemon API base URL (default derived from --config or http://127.0.0.1:8080/api)")
	root.PersistentFlags().DurationVar(&globalFlags.APITimeout, "api-timeout", 10*time.Second, "API request timeout")
	root.PersistentFlags().BoolVar(&globalFlags.Insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().StringVar(&globalFlags.CACert, "ca-cert", "", "CA certificate to trust for an HTTPS API")

	root.AddCommand(
		createServeCommand(globalFlags),
		createMetadataCommand(globalFlags),
		createJobsCommand(globalFlags),
		createJobCommand(globalFlags),
		createSendCommand(globalFlags),
		createOutcomeCommand(globalFlags),
		createStatusCommand(globalFlags),
		createEventsCommand(globalFlags),
	)
	return root
}
