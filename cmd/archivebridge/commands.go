package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/archivebridge"
	"github.com/loykin/archivebridge/internal/metadata"
	"github.com/loykin/archivebridge/pkg/client"
	"github.com/spf13/cobra"
)

func createMetadataCommand(globalFlags *GlobalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Print the metadata file",
		Long: `Read the metadata file directly, without a running daemon.
The path comes from --file, or from metadata.path of --config.
A corrupt file is reported and the command exits non-zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := file
			if path == "" {
				if globalFlags.ConfigPath == "" {
					return errors.New("metadata requires --file or --config")
				}
				cfg, err := archivebridge.LoadConfig(globalFlags.ConfigPath)
				if err != nil {
					return fmt.Errorf("error loading config: %w", err)
				}
				path = cfg.Metadata.Path
			}
			snap, err := metadata.ReadFile(path)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "metadata file to read")
	return cmd
}

func createJobsCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List jobs tracked by the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(globalFlags)
			if err != nil {
				return err
			}
			jobs, err := c.Jobs(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
}

func createJobCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "job <name>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(globalFlags)
			if err != nil {
				return err
			}
			j, err := c.Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
}

func createSendCommand(globalFlags *GlobalFlags) *cobra.Command {
	sendFlags := &SendFlags{}
	cmd := &cobra.Command{
		Use:   "send <create|start|stop|delete> <name>",
		Short: "Send a command to the backup worker",
		Long: `Send a backup command through the daemon. create and start need
--username and --password.

Examples:
  archivebridge send create nightly --username ops --password s3cret --dir /backups/nightly
  archivebridge send stop nightly --wait 10s`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			c, err := newAPIClient(globalFlags)
			if err != nil {
				return err
			}
			req := client.Command{Kind: kind, BackupName: args[1], Directory: sendFlags.Dir}
			if sendFlags.Username != "" || sendFlags.Password != "" || sendFlags.Email != "" {
				req.Credentials = &client.Credentials{
					Username: sendFlags.Username,
					Email:    sendFlags.Email,
					Password: sendFlags.Password,
				}
			}
			id, err := c.Send(cmd.Context(), req)
			if err != nil {
				return err
			}
			if sendFlags.Wait <= 0 {
				return printJSON(cmd.OutOrStdout(), map[string]string{"correlation_id": id})
			}
			res, err := waitOutcome(cmd.Context(), c, id, sendFlags.Wait)
			if err != nil {
				return err
			}
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			if res.Status == "failed" {
				return fmt.Errorf("%s %s rejected by worker: %s", res.Kind, res.BackupName, res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sendFlags.Username, "username", "", "backup account username")
	cmd.Flags().StringVar(&sendFlags.Email, "email", "", "backup account email")
	cmd.Flags().StringVar(&sendFlags.Password, "password", "", "backup account password")
	cmd.Flags().StringVar(&sendFlags.Dir, "dir", "", "absolute backup directory")
	cmd.Flags().DurationVar(&sendFlags.Wait, "wait", 0, "wait up to this long for the worker acknowledgement")
	return cmd
}

func createOutcomeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "outcome <correlation-id>",
		Short: "Show the acknowledgement of a sent command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(globalFlags)
			if err != nil {
				return err
			}
			res, err := c.Outcome(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the worker session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(globalFlags)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func createEventsCommand(globalFlags *GlobalFlags) *cobra.Command {
	eventsFlags := &EventsFlags{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream events from the daemon",
		Long: `Stream frames, notices and job transitions as JSON lines until
interrupted, or until --count events have been printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(globalFlags)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			seen := 0
			var printErr error
			err = c.Events(ctx, eventsFlags.Topic, eventsFlags.Job, func(e client.Event) {
				if printErr != nil || (eventsFlags.Count > 0 && seen >= eventsFlags.Count) {
					return
				}
				printErr = printJSONLine(cmd.OutOrStdout(), e)
				seen++
				if eventsFlags.Count > 0 && seen >= eventsFlags.Count {
					cancel()
				}
			})
			if printErr != nil {
				return printErr
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&eventsFlags.Topic, "topic", "", "frame, notice, transition or all")
	cmd.Flags().StringVar(&eventsFlags.Job, "job", "", "only events for this job")
	cmd.Flags().IntVar(&eventsFlags.Count, "count", 0, "stop after this many events")
	return cmd
}

func parseKind(s string) (string, error) {
	switch strings.ToLower(s) {
	case "create", "createbackup":
		return string(archivebridge.CreateBackup), nil
	case "start", "startbackup":
		return string(archivebridge.StartBackup), nil
	case "stop", "stopbackup":
		return string(archivebridge.StopBackup), nil
	case "delete", "deletebackup":
		return string(archivebridge.DeleteBackup), nil
	}
	return "", fmt.Errorf("unknown command %q: expected create, start, stop or delete", s)
}

// waitOutcome polls until the command is resolved or wait elapses.
func waitOutcome(ctx context.Context, c *client.Client, id string, wait time.Duration) (client.CommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		res, err := c.Outcome(ctx, id)
		if err != nil {
			return res, err
		}
		if res.Status != "pending" {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return res, fmt.Errorf("no acknowledgement for %s within %s", id, wait)
		case <-ticker.C:
		}
	}
}
