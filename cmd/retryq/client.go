package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dovewarden/retryq/internal/apiclient"
	"github.com/dovewarden/retryq/internal/server"
	"github.com/spf13/cobra"
)

const defaultServerURL = "http://localhost:8080"

// withClient resolves the queue name and API client of a client command.
func withClient(cmd *cobra.Command, fn func(c *apiclient.Client, queueName string) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	url, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return fn(apiclient.New(url, timeout), cfg.Queue)
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", defaultServerURL, "Base URL of the retryq API")
	cmd.Flags().Duration("timeout", 10*time.Second, "Request timeout")
}

func newClientCmds() []*cobra.Command {
	pushCmd := &cobra.Command{
		Use:   "push ID...",
		Short: "Push item ids to the queue",
		Long: `Push item ids to the queue. Without --priority the ids are queued in FIFO
order. A push never lowers the priority of a pending item.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed, _ := cmd.Flags().GetBool("failed")
			var priority *float64
			if cmd.Flags().Changed("priority") {
				p, _ := cmd.Flags().GetFloat64("priority")
				priority = &p
			}
			items := make([]server.PushItem, len(args))
			for i, id := range args {
				items[i] = server.PushItem{ID: id, Priority: priority}
			}
			return withClient(cmd, func(c *apiclient.Client, name string) error {
				n, err := c.Push(cmd.Context(), name, items, failed)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pushed %d of %d\n", n, len(items))
				return nil
			})
		},
	}
	pushCmd.Flags().Float64("priority", 0, "Priority of the pushed ids (higher pops first)")
	pushCmd.Flags().Bool("failed", false, "Keep the failure counts of the pushed ids")

	popCmd := &cobra.Command{
		Use:   "pop",
		Short: "Remove and print the highest-priority items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, _ := cmd.Flags().GetInt("count")
			return withClient(cmd, func(c *apiclient.Client, name string) error {
				items, err := c.Pop(cmd.Context(), name, n)
				if err != nil {
					return err
				}
				for _, it := range items {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", it.ID, strconv.FormatFloat(it.Score, 'f', -1, 64))
				}
				return nil
			})
		},
	}
	popCmd.Flags().IntP("count", "n", 1, "Number of items to pop")

	countCmd := &cobra.Command{
		Use:   "count",
		Short: "Print the number of pending items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(c *apiclient.Client, name string) error {
				n, err := c.Count(cmd.Context(), name)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}

	failuresCmd := &cobra.Command{
		Use:   "failures ID",
		Short: "Print the failure count of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(c *apiclient.Client, name string) error {
				n, err := c.Failures(cmd.Context(), name, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}

	deadCmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "Inspect items dropped after exhausting their retries",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters as JSON lines, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(c *apiclient.Client, name string) error {
				list, err := c.DeadLetters(cmd.Context(), name)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, dl := range list {
					if err := enc.Encode(dl); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	reviveCmd := &cobra.Command{
		Use:   "revive ID",
		Short: "Push a dropped item back with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(c *apiclient.Client, name string) error {
				dl, err := c.Revive(cmd.Context(), name, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revived %s (failed %d times: %s)\n", dl.Item, dl.Failures, dl.Error)
				return nil
			})
		},
	}
	deadCmd.AddCommand(listCmd, reviveCmd)

	cmds := []*cobra.Command{pushCmd, popCmd, countCmd, failuresCmd, listCmd, reviveCmd}
	for _, c := range cmds {
		addClientFlags(c)
	}
	return []*cobra.Command{pushCmd, popCmd, countCmd, failuresCmd, deadCmd}
}
