package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"OpenMCP-Agent/sdk/go/openmcp"
)

func newClient(global *globalOptions) (*openmcp.Client, error) {
	client, err := openmcp.NewClient(global.serverURL, nil)
	if err != nil {
		return nil, err
	}
	client.SetAccessToken(global.token)
	return client, nil
}

func newSubmitCmd(global *globalOptions) *cobra.Command {
	var (
		mode     string
		steps    []string
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <goal>",
		Short: "Submit a task to openmcpd",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(global)
			if err != nil {
				return err
			}
			created, err := client.SubmitTask(cmd.Context(), openmcp.TaskSubmission{
				Goal:  strings.Join(args, " "),
				Mode:  mode,
				Steps: steps,
			})
			if err != nil {
				return err
			}
			if wait {
				created, err = client.WaitForTask(cmd.Context(), created.ID, interval)
				if err != nil {
					return err
				}
			}
			return printTask(cmd.OutOrStdout(), created, global.jsonOutput)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "dynamic, predefined or remote")
	cmd.Flags().StringArrayVar(&steps, "step", nil, "predefined step, repeatable")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the task finishes")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval used with --wait")
	return cmd
}

func newStatusCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(global)
			if err != nil {
				return err
			}
			found, err := client.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printTask(cmd.OutOrStdout(), found, global.jsonOutput)
		},
	}
}

func newListCmd(global *globalOptions) *cobra.Command {
	opts := openmcp.ListOptions{}
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(global)
			if err != nil {
				return err
			}
			if since > 0 {
				opts.UpdatedSince = time.Now().Add(-since)
			}
			tasks, err := client.ListTasks(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if global.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), tasks)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tMODE\tATTEMPTS\tGOAL")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.Status, t.Mode, t.Attempts, truncate(t.Goal, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of tasks")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "number of tasks to skip")
	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "filter by status, comma separated")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "filter by mode")
	cmd.Flags().StringVar(&opts.Query, "query", "", "substring of the goal")
	cmd.Flags().BoolVar(&opts.Ascending, "oldest-first", false, "sort by update time ascending")
	cmd.Flags().DurationVar(&since, "since", 0, "only tasks updated within this duration, e.g. 1h")
	return cmd
}

func newCancelCmd(global *globalOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(global)
			if err != nil {
				return err
			}
			cancelled, err := client.CancelTask(cmd.Context(), args[0], reason)
			if err != nil {
				if openmcp.IsConflict(err) {
					return fmt.Errorf("任务 %s 已经结束: %w", args[0], err)
				}
				return err
			}
			return printTask(cmd.OutOrStdout(), cancelled, global.jsonOutput)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the task")
	return cmd
}

func newResolveCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <request-id> <done|abort>",
		Short: "Answer a pending human-input escalation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(global)
			if err != nil {
				return err
			}
			ack, err := client.ResolveEscalation(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if global.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), ack)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", ack.RequestID, ack.Action, ack.Status)
			return err
		},
	}
}

func printTask(w io.Writer, t openmcp.Task, asJSON bool) error {
	if asJSON {
		return writeJSON(w, t)
	}
	fmt.Fprintf(w, "id:       %s\n", t.ID)
	fmt.Fprintf(w, "status:   %s\n", t.Status)
	fmt.Fprintf(w, "mode:     %s\n", t.Mode)
	fmt.Fprintf(w, "goal:     %s\n", t.Goal)
	fmt.Fprintf(w, "attempts: %d/%d\n", t.Attempts, t.MaxRetries)
	if t.LastError != "" {
		fmt.Fprintf(w, "error:    %s %s\n", t.ErrorCode, t.LastError)
	}
	if t.Result != nil {
		fmt.Fprintf(w, "state:    %s\n", t.Result.State)
		if t.Result.FinalAnswer != "" {
			fmt.Fprintf(w, "answer:   %s\n", t.Result.FinalAnswer)
		}
		if t.Result.Reason != "" {
			fmt.Fprintf(w, "reason:   %s\n", t.Result.Reason)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
