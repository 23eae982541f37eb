package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"codeberg.org/rostersync/rostersync/pkg/controller"
	"codeberg.org/rostersync/rostersync/pkg/history"
	"github.com/spf13/cobra"
)

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "get endpoints",
		Short:     "Display configured endpoints and their last cycles",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"endpoints", "endpoint", "ep"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(); err != nil {
				return err
			}

			var items []controller.EndpointStatus
			if err := call(http.MethodGet, "/endpoints", nil, &items); err != nil {
				return err
			}
			if done, err := emit(items); done {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tREALM\tDRY RUN\tLAST SYNC\tLAST SWEEP\tERROR")
			for _, s := range items {
				errMsg := s.LastSyncError
				if errMsg == "" {
					errMsg = s.LastSweepError
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
					s.Name, s.Realm, s.DryRun, age(s.LastSync), age(s.LastSweep), errMsg)
			}
			return w.Flush()
		},
	}
}

func newHistoryCommand() *cobra.Command {
	var (
		endpoint string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sync and sweep cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(); err != nil {
				return err
			}

			query := url.Values{"limit": {strconv.Itoa(limit)}}
			if endpoint != "" {
				query.Set("endpoint", endpoint)
			}

			var records []history.Record
			if err := call(http.MethodGet, "/history", query, &records); err != nil {
				return err
			}
			if done, err := emit(records); done {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tENDPOINT\tKIND\tDURATION\tSUMMARY")
			for _, r := range records {
				summary := r.Summary
				if r.Error != "" {
					summary = "error: " + r.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.StartedAt.Local().Format(time.DateTime), r.Endpoint, r.Kind,
					r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), summary)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Only show cycles of this endpoint")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of cycles to show")
	return cmd
}

type cycleResult struct {
	Status    string                      `json:"status" yaml:"status"`
	Endpoint  string                      `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Count     int                         `json:"count,omitempty" yaml:"count,omitempty"`
	Summary   string                      `json:"summary,omitempty" yaml:"summary,omitempty"`
	Report    *controller.Report          `json:"report,omitempty" yaml:"report,omitempty"`
	Endpoints []controller.EndpointStatus `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
}

func newReconcileCommand() *cobra.Command {
	var all, wait bool

	cmd := &cobra.Command{
		Use:   "reconcile [endpoint-name]",
		Short: "Manually trigger a sync for an endpoint or all endpoints",
		Long: `Trigger an immediate sync for a specific endpoint by name,
or use --all to sync every endpoint at once.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(); err != nil {
				return err
			}

			path := "/reconcile"
			switch {
			case all && len(args) > 0:
				return fmt.Errorf("specify an endpoint name or --all, not both")
			case len(args) == 1:
				path = "/endpoints/" + url.PathEscape(args[0]) + "/reconcile"
			case !all:
				return fmt.Errorf("must specify an endpoint name or use --all")
			}

			return trigger(cmd, path, nil, wait)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Sync every endpoint")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the cycle and print its outcome")
	return cmd
}

func newSweepCommand() *cobra.Command {
	var (
		endpoint string
		wait     bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Manually trigger the deletion sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(); err != nil {
				return err
			}

			query := url.Values{}
			if endpoint != "" {
				query.Set("endpoint", endpoint)
			}
			return trigger(cmd, "/sweep", query, wait)
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Only sweep this endpoint")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the sweep and print its outcome")
	return cmd
}

func trigger(cmd *cobra.Command, path string, query url.Values, wait bool) error {
	if query == nil {
		query = url.Values{}
	}
	if wait {
		query.Set("wait", "true")
	}

	var result cycleResult
	if err := call(http.MethodPost, path, query, &result); err != nil {
		return err
	}
	if done, err := emit(result); done {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case result.Status == "queued" && result.Endpoint != "":
		fmt.Fprintf(out, "✓ Queued for endpoint %q\n", result.Endpoint)
	case result.Status == "queued":
		fmt.Fprintln(out, "✓ Queued for all endpoints")
	case result.Summary != "":
		fmt.Fprintln(out, result.Summary)
	default:
		w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tERROR")
		for _, s := range result.Endpoints {
			fmt.Fprintf(w, "%s\t%s\n", s.Name, s.LastSyncError+s.LastSweepError)
		}
		return w.Flush()
	}
	return nil
}

func age(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
