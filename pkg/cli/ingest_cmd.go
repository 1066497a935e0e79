package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"ingest-platform/pkg/cli/client"
)

func instancePath(region, instance string) string {
	return "/v1/regions/" + url.PathEscape(region) + "/instances/" + url.PathEscape(instance)
}

func addInstanceFlag(cmd *cobra.Command, instance *string) {
	cmd.Flags().StringVarP(instance, "instance", "i", "PRIMARY", "Ingest instance (PRIMARY or SECONDARY)")
}

func newRegionsCmd(c *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "regions",
		Short: "List configured regions and their ingest views",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := c.DoJSON(cmd.Context(), http.MethodGet, "/v1/regions", nil, nil)
			if err != nil {
				return err
			}
			return render(cmd, out, func(w io.Writer) {
				client.PrintTable(w, []string{"region_code", "launched", "ingest_views"},
					client.ExtractRows(out, "regions", []string{"region_code", "launched", "ingest_views"}))
			})
		},
	}
}

func newMaterializeCmd(c *client.Client) *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "materialize <region>",
		Short: "Materialize every outstanding date bound of a region's ingest views",
		Long: "Runs one ingest pass for the region and instance under the region's ingest lock.\n" +
			"Fails with a conflict while a refresh lock on the instance is held.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.DoJSON(cmd.Context(), http.MethodPost, instancePath(args[0], instance)+"/runs", nil, nil)
			if err != nil {
				return err
			}
			return render(cmd, out, func(w io.Writer) {
				client.PrintDetail(w, out)
			})
		},
	}
	addInstanceFlag(cmd, &instance)
	return cmd
}

func newBoundsCmd(c *client.Client) *cobra.Command {
	var (
		instance string
		method   string
	)
	cmd := &cobra.Command{
		Use:   "bounds <region>",
		Short: "List the date bounds of the region's raw data snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("method", method)
			out, err := c.DoJSON(cmd.Context(), http.MethodGet, instancePath(args[0], instance)+"/bounds", q, nil)
			if err != nil {
				return err
			}
			return render(cmd, out, func(w io.Writer) {
				client.PrintTable(w,
					[]string{"ingest_view_name", "lower_bound_datetime_exclusive", "upper_bound_datetime_inclusive"},
					client.ExtractRows(out, "bounds", []string{"ingest_view_name", "lower_bound_datetime_exclusive", "upper_bound_datetime_inclusive"}))
			})
		},
	}
	addInstanceFlag(cmd, &instance)
	cmd.Flags().StringVar(&method, "method", "original", "Materialization method (original or latest)")
	return cmd
}

func newSummaryCmd(c *client.Client) *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "summary <region>",
		Short: "Show pending and materialized job counts per ingest view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.DoJSON(cmd.Context(), http.MethodGet, instancePath(args[0], instance)+"/materialization", nil, nil)
			if err != nil {
				return err
			}
			cols := []string{"ingest_view_name", "num_pending_jobs", "num_materialized_jobs", "completed_jobs_max_datetime", "pending_jobs_min_datetime"}
			return render(cmd, out, func(w io.Writer) {
				client.PrintTable(w, cols, client.ExtractRows(out, "ingest_views", cols))
			})
		},
	}
	addInstanceFlag(cmd, &instance)
	return cmd
}

func newOnboardCmd(c *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "onboard <region>",
		Short: "Create a region's raw data tables and seed its PRIMARY status",
		Long: "Creates the raw data tables of both instances that do not exist yet and\n" +
			"writes INITIAL_STATE for PRIMARY when it has no status. Safe to rerun.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.DoJSON(cmd.Context(), http.MethodPost, "/v1/regions/"+url.PathEscape(args[0])+"/onboard", nil, nil)
			if err != nil {
				return err
			}
			return render(cmd, out, func(w io.Writer) {
				client.PrintDetail(w, out)
			})
		},
	}
}

func newFlashCmd(c *client.Client) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "flash <region>",
		Short: "Flash SECONDARY results and raw data to PRIMARY",
		Long: "Backs up PRIMARY, replaces its results and raw data with SECONDARY's,\n" +
			"transfers materialization metadata and records the flash statuses.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("flash replaces PRIMARY data for %s: rerun with --yes to confirm", args[0])
			}
			out, err := c.DoJSON(cmd.Context(), http.MethodPost, "/v1/regions/"+url.PathEscape(args[0])+"/flash", nil, nil)
			if err != nil {
				return err
			}
			return render(cmd, out, func(w io.Writer) {
				client.PrintDetail(w, out)
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the flash")
	return cmd
}
