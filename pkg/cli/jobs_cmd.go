package cli

import (
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"ingest-platform/pkg/cli/client"
)

var jobColumns = []string{
	"ingest_view_name",
	"lower_bound_datetime_exclusive",
	"upper_bound_datetime_inclusive",
	"job_creation_time",
	"materialization_time",
}

func viewJobsPath(region, instance, view string) string {
	return instancePath(region, instance) + "/views/" + url.PathEscape(view) + "/jobs"
}

func newJobsCmd(c *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect materialization jobs",
	}
	cmd.AddCommand(
		newJobsPendingCmd(c),
		newJobsCompletedCmd(c),
		newJobsLatestCmd(c),
	)
	return cmd
}

func newJobsPendingCmd(c *client.Client) *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "pending <region>",
		Short: "List registered jobs that are not materialized yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.DoJSON(cmd.Context(), http.MethodGet, instancePath(args[0], instance)+"/jobs/pending", nil, nil)
			if err != nil {
				return err
			}
			return render(cmd, out, func(w io.Writer) {
				client.PrintTable(w, jobColumns, client.ExtractRows(out, "jobs", jobColumns))
			})
		},
	}
	addInstanceFlag(cmd, &instance)
	return cmd
}

func newJobsCompletedCmd(c *client.Client) *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "completed <region> <view>",
		Short: "List materialized jobs of an ingest view",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.DoJSON(cmd.Context(), http.MethodGet, viewJobsPath(args[0], instance, args[1]), nil, nil)
			if err != nil {
				return err
			}
			return render(cmd, out, func(w io.Writer) {
				client.PrintTable(w, jobColumns, client.ExtractRows(out, "jobs", jobColumns))
			})
		},
	}
	addInstanceFlag(cmd, &instance)
	return cmd
}

func newJobsLatestCmd(c *client.Client) *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "latest <region> <view>",
		Short: "Show the most recently registered job of an ingest view",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.DoJSON(cmd.Context(), http.MethodGet, viewJobsPath(args[0], instance, args[1])+"/latest", nil, nil)
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
