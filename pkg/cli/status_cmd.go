package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"ingest-platform/pkg/cli/client"
)

var statusColumns = []string{"status", "status_timestamp", "region_code", "instance"}

func newStatusCmd(c *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Inspect and change instance statuses",
	}
	cmd.AddCommand(newStatusGetCmd(c), newStatusSetCmd(c), newStatusListCmd(c))
	return cmd
}

func newStatusGetCmd(c *client.Client) *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "get <region>",
		Short: "Show the current status of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.DoJSON(cmd.Context(), http.MethodGet, instancePath(args[0], instance)+"/status", nil, nil)
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

func newStatusSetCmd(c *client.Client) *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "set <region> <status>",
		Short: "Append a status to an instance's status log",
		Long: "Appends a status row. The server rejects transitions the status\n" +
			"state machine does not allow and legacy statuses.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.DoJSON(cmd.Context(), http.MethodPost, instancePath(args[0], instance)+"/status",
				nil, map[string]string{"status": args[1]})
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

func newStatusListCmd(c *client.Client) *cobra.Command {
	var (
		instance string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list <region>",
		Short: "List an instance's statuses, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return fmt.Errorf("invalid limit %d: must be non-negative", limit)
			}
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			out, err := c.DoJSON(cmd.Context(), http.MethodGet, instancePath(args[0], instance)+"/statuses", q, nil)
			if err != nil {
				return err
			}
			return render(cmd, out, func(w io.Writer) {
				client.PrintTable(w, statusColumns, client.ExtractRows(out, "statuses", statusColumns))
			})
		},
	}
	addInstanceFlag(cmd, &instance)
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of statuses (0 for all)")
	return cmd
}
