package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"ingest-platform/pkg/cli/client"
)

func newQueryCmd(c *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Render the SQL an ingest view materialization would run",
	}
	cmd.AddCommand(
		newQueryModeCmd(c, "dataflow", "Render the single-statement dataflow query"),
		newQueryModeCmd(c, "debug", "Render the multi-statement debug script"),
	)
	return cmd
}

func newQueryModeCmd(c *client.Client, mode, short string) *cobra.Command {
	var (
		instance string
		upper    string
		lower    string
	)
	cmd := &cobra.Command{
		Use:   mode + " <region> <ingest-view>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("mode", mode)
			q.Set("instance", instance)
			q.Set("upper", upper)
			if lower != "" {
				q.Set("lower", lower)
			}
			path := "/v1/regions/" + url.PathEscape(args[0]) + "/views/" + url.PathEscape(args[1]) + "/query"
			out, err := c.DoJSON(cmd.Context(), http.MethodGet, path, q, nil)
			if err != nil {
				return err
			}
			return render(cmd, out, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "-- %s\n%s\n", client.ExtractField(out, "args"), client.ExtractField(out, "query"))
			})
		},
	}
	cmd.Flags().StringVarP(&instance, "instance", "i", "PRIMARY", "Raw data source instance")
	cmd.Flags().StringVar(&upper, "upper", "", "Upper bound datetime, inclusive (RFC 3339)")
	cmd.Flags().StringVar(&lower, "lower", "", "Lower bound datetime, exclusive (RFC 3339)")
	_ = cmd.MarkFlagRequired("upper")
	return cmd
}
