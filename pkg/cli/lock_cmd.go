package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ingest-platform/pkg/cli/client"
)

// canProceedSlack is added to the HTTP timeout of a waiting can-proceed call.
const canProceedSlack = 30 * time.Second

func refreshLockPath(schema, instance string) string {
	return "/v1/locks/refresh/" + url.PathEscape(schema) + "/" + url.PathEscape(instance)
}

func newLockCmd(c *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Manage BigQuery refresh locks",
		Long: "Refresh locks are held by the view refresh process for a schema and\n" +
			"instance. Ingest runs on the instance yield while one is held.",
	}
	cmd.AddCommand(
		newLockAcquireCmd(c),
		newLockStateCmd(c),
		newLockCanProceedCmd(c),
		newLockReleaseCmd(c),
		newNormalizationLockCmd(c),
	)
	return cmd
}

func newLockAcquireCmd(c *client.Client) *cobra.Command {
	var lockID string
	cmd := &cobra.Command{
		Use:   "acquire <schema> <instance>",
		Short: "Acquire the refresh lock",
		Long: "Acquires the refresh lock. Acquiring again with the same lock id\n" +
			"renews it; a different id fails with a conflict.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if lockID == "" {
				lockID = uuid.NewString()
			}
			out, err := c.DoJSON(cmd.Context(), http.MethodPost, refreshLockPath(args[0], args[1]),
				nil, map[string]string{"lock_id": lockID})
			if err != nil {
				return err
			}
			return render(cmd, out, func(w io.Writer) {
				client.PrintDetail(w, out)
			})
		},
	}
	cmd.Flags().StringVar(&lockID, "lock-id", "", "Lock id (default: random)")
	return cmd
}

func newLockStateCmd(c *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "state <schema> <instance>",
		Short: "Show whether the refresh lock is held",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.DoJSON(cmd.Context(), http.MethodGet, refreshLockPath(args[0], args[1]), nil, nil)
			if err != nil {
				return err
			}
			return render(cmd, out, func(w io.Writer) {
				client.PrintDetail(w, out)
			})
		},
	}
}

func newLockCanProceedCmd(c *client.Client) *cobra.Command {
	var wait, interval time.Duration
	cmd := &cobra.Command{
		Use:   "can-proceed <schema> <instance>",
		Short: "Report whether a refresh holding the lock may proceed",
		Long: "Reports whether the refresh may start. With --wait the server polls\n" +
			"until it may, or answers false once the wait is over.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var q url.Values
			if wait > 0 {
				q = url.Values{}
				q.Set("wait", wait.String())
				if interval > 0 {
					q.Set("interval", interval.String())
				}
				if c.HTTPClient.Timeout > 0 && c.HTTPClient.Timeout < wait+canProceedSlack {
					c.HTTPClient.Timeout = wait + canProceedSlack
				}
			}
			out, err := c.DoJSON(cmd.Context(), http.MethodGet, refreshLockPath(args[0], args[1])+"/can-proceed", q, nil)
			if err != nil {
				return err
			}
			return render(cmd, out, func(w io.Writer) {
				_, _ = fmt.Fprintln(w, client.ExtractField(out, "can_proceed"))
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the refresh to be able to proceed")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Poll interval while waiting (default: server setting)")
	return cmd
}

func newLockReleaseCmd(c *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "release <schema> <instance>",
		Short: "Release the refresh lock",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.DoJSON(cmd.Context(), http.MethodDelete, refreshLockPath(args[0], args[1]), nil, nil); err != nil {
				return err
			}
			name := fmt.Sprintf("%s/%s", args[0], args[1])
			return render(cmd, map[string]any{"released": name}, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "released refresh lock %s\n", name)
			})
		},
	}
}

func normalizationLockPath(instance string) string {
	return "/v1/locks/normalization/" + url.PathEscape(instance)
}

func newNormalizationLockCmd(c *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalization",
		Short: "Manage the normalized state update lock",
		Long: "The normalization lock is held while the normalized state dataset of an\n" +
			"instance is rebuilt. A STATE refresh cannot proceed while it is held.",
	}

	var lockID string
	acquire := &cobra.Command{
		Use:   "acquire <instance>",
		Short: "Acquire the normalization lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if lockID == "" {
				lockID = uuid.NewString()
			}
			out, err := c.DoJSON(cmd.Context(), http.MethodPost, normalizationLockPath(args[0]),
				nil, map[string]string{"lock_id": lockID})
			if err != nil {
				return err
			}
			return render(cmd, out, func(w io.Writer) {
				client.PrintDetail(w, out)
			})
		},
	}
	acquire.Flags().StringVar(&lockID, "lock-id", "", "Lock id (default: random)")

	state := &cobra.Command{
		Use:   "state <instance>",
		Short: "Show whether the normalization lock is held",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.DoJSON(cmd.Context(), http.MethodGet, normalizationLockPath(args[0]), nil, nil)
			if err != nil {
				return err
			}
			return render(cmd, out, func(w io.Writer) {
				client.PrintDetail(w, out)
			})
		},
	}

	release := &cobra.Command{
		Use:   "release <instance>",
		Short: "Release the normalization lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.DoJSON(cmd.Context(), http.MethodDelete, normalizationLockPath(args[0]), nil, nil); err != nil {
				return err
			}
			return render(cmd, map[string]any{"released": args[0]}, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "released normalization lock for %s\n", args[0])
			})
		},
	}

	cmd.AddCommand(acquire, state, release)
	return cmd
}
