package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ingest-platform/pkg/cli/client"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs ingestctl and returns the process exit code.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			errObj := map[string]any{"error": err.Error()}
			var apiErr *client.APIError
			if errors.As(err, &apiErr) {
				errObj["http_status"] = apiErr.HTTPStatus
				errObj["request_id"] = apiErr.RequestID
			}
			_ = client.PrintJSON(os.Stdout, errObj)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var (
		host    string
		output  string
		profile string
	)
	c := client.NewClient(host)

	rootCmd := &cobra.Command{
		Use:           "ingestctl",
		Short:         "Ingest platform CLI",
		Long:          "Command-line interface for the ingest platform admin API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				// The config file is optional.
				cfg = &UserConfig{Profiles: map[string]Profile{}}
			}
			p := cfg.ActiveProfile(profile)

			// flag > env > profile > default
			if !cmd.Flags().Changed("host") {
				if v := os.Getenv("INGEST_HOST"); v != "" {
					host = v
				} else if p.Host != "" {
					host = p.Host
				}
			}
			if !cmd.Flags().Changed("output") {
				if v := os.Getenv("INGEST_OUTPUT"); v != "" {
					output = v
				} else if p.Output != "" {
					output = p.Output
				}
			}
			if err := validateOutputFormat(output); err != nil {
				return err
			}
			if err := validateHostURL(host); err != nil {
				return err
			}
			c.SetBaseURL(host)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&host, "host", "http://localhost:8080", "Admin API URL")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", client.DefaultOutput(), "Output format (table, json)")
	rootCmd.PersistentFlags().StringVarP(&profile, "profile", "p", "", "Config profile to use")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newRegionsCmd(c))
	rootCmd.AddCommand(newMaterializeCmd(c))
	rootCmd.AddCommand(newBoundsCmd(c))
	rootCmd.AddCommand(newSummaryCmd(c))
	rootCmd.AddCommand(newJobsCmd(c))
	rootCmd.AddCommand(newOnboardCmd(c))
	rootCmd.AddCommand(newQueryCmd(c))
	rootCmd.AddCommand(newStatusCmd(c))
	rootCmd.AddCommand(newLockCmd(c))
	rootCmd.AddCommand(newFlashCmd(c))
	rootCmd.AddCommand(newCompletionCmd())

	return rootCmd
}

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion scripts",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
}

// render writes data as JSON, or calls table for the table format.
func render(cmd *cobra.Command, data any, table func(w io.Writer)) error {
	if getOutputFormat(cmd) == "json" {
		return client.PrintJSON(cmd.OutOrStdout(), data)
	}
	table(cmd.OutOrStdout())
	return nil
}
