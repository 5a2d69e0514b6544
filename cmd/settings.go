package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/overmindtech/vigil/daemon"
	"github.com/overmindtech/vigil/logging"
	"github.com/overmindtech/vigil/settings"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Print the resolved settings with sensitive values redacted",
	Long: `Loads the settings the same way the daemon does and prints them as YAML.
Warnings and validation failures are written to stderr, and failures exit
with status 2.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printSettings(cmd.OutOrStdout(), cmd.ErrOrStderr(), settings.Options{
			ConfigFiles: viper.GetStringSlice("config"),
			ConfigDirs:  viper.GetStringSlice("config-dir"),
			Role:        viper.GetString("role"),
			PIDFile:     viper.GetString("pid-file"),
		})
	},
}

func printSettings(out, errOut io.Writer, opts settings.Options) error {
	s := settings.Load(opts)
	redact := s.RedactKeys()

	for _, w := range s.Warnings {
		fmt.Fprintf(errOut, "warning: %v\n", formatConcern(w, redact))
	}

	failures := s.Validate()
	for _, f := range failures {
		fmt.Fprintf(errOut, "error: %v\n", formatConcern(f, redact))
	}

	data, err := s.YAML()
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		return err
	}

	if len(failures) > 0 {
		return &daemon.ExitError{
			Code: daemon.ExitConfig,
			Err:  fmt.Errorf("settings validation failed with %d failures", len(failures)),
		}
	}

	return nil
}

// formatConcern renders a concern as "message key=value ..." with sensitive
// values redacted and keys sorted
func formatConcern(c logging.Concern, redact []string) string {
	fields := logging.Redact(c.Fields, redact)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(c.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, " %v=%v", k, fields[k])
	}

	return b.String()
}

func init() {
	rootCmd.AddCommand(settingsCmd)

	settingsCmd.Flags().String("role", "", "Validate for this role, 'client' or 'server'")
	cobra.CheckErr(viper.BindPFlag("role", settingsCmd.Flags().Lookup("role")))
}
