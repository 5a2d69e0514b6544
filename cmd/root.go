package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/overmindtech/vigil/daemon"
	"github.com/overmindtech/vigil/tracing"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Monitoring daemon",
	Long: `vigil runs as a client that announces itself with keepalives, or as a
server that records them. Both stay up through transport and data store
outages by pausing until their connections are back.
`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var exitErr *daemon.ExitError
		switch {
		case errors.As(err, &exitErr):
			os.Exit(exitErr.Code)
		case errors.Is(err, ErrNotRunning):
			os.Exit(ExitNotRunning)
		default:
			os.Exit(1)
		}
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()

	// General config options
	pf.StringSlice("config", []string{"/etc/vigil/config.yaml"}, "Config file path, may be repeated. Later files override earlier ones")
	pf.StringSlice("config-dir", []string{"/etc/vigil/conf.d"}, "Directory of *.json, *.yaml and *.yml config files merged in lexical order, may be repeated")
	pf.String("log", "info", "Set the log level. Valid values: panic, fatal, error, warn, info, debug, trace")
	cobra.CheckErr(viper.BindEnv("log", "VIGIL_LOG", "LOG")) // fallback to global config
	pf.String("log-file", "", "Append logs to this file instead of stderr. SIGUSR2 reopens it")
	pf.String("termination-log", "", "Also write fatal log entries to this file, e.g. /dev/termination-log")
	pf.String("run-mode", daemon.RunModeRelease, "Set the run mode for this service, 'release', 'debug' or 'test'. Defaults to 'release'.")

	// process options
	pf.Bool("daemonize", false, "Detach from the terminal and run in the background")
	pf.String("pid-file", "", "Write the process id to this file")
	pf.Bool("watch-config", false, "Reload the settings when a config file changes")
	pf.String("service-port", "", "If set, serves /healthz and /metrics on this port")
	cobra.CheckErr(viper.BindEnv("service-port", "VIGIL_SERVICE_PORT", "SERVICE_PORT"))

	// tracing
	pf.String("honeycomb-api-key", "", "If specified, configures opentelemetry libraries to submit traces to honeycomb")
	cobra.CheckErr(viper.BindEnv("honeycomb-api-key", "VIGIL_HONEYCOMB_API_KEY", "HONEYCOMB_API_KEY")) // fallback to global config
	pf.String("sentry-dsn", "", "If specified, configures sentry libraries to capture errors")
	cobra.CheckErr(viper.BindEnv("sentry-dsn", "VIGIL_SENTRY_DSN", "SENTRY_DSN")) // fallback to global config
	pf.Bool("stdout-trace-dump", false, "Dump all otel traces to stdout for debugging")

	// Bind these to viper
	err := viper.BindPFlags(pf)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Could not bind flags to viper")
	}

	// Run this before we do anything to set up tracing
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Bind flags that haven't been set to the values from viper of we have them
		var bindErr error
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.DefValue != "" || f.Changed {
				if err := viper.BindPFlag(f.Name, f); err != nil {
					bindErr = err
				}
			}
		})
		if bindErr != nil {
			return fmt.Errorf("could not bind flags to viper: %w", bindErr)
		}

		if path := viper.GetString("termination-log"); path != "" {
			log.AddHook(TerminationLogHook{Path: path})
		}

		return tracing.InitTracerWithUpstreams("vigil-"+cmd.Name(), viper.GetString("honeycomb-api-key"), viper.GetString("sentry-dsn"))
	}

	// shut down tracing at the end of the process
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		tracing.ShutdownTracer(context.Background())
	}
}

// initConfig reads in ENV variables if set. The daemon settings are loaded
// separately, by the controller
func initConfig() {
	replacer := strings.NewReplacer("-", "_")

	viper.SetEnvKeyReplacer(replacer)
	viper.SetEnvPrefix("VIGIL")
	viper.AutomaticEnv() // read in environment variables that match
}

// daemonOptions builds the controller options from the flags
func daemonOptions(role string) daemon.Options {
	return daemon.Options{
		ConfigFiles: viper.GetStringSlice("config"),
		ConfigDirs:  viper.GetStringSlice("config-dir"),
		Role:        role,
		Daemonize:   viper.GetBool("daemonize"),
		PIDFile:     viper.GetString("pid-file"),
		LogLevel:    viper.GetString("log"),
		LogFile:     viper.GetString("log-file"),
		RunMode:     viper.GetString("run-mode"),
		WatchConfig: viper.GetBool("watch-config"),
		ServicePort: viper.GetString("service-port"),
	}
}

// role is a daemon role ready to be initialized
type role interface {
	daemon.Service
	Initialize(ctx context.Context) error
}

// runRole takes a role through its whole life. Fatal errors have already
// exited the process by the time they would be returned, and a panic exits
// with status 1 once it has been reported
func runRole(ctx context.Context, name string, r role) error {
	defer tracing.LogRecoverToExit(ctx, "vigil."+name)

	if err := r.Initialize(ctx); err != nil {
		if errors.Is(err, daemon.ErrParentExited) {
			return nil
		}
		return err
	}

	if err := r.Start(); err != nil {
		r.Stop()
		return err
	}

	return r.Run(ctx)
}

// TerminationLogHook A hook that logs fatal errors to the termination log
type TerminationLogHook struct {
	Path string
}

func (t TerminationLogHook) Levels() []log.Level {
	return []log.Level{log.FatalLevel}
}

func (t TerminationLogHook) Fire(e *log.Entry) error {
	tLog, err := os.OpenFile(t.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer tLog.Close()

	message := e.Message

	for k, v := range e.Data {
		message = fmt.Sprintf("%v %v=%v", message, k, v)
	}

	_, err = tLog.WriteString(message + "\n")

	return err
}
