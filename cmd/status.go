package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/overmindtech/vigil/daemon"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ExitNotRunning is the status of `vigil status` when the daemon is not
// running
const ExitNotRunning = 3

var (
	ErrNotRunning = errors.New("vigil is not running")
	ErrNoPIDFile  = errors.New("--pid-file is required")
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon named in the PID file is running",
	Long: `Reads the PID file and checks that the process it names is alive. When
--service-port is set the daemon's /healthz endpoint is queried too.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return status(ctx, cmd.OutOrStdout(), viper.GetString("pid-file"), viper.GetString("service-port"))
	},
}

func status(ctx context.Context, w io.Writer, pidFile, servicePort string) error {
	if pidFile == "" {
		return ErrNoPIDFile
	}

	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		fmt.Fprintf(w, "vigil is not running: %v\n", err)
		return ErrNotRunning
	}

	running, name := daemon.ProcessRunning(pid)
	if !running {
		fmt.Fprintf(w, "vigil is not running, stale PID file names %d\n", pid)
		return ErrNotRunning
	}

	fmt.Fprintf(w, "vigil is running as %v (pid %d)\n", name, pid)

	if servicePort == "" {
		return nil
	}

	health, err := checkHealth(ctx, fmt.Sprintf("http://127.0.0.1:%v/healthz", servicePort))
	if err != nil {
		fmt.Fprintf(w, "health: %v\n", err)
		return err
	}
	fmt.Fprintf(w, "health: %v\n", health)

	return nil
}

func checkHealth(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("could not query health: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(string(body))
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unhealthy (%v): %v", res.StatusCode, text)
	}

	return text, nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
