//go:build unix

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// StageEnv carries the detach stage to the re-executed process
const StageEnv = "VIGIL_DAEMON_STAGE"

// Daemonize detaches from the controlling terminal with the classic double
// fork. A Go process cannot fork itself, so each fork is a re-execution of
// the same binary with the same arguments:
//
//   - stage 0 starts stage 1 in a new session and exits
//   - stage 1, the session leader, starts stage 2 and exits, so stage 2 can
//     never acquire a controlling terminal again
//   - stage 2 returns nil and carries on
//
// Children run in / with stdin, stdout and stderr on /dev/null. Every other
// descriptor is close-on-exec and is not inherited, and each process seeds
// its own random source. In stages 0 and 1 exit is called with 0 and, should
// it return, ErrParentExited is returned
func Daemonize(exit func(int)) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("could not find executable: %w", err)
	}

	return daemonize(executable, os.Args[1:], exit)
}

func daemonize(executable string, args []string, exit func(int)) error {
	stage, _ := strconv.Atoi(os.Getenv(StageEnv))

	if stage >= 2 {
		os.Unsetenv(StageEnv)
		if err := os.Chdir("/"); err != nil {
			return fmt.Errorf("could not change directory: %w", err)
		}
		return nil
	}

	cmd := exec.Command(executable, args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%v=%d", StageEnv, stage+1))
	cmd.Dir = "/"
	// nil stdio is connected to /dev/null
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: stage == 0,
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not start detach stage %d: %w", stage+1, err)
	}

	// don't wait for it
	_ = cmd.Process.Release()

	exit(0)

	return ErrParentExited
}
