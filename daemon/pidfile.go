package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"
	"golang.org/x/sys/unix"
)

var (
	// ErrPIDFileLocked is returned when another process holds the PID file lock.
	ErrPIDFileLocked = errors.New("PID file is locked by another process")

	// ErrInvalidPID is returned when the PID file contains invalid data.
	ErrInvalidPID = errors.New("invalid PID in file")
)

// PIDFile is a written PID file. The file stays open and locked until
// Remove so that a second daemon cannot claim the same file
type PIDFile struct {
	path string
	f    *os.File
}

// WritePID writes the current process id to path
func WritePID(path string) (*PIDFile, error) {
	// O_RDWR is needed for flock
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open PID file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrPIDFileLocked
		}
		return nil, fmt.Errorf("failed to lock PID file: %w", err)
	}

	// only truncate once the lock is ours
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to truncate PID file: %w", err)
	}

	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write PID: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to sync PID file: %w", err)
	}

	return &PIDFile{path: path, f: f}, nil
}

func (p *PIDFile) Path() string {
	return p.path
}

// Remove deletes the file and releases the lock
func (p *PIDFile) Remove() error {
	if p == nil || p.f == nil {
		return nil
	}

	_ = unix.Flock(int(p.f.Fd()), unix.LOCK_UN)
	p.f.Close()
	p.f = nil

	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}

	return nil
}

// ReadPID reads the process id from a PID file
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPID, pidStr)
	}

	if pid <= 0 {
		return 0, fmt.Errorf("%w: PID must be positive, got %d", ErrInvalidPID, pid)
	}

	return pid, nil
}

// ProcessRunning reports whether pid is a live process and the name of its
// executable
func ProcessRunning(pid int) (bool, string) {
	p, err := ps.FindProcess(pid)
	if err != nil || p == nil {
		return false, ""
	}
	return true, p.Executable()
}
