package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	filemutex "github.com/alexflint/go-filemutex"
)

// lockProbeTimeout bounds how long AcquirePIDFile waits for the exclusive
// lock before concluding another live instance holds it. go-filemutex's
// Lock blocks indefinitely on a held flock, so acquisition races against
// this timeout in a goroutine rather than calling Lock on the caller's
// goroutine directly.
const lockProbeTimeout = 200 * time.Millisecond

// PIDFile is the daemon's single-instance guard: an exclusive flock on a
// well-known path, released only when the process exits or calls Release.
type PIDFile struct {
	mu   *filemutex.FileMutex
	path string
}

// AcquirePIDFile takes an exclusive lock on path, creating it and its
// parent directory if necessary, and writes the current PID into it. It
// returns an error immediately if another live instance already holds the
// lock, rather than blocking for one to exit.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating pidfile directory: %w", err)
	}

	mu, err := filemutex.New(path)
	if err != nil {
		return nil, fmt.Errorf("opening pidfile: %w", err)
	}

	acquired := make(chan error, 1)
	go func() { acquired <- mu.Lock() }()

	select {
	case err := <-acquired:
		if err != nil {
			return nil, fmt.Errorf("locking pidfile: %w", err)
		}
	case <-time.After(lockProbeTimeout):
		_ = mu.Close()
		return nil, fmt.Errorf("daemon is already running (pidfile %s is locked)", path)
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err != nil {
		_ = mu.Unlock()
		_ = mu.Close()
		return nil, fmt.Errorf("writing pidfile: %w", err)
	}

	return &PIDFile{mu: mu, path: path}, nil
}

// Release unlocks and removes the pidfile. Safe to call once, on shutdown.
func (p *PIDFile) Release() {
	_ = p.mu.Unlock()
	_ = p.mu.Close()
	_ = os.Remove(p.path)
}
