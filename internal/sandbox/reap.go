package sandbox

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/procfs"
	"github.com/siderolabs/go-retry/retry"
	"golang.org/x/sys/unix"
)

// ReapAttempts and ReapInterval bound how long TerminateChildren waits.
var (
	ReapAttempts = 100
	ReapInterval = time.Second
)

// liveProcs returns the processes matching keep which are not zombies.
func liveProcs(keep func(procfs.ProcStat) bool) ([]procfs.ProcStat, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, err
	}
	var live []procfs.ProcStat
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil {
			continue // exited meanwhile
		}
		if st.State == "Z" || !keep(st) {
			continue
		}
		live = append(live, st)
	}
	return live, nil
}

// Children returns the live direct children of the calling process.
func Children() ([]procfs.ProcStat, error) {
	self := os.Getpid()
	return liveProcs(func(st procfs.ProcStat) bool { return st.PPID == self })
}

// TerminateChildren sends SIGTERM to every live child of the calling
// process and polls until all of them are gone or the attempts are
// exhausted.
func TerminateChildren() error {
	children, err := Children()
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, c := range children {
		if err := unix.Kill(c.PID, unix.SIGTERM); err != nil && err != unix.ESRCH {
			result = multierror.Append(result, fmt.Errorf("SIGTERM to %d (%s): %w", c.PID, c.Comm, err))
		}
	}
	if len(children) == 0 {
		return result.ErrorOrNil()
	}
	err = retry.Constant(time.Duration(ReapAttempts)*ReapInterval, retry.WithUnits(ReapInterval)).Retry(func() error {
		left, err := Children()
		if err != nil {
			return err
		}
		if len(left) > 0 {
			return retry.ExpectedErrorf("%d child processes still running", len(left))
		}
		return nil
	})
	if err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// KillAll signals every other process visible in /proc. Inside the
// sandbox that is exactly the PID namespace. It returns the number of
// processes signalled.
func KillAll(sig unix.Signal) (int, error) {
	self := os.Getpid()
	procs, err := liveProcs(func(st procfs.ProcStat) bool { return st.PID != self })
	if err != nil {
		return 0, err
	}
	var (
		n      int
		result *multierror.Error
	)
	for _, p := range procs {
		if err := unix.Kill(p.PID, sig); err != nil {
			if err != unix.ESRCH {
				result = multierror.Append(result, fmt.Errorf("kill %d (%s): %w", p.PID, p.Comm, err))
			}
			continue
		}
		n++
	}
	return n, result.ErrorOrNil()
}
