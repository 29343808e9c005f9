package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Child is the role running as PID 1 of the sandbox.
type Child struct {
	// Builder is the program doing the actual package installation and
	// file system image creation. It receives the ChildArgs.
	Builder string
	Dir     string
	Stdout  io.Writer
	Stderr  io.Writer
	Log     *zap.Logger
}

func (c *Child) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

// Run waits for the ID mapping, prepares the mount namespace, runs the
// builder and finally kills whatever the builder left running.
func (c *Child) Run(ctx context.Context, args []string) error {
	if err := WaitForMapping(); err != nil {
		return err
	}
	if uid, gid := os.Getuid(), os.Getgid(); uid != 0 || gid != 0 {
		return fmt.Errorf("%w: expected to be root inside the namespace, got uid %d gid %d", ErrPrivilege, uid, gid)
	}
	if err := prepareMounts(); err != nil {
		return err
	}
	defer func() {
		n, err := KillAll(unix.SIGKILL)
		if err != nil {
			c.log().Warn("killing leftover processes", zap.Error(err))
			return
		}
		if n > 0 {
			c.log().Info("killed leftover processes", zap.Int("count", n))
		}
	}()

	b := exec.CommandContext(ctx, c.Builder, args...)
	b.Dir = c.Dir
	b.Stdin = os.Stdin
	b.Stdout = c.Stdout
	b.Stderr = c.Stderr
	b.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	c.log().Info("running child builder", zap.String("builder", c.Builder))
	if err := b.Run(); err != nil {
		return fmt.Errorf("%s: %w", c.Builder, err)
	}
	return nil
}

// prepareMounts keeps our mounts from propagating back to the host and
// gives the new PID namespace its own /proc.
func prepareMounts() error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making mounts private: %w", err)
	}
	if err := unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return fmt.Errorf("mounting /proc: %w", err)
	}
	return nil
}
