package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/siderolabs/go-cmd/pkg/cmd"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// syncFD is the descriptor on which the child waits until the parent has
// written its ID maps (first entry of exec.Cmd.ExtraFiles).
const syncFD = 3

const syncEnv = "OPI5IMG_SANDBOX_SYNC"

// ChildArgs is everything the child needs to know. It is passed on the
// command line only.
type ChildArgs struct {
	BuildID   string
	RootUUID  string
	BootUUID  string
	Bootstrap []string
	Install   []string
	Kernels   []string
}

// Args renders the arguments understood by the child builder.
func (a ChildArgs) Args() []string {
	args := []string{
		"--build-id", a.BuildID,
		"--uuid-root", a.RootUUID,
		"--uuid-boot", a.BootUUID,
	}
	for _, p := range a.Bootstrap {
		args = append(args, "--install-bootstrap", p)
	}
	for _, p := range a.Install {
		args = append(args, "--install", p)
	}
	for _, p := range a.Kernels {
		args = append(args, "--install-kernel", p)
	}
	return args
}

// Reexec starts the child role by re-executing the running binary
// ("<exe> child <args>") in new user, PID and mount namespaces.
type Reexec struct {
	// Executable defaults to os.Executable().
	Executable string
	// ExtraArgs go between "child" and the ChildArgs, e.g. --builder.
	ExtraArgs []string
	Dir       string
	Stdout    io.Writer
	Stderr    io.Writer
	Log       *zap.Logger
}

func (r *Reexec) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

// Run starts the child, applies m once the child exists and blocks until
// it exits. Cancelling ctx kills the child, which takes its whole PID
// namespace down with it.
func (r *Reexec) Run(ctx context.Context, m Mapping, args ChildArgs) error {
	exe := r.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return err
		}
	}
	argv := append([]string{"child"}, r.ExtraArgs...)
	argv = append(argv, args.Args()...)

	rd, wr, err := os.Pipe()
	if err != nil {
		return err
	}
	defer wr.Close()

	c := exec.CommandContext(ctx, exe, argv...)
	c.Dir = r.Dir
	c.Stdin = os.Stdin
	c.Stdout = r.Stdout
	c.Stderr = r.Stderr
	c.Env = append(os.Environ(), syncEnv+"=1")
	c.ExtraFiles = []*os.File{rd}
	c.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWUSER | unix.CLONE_NEWPID | unix.CLONE_NEWNS,
		Pdeathsig:  syscall.SIGKILL,
	}
	if err := c.Start(); err != nil {
		rd.Close()
		return fmt.Errorf("starting sandboxed child: %w", err)
	}
	rd.Close()
	pid := c.Process.Pid
	r.log().Info("sandboxed child started", zap.Int("pid", pid))

	if err := applyMapping(ctx, pid, m); err != nil {
		c.Process.Kill()
		c.Wait()
		return err
	}
	r.log().Debug("ID mapping applied",
		zap.Int("uid", m.HostUID),
		zap.Int("subuid", m.SubUID.Start),
		zap.Int("gid", m.HostGID),
		zap.Int("subgid", m.SubGID.Start))

	// Release the child.
	if _, err := wr.Write([]byte{1}); err != nil {
		c.Process.Kill()
		c.Wait()
		return fmt.Errorf("releasing sandboxed child: %w", err)
	}
	wr.Close()

	if err := c.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func applyMapping(ctx context.Context, pid int, m Mapping) error {
	if _, err := cmd.RunContext(ctx, "newuidmap", m.UIDMapArgs(pid)...); err != nil {
		return fmt.Errorf("newuidmap: %w", err)
	}
	if _, err := cmd.RunContext(ctx, "newgidmap", m.GIDMapArgs(pid)...); err != nil {
		return fmt.Errorf("newgidmap: %w", err)
	}
	return nil
}

// InSandbox reports whether the process was started by Reexec.
func InSandbox() bool {
	return os.Getenv(syncEnv) != ""
}

// WaitForMapping blocks until the parent has written the ID maps.
func WaitForMapping() error {
	f := os.NewFile(syncFD, "sandbox-sync")
	if f == nil {
		return fmt.Errorf("sandbox sync descriptor %d not open", syncFD)
	}
	defer f.Close()
	var b [1]byte
	if _, err := io.ReadFull(f, b[:]); err != nil {
		return fmt.Errorf("waiting for ID mapping: %w", err)
	}
	return nil
}
