package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/opi5-alarm/tools/internal/logging"
	"github.com/opi5-alarm/tools/internal/projectflag"
	"github.com/opi5-alarm/tools/internal/sandbox"
	"github.com/spf13/cobra"
)

// childCmd is opi5img child, the sandboxed half of opi5img build.
var childCmd = &cobra.Command{
	Use:    "child",
	Short:  "Run the child builder inside the build sandbox (internal)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !sandbox.InSandbox() {
			return fmt.Errorf("opi5img child is started by opi5img build, not directly")
		}
		return childImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type childImplConfig struct {
	builder string
	args    sandbox.ChildArgs
}

var childImpl childImplConfig

func init() {
	projectflag.RegisterPflags(childCmd.Flags())
	fs := childCmd.Flags()
	fs.StringVarP(&childImpl.builder, "builder", "", "", "program installing the root file system")
	fs.StringVarP(&childImpl.args.BuildID, "build-id", "", "", "build ID")
	fs.StringVarP(&childImpl.args.RootUUID, "uuid-root", "", "", "file system UUID of the root partition")
	fs.StringVarP(&childImpl.args.BootUUID, "uuid-boot", "", "", "file system UUID of the boot partition")
	fs.StringArrayVarP(&childImpl.args.Bootstrap, "install-bootstrap", "", nil, "package installed before keys are trusted")
	fs.StringArrayVarP(&childImpl.args.Install, "install", "", nil, "package to install")
	fs.StringArrayVarP(&childImpl.args.Kernels, "install-kernel", "", nil, "kernel package to install")
}

func (r *childImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if r.builder == "" || r.args.BuildID == "" {
		return fmt.Errorf("--builder and --build-id are required")
	}
	// The parent starts us in the project directory.
	log := logging.New(projectflag.Verbose(), stderr).Named("child")
	defer log.Sync()
	c := &sandbox.Child{
		Builder: r.builder,
		Stdout:  stdout,
		Stderr:  stderr,
		Log:     log,
	}
	return c.Run(ctx, r.args.Args())
}
