package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/opi5-alarm/tools/internal/coordinator"
	"github.com/opi5-alarm/tools/internal/logging"
	"github.com/opi5-alarm/tools/internal/projectflag"
	"github.com/opi5-alarm/tools/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// buildCmd is opi5img build.
var buildCmd = &cobra.Command{
	GroupID: "build",
	Use:     "build",
	Short:   "Build the base image and one image per Orange Pi 5 model",
	Long: `Build the base image and one image per Orange Pi 5 model.

The root file system is installed by the child builder inside a user
namespace, using the subordinate ID range of the invoking user from
/etc/subuid and /etc/subgid. Run opi5img build as a regular user.

Outputs land in out/ of the project directory, out/latest/ links to the
most recent build.

Examples:
  # Build with the configuration in the current directory:
  % opi5img build

  # Build another project and gzip the results:
  % opi5img -C ~/opi5 build --compress
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().NArg() > 0 {
			fmt.Fprint(os.Stderr, `positional arguments are not supported

`)
			return cmd.Usage()
		}
		return buildImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type buildImplConfig struct {
	tag         string
	compress    bool
	parallelism int
	totalMiB    uint64
}

var buildImpl buildImplConfig

func init() {
	projectflag.RegisterPflags(buildCmd.Flags())
	buildCmd.Flags().StringVarP(&buildImpl.tag, "tag", "", "", "image name prefix (overrides the configuration)")
	buildCmd.Flags().BoolVarP(&buildImpl.compress, "compress", "", false, "gzip every output after the build")
	buildCmd.Flags().IntVarP(&buildImpl.parallelism, "parallelism", "j", 0, "number of variant images patched concurrently (default: configuration, then number of CPUs)")
	buildCmd.Flags().Uint64VarP(&buildImpl.totalMiB, "total_mib", "", 0, "image size in MiB (overrides the configuration)")
}

func (r *buildImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := projectflag.Load()
	if err != nil {
		return err
	}
	if r.tag != "" {
		cfg.Tag = r.tag
	}
	if r.compress {
		cfg.Compress = true
	}
	if r.parallelism > 0 {
		cfg.Parallelism = r.parallelism
	}
	if r.totalMiB > 0 {
		cfg.TotalMiB = r.totalMiB
	}

	log := logging.New(projectflag.Verbose(), stderr)
	defer log.Sync()
	log.Debug("opi5img", zap.String("version", version.ReadBrief()))

	c, err := coordinator.New(cfg, log)
	if err != nil {
		return err
	}
	c.Progress = stderr
	res, err := c.Run(ctx)
	if err != nil {
		return err
	}
	for _, p := range res.Published {
		fmt.Fprintln(stdout, p)
	}
	return nil
}
