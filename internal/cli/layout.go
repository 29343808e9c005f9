package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/opi5-alarm/tools/internal/layout"
	"github.com/opi5-alarm/tools/internal/projectflag"
	"github.com/spf13/cobra"
)

// layoutCmd is opi5img layout.
var layoutCmd = &cobra.Command{
	GroupID: "inspect",
	Use:     "layout",
	Short:   "Print the partition layout of an image",
	Long: `Print the partition layout of an image as sfdisk script.

Examples:
  # The table of the base image:
  % opi5img layout

  # The table of a model specific image of 4 GiB:
  % opi5img layout --kind full --total_mib 4096
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return layoutImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type layoutImplConfig struct {
	kind     string
	totalMiB uint64
	human    bool
}

var layoutImpl layoutImplConfig

func init() {
	projectflag.RegisterPflags(layoutCmd.Flags())
	layoutCmd.Flags().StringVarP(&layoutImpl.kind, "kind", "", "minimal", "table kind. one of minimal or full")
	layoutCmd.Flags().Uint64VarP(&layoutImpl.totalMiB, "total_mib", "", 0, "image size in MiB (default: configuration)")
	layoutCmd.Flags().BoolVarP(&layoutImpl.human, "human", "H", false, "print offsets and sizes instead of the sfdisk script")
}

func (r *layoutImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	kind, err := layout.ParseKind(r.kind)
	if err != nil {
		return err
	}
	totalMiB := r.totalMiB
	if totalMiB == 0 {
		cfg, err := projectflag.Load()
		if err != nil {
			return err
		}
		totalMiB = cfg.TotalMiB
	}
	l, err := layout.For(kind, totalMiB)
	if err != nil {
		return err
	}
	if !r.human {
		_, err := io.WriteString(stdout, l.Script())
		return err
	}
	fmt.Fprintf(stdout, "%s table, %s\n", l.Kind, humanize.IBytes(uint64(l.TotalBytes())))
	for _, p := range l.Partitions {
		fmt.Fprintf(stdout, "  %-10s at %8s, %8s\n",
			p.Name,
			humanize.IBytes(uint64(p.StartBytes())),
			humanize.IBytes(uint64(p.SizeBytes())))
	}
	return nil
}
