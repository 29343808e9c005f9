package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/opi5-alarm/tools/internal/coordinator"
	"github.com/opi5-alarm/tools/internal/projectflag"
	"github.com/spf13/cobra"
)

// verifyCmd is opi5img verify.
var verifyCmd = &cobra.Command{
	GroupID: "inspect",
	Use:     "verify",
	Short:   "Verify the rkloader images against their checksum manifest",
	Long: `Verify the rkloader images against their checksum manifest.

The list file and every image it names must match rkloader/sha512sums.
opi5img build performs the same verification before it starts.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return verifyImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type verifyImplConfig struct{}

var verifyImpl verifyImplConfig

func init() {
	projectflag.RegisterPflags(verifyCmd.Flags())
}

func (r *verifyImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := projectflag.Load()
	if err != nil {
		return err
	}
	verified, err := coordinator.Verify(cfg)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "CLASS\tMODEL\tFILE\tSHA-512\n")
	for _, rec := range verified.Records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.16s…\n", rec.Class, rec.Model, rec.Filename, verified.Digests[rec.Filename])
	}
	return tw.Flush()
}
