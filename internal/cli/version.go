package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/opi5-alarm/tools/internal/version"
	"github.com/spf13/cobra"
)

// versionCmd is opi5img version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print opi5img version",
	Long:  `Print opi5img version`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return versionImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type versionImplConfig struct{}

var versionImpl versionImplConfig

func (r *versionImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fmt.Fprintf(stdout, "%s\n", version.Read())
	return nil
}
