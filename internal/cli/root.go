// Package cli implements the opi5img command line.
package cli

import (
	"fmt"

	"github.com/opi5-alarm/tools/internal/projectflag"
	"github.com/opi5-alarm/tools/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "opi5img",
		Short: "build Arch Linux ARM images for the Orange Pi 5 family",
		Long: `The opi5img tool builds Arch Linux ARM disk images for the RK3588 based
Orange Pi 5 boards without root privileges:

1. Verify the rkloader bootloader images (opi5img verify),
2. Build the root file system in a user namespace and assemble the
   generic base image plus one image per board (opi5img build),
3. Inspect or patch individual images (opi5img layout, opi5img patch).
`,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			versionVal, err := cmd.Flags().GetBool("version")
			if err != nil {
				return fmt.Errorf("BUG: version flag declared as non-bool")
			}
			if versionVal {
				fmt.Fprintln(cmd.OutOrStdout(), version.Read())
				return nil
			}
			return pflag.ErrHelp
		},
	}
	rootCmd.AddGroup(&cobra.Group{
		ID:    "build",
		Title: "Commands to build images:",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "inspect",
		Title: "Commands to check inputs and images:",
	})
	rootCmd.Flags().Bool("version", false, "print opi5img version")
	// Only defined so that it appears in documentation like --help.
	projectflag.RegisterPflags(rootCmd.Flags())
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(layoutCmd)
	rootCmd.AddCommand(childCmd)
	rootCmd.AddCommand(versionCmd)
	return rootCmd
}
