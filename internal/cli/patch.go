package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opi5-alarm/tools/internal/bootfs"
	"github.com/opi5-alarm/tools/internal/coordinator"
	"github.com/opi5-alarm/tools/internal/logging"
	"github.com/opi5-alarm/tools/internal/manifest"
	"github.com/opi5-alarm/tools/internal/parttable"
	"github.com/opi5-alarm/tools/internal/projectflag"
	"github.com/opi5-alarm/tools/internal/variant"
	"github.com/spf13/cobra"
)

// patchCmd is opi5img patch.
var patchCmd = &cobra.Command{
	GroupID:               "build",
	Use:                   "patch [flags] --base <image> --model <model>",
	DisableFlagsInUseLine: true,
	Short:                 "Derive a model specific image from an existing base image",
	Long: `Derive a model specific image from an existing base image.

The verified vendor rkloader of the model is written in front of the boot
partition, the partition table is replaced with one describing the
bootloader regions, and extlinux.conf is rendered for the model.

Examples:
  # Re-create the Orange Pi 5 Plus image of the latest build:
  % opi5img patch --base out/latest/ArchLinuxARM-aarch64-OrangePi5-20240309_123045-base.img \
      --model orangepi_5_plus --extlinux extlinux.conf
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().NArg() > 0 || patchImpl.base == "" || patchImpl.model == "" {
			fmt.Fprint(os.Stderr, `--base and --model are required, positional arguments are not supported

`)
			return cmd.Usage()
		}
		return patchImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type patchImplConfig struct {
	base     string
	model    string
	extlinux string
	out      string
}

var patchImpl patchImplConfig

func init() {
	projectflag.RegisterPflags(patchCmd.Flags())
	patchCmd.Flags().StringVarP(&patchImpl.base, "base", "", "", "base image to derive from")
	patchCmd.Flags().StringVarP(&patchImpl.model, "model", "", "", "model as named in rkloader/list, e.g. orangepi_5b")
	patchCmd.Flags().StringVarP(&patchImpl.extlinux, "extlinux", "", "", "extlinux.conf template (default: the one in the base image)")
	patchCmd.Flags().StringVarP(&patchImpl.out, "out", "o", "", "output path (default: next to the base image)")
}

// vendorRecord returns the vendor rkloader for model.
func vendorRecord(verified *manifest.Verified, model string) (manifest.Record, error) {
	var models []string
	for _, r := range verified.Vendor() {
		if r.Model == model {
			return r, nil
		}
		models = append(models, r.Model)
	}
	return manifest.Record{}, fmt.Errorf("no vendor rkloader for model %q (have %s)", model, strings.Join(models, ", "))
}

func (r *patchImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := projectflag.Load()
	if err != nil {
		return err
	}
	log := logging.New(projectflag.Verbose(), stderr)
	defer log.Sync()

	verified, err := coordinator.Verify(cfg)
	if err != nil {
		return err
	}
	rec, err := vendorRecord(verified, r.model)
	if err != nil {
		return err
	}

	// out/latest/ holds symlinks only.
	base, err := filepath.EvalSymlinks(r.base)
	if err != nil {
		return err
	}

	scratch, err := os.MkdirTemp("", "opi5img-patch-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	bootImage, template, err := variant.ExtractBoot(ctx, base, scratch)
	if err != nil {
		return err
	}
	if r.extlinux != "" {
		b, err := os.ReadFile(r.extlinux)
		if err != nil {
			return err
		}
		template = string(b)
	}

	out := r.out
	if out == "" {
		out = filepath.Join(filepath.Dir(base),
			strings.TrimSuffix(filepath.Base(base), "-base.img")+"-rkloader-"+r.model+".img")
	}
	table, err := parttable.ForTool(cfg.TableTool)
	if err != nil {
		return err
	}
	injector, err := bootfs.ForTool(cfg.FatTool, log)
	if err != nil {
		return err
	}
	p, err := variant.Patch(ctx, variant.Request{
		BaseImage:      base,
		Artifact:       filepath.Join(cfg.Rkloaders(), rec.Filename),
		ArtifactDigest: verified.Digests[rec.Filename],
		Model:          rec.Model,
		Template:       template,
		BootImage:      bootImage,
		Kernels:        cfg.Packages.Kernel,
		Out:            out,
		ScratchDir:     scratch,
		Table:          table,
		Injector:       injector,
		Log:            log,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, p)
	return nil
}
