package variant

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opi5-alarm/tools/internal/assemble"
	"github.com/opi5-alarm/tools/internal/bootfs"
	"github.com/opi5-alarm/tools/internal/layout"
)

// ExtractBoot copies the boot partition of an assembled base image to
// dir/boot.img and returns its path together with the extlinux.conf it
// contains. This recovers the inputs of Patch once the build cache is
// gone.
func ExtractBoot(ctx context.Context, base, dir string) (bootImage, extlinux string, _ error) {
	f, err := os.Open(base)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", "", err
	}
	if st.Size()%layout.MiB != 0 {
		return "", "", fmt.Errorf("%s: size %d is not a multiple of 1 MiB", base, st.Size())
	}
	minimal, err := layout.For(layout.Minimal, uint64(st.Size()/layout.MiB))
	if err != nil {
		return "", "", err
	}
	boot := minimal.Boot()
	section := io.NewSectionReader(f, boot.StartBytes(), boot.SizeBytes())

	bootImage = filepath.Join(dir, "boot.img")
	out, err := os.Create(bootImage)
	if err != nil {
		return "", "", err
	}
	defer out.Close()
	if err := assemble.CopyReader(ctx, out, section); err != nil {
		return "", "", err
	}
	if err := out.Close(); err != nil {
		return "", "", err
	}
	conf, err := bootfs.ReadFile(bootImage, bootfs.ExtlinuxPath)
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", base, err)
	}
	return bootImage, string(conf), nil
}
