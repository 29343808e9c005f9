// Package bootfs replaces single files inside the FAT boot partition image
// without mounting it.
package bootfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/backend/file"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/siderolabs/go-cmd/pkg/cmd"
	"go.uber.org/zap"
)

// ExtlinuxPath is where u-boot looks for its boot menu.
const ExtlinuxPath = "/extlinux/extlinux.conf"

// Injector writes content to the file at path inside the FAT file system
// image.
type Injector interface {
	Inject(ctx context.Context, image, path string, content []byte) error
}

// ForTool returns the Injector for a configured tool name.
func ForTool(name string, log *zap.Logger) (Injector, error) {
	switch name {
	case "", "builtin":
		return &InPlace{Log: log}, nil
	case "mcopy":
		return Mtools{}, nil
	}
	return nil, fmt.Errorf("unknown FAT tool %q (want builtin or mcopy)", name)
}

// InPlace rewrites the file through go-diskfs' FAT32 implementation,
// without mounting the image. The new content is padded with newlines to
// the old length, so the file keeps its cluster chain and directory entry
// size unless the content grows.
type InPlace struct {
	Log *zap.Logger
}

func (ip *InPlace) log() *zap.Logger {
	if ip.Log == nil {
		return zap.NewNop()
	}
	return ip.Log
}

func (ip *InPlace) Inject(ctx context.Context, image, name string, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs, closer, err := openFilesystem(image, false)
	if err != nil {
		return err
	}
	defer closer()

	existing, err := readAll(fs, name)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading %s in %s: %w", name, image, err)
	}
	if len(content) > len(existing) {
		ip.log().Debug("content exceeds existing file, extending",
			zap.String("path", name),
			zap.Int("content", len(content)),
			zap.Int("existing", len(existing)))
	}
	if existing == nil {
		if err := fs.Mkdir(path.Dir(name)); err != nil {
			return fmt.Errorf("creating %s in %s: %w", path.Dir(name), image, err)
		}
	}

	w, err := fs.OpenFile(name, os.O_CREATE|os.O_RDWR)
	if err != nil {
		return fmt.Errorf("opening %s in %s: %w", name, image, err)
	}
	if _, err := w.Write(pad(content, len(existing))); err != nil {
		w.Close()
		return fmt.Errorf("writing %s in %s: %w", name, image, err)
	}
	return w.Close()
}

// ReadFile returns the content of the file at name in the FAT32 image,
// with the newline padding left by InPlace reduced to a single newline.
func ReadFile(image, name string) ([]byte, error) {
	fs, closer, err := openFilesystem(image, true)
	if err != nil {
		return nil, err
	}
	defer closer()
	b, err := readAll(fs, name)
	if err != nil {
		return nil, fmt.Errorf("reading %s in %s: %w", name, image, err)
	}
	if trimmed := bytes.TrimRight(b, "\n"); len(trimmed) < len(b) {
		b = append(trimmed, '\n')
	}
	return b, nil
}

// openFilesystem opens the FAT32 file system spanning the whole image.
func openFilesystem(image string, readOnly bool) (filesystem.FileSystem, func(), error) {
	bk, err := file.OpenFromPath(image, readOnly)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", image, err)
	}
	mode := diskfs.ReadWrite
	if readOnly {
		mode = diskfs.ReadOnly
	}
	d, err := diskfs.OpenBackend(bk, diskfs.WithOpenMode(mode))
	if err != nil {
		bk.Close()
		return nil, nil, fmt.Errorf("opening %s: %w", image, err)
	}
	fs, err := d.GetFilesystem(0)
	if err != nil {
		d.Close()
		bk.Close()
		return nil, nil, fmt.Errorf("%s: no FAT32 file system (use fat_tool: mcopy for FAT12/16): %w", image, err)
	}
	return fs, func() {
		fs.Close()
		d.Close()
		bk.Close()
	}, nil
}

// readAll returns nil and an error wrapping os.ErrNotExist when name does
// not exist.
func readAll(fs filesystem.FileSystem, name string) ([]byte, error) {
	f, err := fs.OpenFile(name, os.O_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", os.ErrNotExist, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func pad(content []byte, n int) []byte {
	if len(content) >= n {
		return content
	}
	return append(append([]byte(nil), content...), bytes.Repeat([]byte{'\n'}, n-len(content))...)
}

// Mtools copies the content in with mcopy(1).
type Mtools struct{}

func (Mtools) Inject(ctx context.Context, image, name string, content []byte) error {
	tmp, err := os.CreateTemp("", "bootfs-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if _, err := cmd.RunContext(ctx, "mcopy", "-oi", image, tmp.Name(), "::"+name); err != nil {
		return fmt.Errorf("mcopy %s into %s: %w", name, image, err)
	}
	return nil
}
