// Package bootfstest creates FAT32 boot images for tests, laid out like
// the ones the child builder produces.
package bootfstest

import (
	"io"
	"os"
	"path"
	"sort"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/backend/file"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
)

// Size is large enough for go-diskfs to format FAT32 and small enough
// to fit the boot partition.
const Size = 64 << 20

// Create writes a FAT32 image of Size bytes to image, holding files
// (absolute path → content).
func Create(image string, files map[string]string) error {
	f, err := os.Create(image)
	if err != nil {
		return err
	}
	if err := f.Truncate(Size); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	bk, err := file.OpenFromPath(image, false)
	if err != nil {
		return err
	}
	defer bk.Close()
	d, err := diskfs.OpenBackend(bk, diskfs.WithOpenMode(diskfs.ReadWrite))
	if err != nil {
		return err
	}
	defer d.Close()
	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: "ALARMBOOT",
	})
	if err != nil {
		return err
	}
	defer fs.Close()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if dir := path.Dir(name); dir != "/" {
			if err := fs.Mkdir(dir); err != nil {
				return err
			}
		}
		w, err := fs.OpenFile(name, os.O_CREATE|os.O_RDWR)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}

// ReadFile returns the exact content of name in image, padding included.
func ReadFile(image, name string) ([]byte, error) {
	bk, err := file.OpenFromPath(image, true)
	if err != nil {
		return nil, err
	}
	defer bk.Close()
	d, err := diskfs.OpenBackend(bk, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, err
	}
	defer d.Close()
	fs, err := d.GetFilesystem(0)
	if err != nil {
		return nil, err
	}
	defer fs.Close()
	f, err := fs.OpenFile(name, os.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
