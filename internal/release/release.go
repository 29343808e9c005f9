// Package release publishes the outputs of a build: optional gzip
// compression and the out/latest/ symlink directory.
package release

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const LatestDir = "latest"

type Options struct {
	// Compress replaces every output with a .gz file, like gzip -9.
	Compress    bool
	Parallelism int
	Log         *zap.Logger
}

// Publish finalizes the given files (all in outDir) and points
// outDir/latest/ at them. It returns the published paths.
func Publish(ctx context.Context, outDir string, files []string, opts Options) ([]string, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	published := append([]string(nil), files...)
	if opts.Compress {
		parallelism := opts.Parallelism
		if parallelism < 1 {
			parallelism = 1
		}
		eg, ctx := errgroup.WithContext(ctx)
		eg.SetLimit(parallelism)
		for i, f := range files {
			eg.Go(func() error {
				gz, err := Compress(ctx, f)
				if err != nil {
					return err
				}
				published[i] = gz
				if st, err := os.Stat(gz); err == nil {
					log.Info("compressed", zap.String("path", gz), zap.String("size", humanize.IBytes(uint64(st.Size()))))
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}
	if err := linkLatest(outDir, published); err != nil {
		return nil, err
	}
	return published, nil
}

// Compress writes path.gz at the best compression level and removes path.
func Compress(ctx context.Context, path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dest := path + ".gz"
	pf, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0644))
	if err != nil {
		return "", err
	}
	defer pf.Cleanup()

	zw, err := gzip.NewWriterLevel(pf, gzip.BestCompression)
	if err != nil {
		return "", err
	}
	zw.Name = filepath.Base(path)
	if _, err := io.Copy(zw, &ctxReader{ctx: ctx, r: in}); err != nil {
		return "", fmt.Errorf("compressing %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return "", err
	}
	return dest, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// linkLatest replaces outDir/latest with one relative symlink per file.
// The new directory is populated next to the old one and swapped in, so
// latest is never missing or half populated.
func linkLatest(outDir string, files []string) error {
	for _, f := range files {
		if filepath.Dir(f) != filepath.Clean(outDir) {
			return fmt.Errorf("%s is not in %s", f, outDir)
		}
	}
	tmp, err := os.MkdirTemp(outDir, "."+LatestDir+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	if err := os.Chmod(tmp, 0755); err != nil {
		return err
	}
	for _, f := range files {
		name := filepath.Base(f)
		if err := os.Symlink(filepath.Join("..", name), filepath.Join(tmp, name)); err != nil {
			return err
		}
	}

	latest := filepath.Join(outDir, LatestDir)
	if _, err := os.Lstat(latest); os.IsNotExist(err) {
		return os.Rename(tmp, latest)
	}
	// After the exchange, tmp holds the previous links and is removed by
	// the deferred RemoveAll.
	if err := unix.Renameat2(unix.AT_FDCWD, tmp, unix.AT_FDCWD, latest, unix.RENAME_EXCHANGE); err != nil {
		return &os.LinkError{Op: "renameat2", Old: tmp, New: latest, Err: err}
	}
	return nil
}
