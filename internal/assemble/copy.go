package assemble

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Copy fills dst with the contents of src. Like cp --reflink=auto it
// clones the extents when the file system supports it and streams the
// bytes otherwise.
func Copy(ctx context.Context, dst *os.File, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := dst.Truncate(0); err != nil {
		return err
	}
	if err := unix.IoctlFileClone(int(dst.Fd()), int(in.Fd())); err == nil {
		return nil
	}

	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.Copy(dst, &ctxReader{ctx: ctx, r: in}); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst.Name(), err)
	}
	return nil
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

// CopyReader streams r to dst, stopping early once ctx is done.
func CopyReader(ctx context.Context, dst io.Writer, r io.Reader) error {
	_, err := io.Copy(dst, &ctxReader{ctx: ctx, r: r})
	return err
}
