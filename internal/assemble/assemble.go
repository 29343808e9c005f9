// Package assemble builds disk images: a sparse file of fixed size holding
// a partition table and binary payloads at fixed offsets, published with a
// single rename once everything is on disk.
package assemble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"
	"github.com/opi5-alarm/tools/internal/layout"
	"github.com/opi5-alarm/tools/internal/parttable"
	"golang.org/x/sys/unix"
)

var (
	ErrAssembly        = errors.New("image assembly failed")
	ErrPayloadTooLarge = fmt.Errorf("%w: payload exceeds its region", ErrAssembly)
)

// Payload is a blob to be written at Offset. At most Limit bytes are
// accepted; a zero Limit means "up to the end of the image".
type Payload struct {
	Name   string
	Offset int64
	Limit  int64
	Open   func() (io.ReadCloser, error)
}

func FilePayload(name, path string, offset, limit int64) Payload {
	return Payload{
		Name:   name,
		Offset: offset,
		Limit:  limit,
		Open:   func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

func BytesPayload(name string, b []byte, offset, limit int64) Payload {
	return Payload{
		Name:   name,
		Offset: offset,
		Limit:  limit,
		Open:   func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(b)), nil },
	}
}

// PartitionPayload places the file at path into the named partition of l.
func PartitionPayload(l *layout.Layout, partition, path string) (Payload, error) {
	p, ok := l.Partition(partition)
	if !ok {
		return Payload{}, fmt.Errorf("%w: layout %v has no partition %q", ErrAssembly, l.Kind, partition)
	}
	return FilePayload(partition, path, p.StartBytes(), p.SizeBytes()), nil
}

// Assemble creates the image at path. The final path is only ever created
// by renaming a fully written and synced temporary file; on error it is
// left untouched.
func Assemble(ctx context.Context, path string, totalBytes int64, l *layout.Layout, tw parttable.Writer, payloads []Payload) error {
	if totalBytes != l.TotalBytes() {
		return fmt.Errorf("%w: image size %d does not match layout size %d", ErrAssembly, totalBytes, l.TotalBytes())
	}
	if err := l.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrAssembly, err)
	}

	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0644))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAssembly, err)
	}
	defer pf.Cleanup()

	if err := pf.Truncate(totalBytes); err != nil {
		return fmt.Errorf("%w: truncate %s: %w", ErrAssembly, pf.Name(), err)
	}
	if err := tw.WriteTable(ctx, pf.Name(), l); err != nil {
		return fmt.Errorf("%w: %w", ErrAssembly, err)
	}
	for _, p := range payloads {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrAssembly, err)
		}
		if err := WritePayload(pf.File, totalBytes, p); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrAssembly, err)
	}
	// CloseAtomicallyReplace fsyncs the temporary file before renaming.
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%w: publishing %s: %w", ErrAssembly, path, err)
	}
	unix.Sync()
	return nil
}

// WritePayload copies p into f at p.Offset without extending f beyond
// size.
func WritePayload(f io.WriterAt, size int64, p Payload) error {
	limit := p.Limit
	if limit == 0 {
		limit = size - p.Offset
	}
	if p.Offset < 0 || limit < 0 || p.Offset+limit > size {
		return fmt.Errorf("%w: payload %s: region %d+%d is outside of the %d byte image",
			ErrPayloadTooLarge, p.Name, p.Offset, limit, size)
	}
	rc, err := p.Open()
	if err != nil {
		return fmt.Errorf("%w: payload %s: %w", ErrAssembly, p.Name, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.NewOffsetWriter(f, p.Offset), io.LimitReader(rc, limit)); err != nil {
		return fmt.Errorf("%w: payload %s: %w", ErrAssembly, p.Name, err)
	}
	// The region is full, anything left over does not fit.
	var extra [1]byte
	if n, _ := io.ReadFull(rc, extra[:]); n > 0 {
		return fmt.Errorf("%w: payload %s is larger than its %s region",
			ErrPayloadTooLarge, p.Name, humanize.IBytes(uint64(limit)))
	}
	return rc.Close()
}
