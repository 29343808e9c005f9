// Package parttable writes the partition table described by a
// layout.Layout into an image file.
package parttable

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/opi5-alarm/tools/internal/layout"
)

var ErrPartitionWrite = errors.New("writing partition table failed")

// PartitionWriteError carries the output of the partitioning tool.
type PartitionWriteError struct {
	Path   string
	Output string
	Err    error
}

func (e *PartitionWriteError) Error() string {
	msg := fmt.Sprintf("writing partition table to %s: %v", e.Path, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *PartitionWriteError) Unwrap() []error { return []error{ErrPartitionWrite, e.Err} }

// Writer writes a partition table into the (already sized) file at path.
type Writer interface {
	WriteTable(ctx context.Context, path string, l *layout.Layout) error
}

// Sfdisk feeds the layout's script into sfdisk(8).
type Sfdisk struct {
	// Path of the sfdisk binary, defaults to "sfdisk" from $PATH.
	Path string
}

func (s Sfdisk) WriteTable(ctx context.Context, path string, l *layout.Layout) error {
	bin := s.Path
	if bin == "" {
		bin = "sfdisk"
	}
	cmd := exec.CommandContext(ctx, bin, path)
	cmd.Stdin = strings.NewReader(l.Script())
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &PartitionWriteError{
			Path:   path,
			Output: string(out),
			Err:    fmt.Errorf("%v: %w", cmd.Args, err),
		}
	}
	return nil
}

// ForTool returns the Writer for a configured tool name.
func ForTool(name string) (Writer, error) {
	switch name {
	case "", "sfdisk":
		return Sfdisk{}, nil
	case "native":
		return &Native{}, nil
	}
	return nil, fmt.Errorf("unknown partition table tool %q (want sfdisk or native)", name)
}
