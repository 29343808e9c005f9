package parttable_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/opi5-alarm/tools/internal/layout"
	"github.com/opi5-alarm/tools/internal/parttable"
)

type span struct {
	Name       string
	Start, End uint64
	Type       string
}

func sparseImage(t *testing.T, l *layout.Layout) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(l.TotalBytes()); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func readBack(t *testing.T, path string) []span {
	t.Helper()
	d, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	pt, err := d.GetPartitionTable()
	if err != nil {
		t.Fatal(err)
	}
	table, ok := pt.(*gpt.Table)
	if !ok {
		t.Fatalf("partition table is %T, want *gpt.Table", pt)
	}
	var got []span
	for _, p := range table.Partitions {
		if p.Start == 0 && p.End == 0 {
			continue
		}
		got = append(got, span{
			Name:  p.Name,
			Start: p.Start,
			End:   p.End,
			Type:  strings.ToUpper(string(p.Type)),
		})
	}
	return got
}

func want(l *layout.Layout) []span {
	var spans []span
	for _, p := range l.Partitions {
		spans = append(spans, span{
			Name:  p.Name,
			Start: p.StartSector,
			End:   p.EndSector() - 1,
			Type:  p.TypeGUID,
		})
	}
	return spans
}

func TestNative(t *testing.T) {
	for _, kind := range []layout.Kind{layout.Minimal, layout.Full} {
		t.Run(kind.String(), func(t *testing.T) {
			l, err := layout.For(kind, 300)
			if err != nil {
				t.Fatal(err)
			}
			path := sparseImage(t, l)
			n := &parttable.Native{DiskGUID: uuid.MustParse("1c6c1a4b-6a3e-4e8c-9b5e-2d6a4f1c3b7e")}
			if err := n.WriteTable(context.Background(), path, l); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(want(l), readBack(t, path)); diff != "" {
				t.Errorf("partition table: unexpected diff (-want +got):\n%s", diff)
			}
			st, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if got, want := st.Size(), l.TotalBytes(); got != want {
				t.Errorf("image size changed: got %d, want %d", got, want)
			}
		})
	}
}

func TestNativeDeterministic(t *testing.T) {
	l, err := layout.For(layout.Full, 300)
	if err != nil {
		t.Fatal(err)
	}
	disk := uuid.MustParse("5d0e5f43-62ae-4b1b-8c3f-7ac2d2b9b1e0")
	var images [2][]byte
	for i := range images {
		path := sparseImage(t, l)
		if err := (&parttable.Native{DiskGUID: disk}).WriteTable(context.Background(), path, l); err != nil {
			t.Fatal(err)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		images[i] = b
	}
	if !bytes.Equal(images[0], images[1]) {
		t.Errorf("two tables written with the same disk GUID differ")
	}
	if got, want := images[0][510:512], []byte{0x55, 0xAA}; !bytes.Equal(got, want) {
		t.Errorf("MBR signature: got %x, want %x", got, want)
	}
	if got, want := string(images[0][512:520]), "EFI PART"; got != want {
		t.Errorf("primary GPT signature: got %q, want %q", got, want)
	}
	backup := len(images[0]) - layout.SectorSize
	if got, want := string(images[0][backup:backup+8]), "EFI PART"; got != want {
		t.Errorf("backup GPT signature: got %q, want %q", got, want)
	}
}

func TestNativeTooSmall(t *testing.T) {
	l, err := layout.For(layout.Minimal, 300)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "short.img")
	if err := os.WriteFile(path, make([]byte, layout.MiB), 0644); err != nil {
		t.Fatal(err)
	}
	err = (&parttable.Native{}).WriteTable(context.Background(), path, l)
	if !errors.Is(err, parttable.ErrPartitionWrite) {
		t.Errorf("WriteTable: got %v, want ErrPartitionWrite", err)
	}
}

func TestSfdisk(t *testing.T) {
	if _, err := exec.LookPath("sfdisk"); err != nil {
		t.Skipf("sfdisk not found in $PATH: %v", err)
	}
	for _, kind := range []layout.Kind{layout.Minimal, layout.Full} {
		t.Run(kind.String(), func(t *testing.T) {
			l, err := layout.For(kind, 300)
			if err != nil {
				t.Fatal(err)
			}
			path := sparseImage(t, l)
			if err := (parttable.Sfdisk{}).WriteTable(context.Background(), path, l); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(want(l), readBack(t, path)); diff != "" {
				t.Errorf("partition table: unexpected diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSfdiskFailure(t *testing.T) {
	l, err := layout.For(layout.Minimal, 300)
	if err != nil {
		t.Fatal(err)
	}
	path := sparseImage(t, l)
	err = (parttable.Sfdisk{Path: "false"}).WriteTable(context.Background(), path, l)
	if !errors.Is(err, parttable.ErrPartitionWrite) {
		t.Fatalf("WriteTable: got %v, want ErrPartitionWrite", err)
	}
	var pwe *parttable.PartitionWriteError
	if !errors.As(err, &pwe) || pwe.Path != path {
		t.Errorf("WriteTable: error %v does not carry the image path", err)
	}
}

func TestForTool(t *testing.T) {
	for _, name := range []string{"", "sfdisk", "native"} {
		if _, err := parttable.ForTool(name); err != nil {
			t.Errorf("ForTool(%q): %v", name, err)
		}
	}
	if _, err := parttable.ForTool("gdisk"); err == nil {
		t.Errorf("ForTool(gdisk): expected an error")
	}
}
