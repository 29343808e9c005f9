package cli

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opi5-alarm/tools/internal/layout"
	"github.com/opi5-alarm/tools/internal/manifest"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := RootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestLayout(t *testing.T) {
	for _, tt := range []struct {
		kind     string
		totalMiB uint64
	}{
		{"minimal", 2048},
		{"full", 4096},
	} {
		t.Run(tt.kind, func(t *testing.T) {
			out, err := execute(t, "layout", "--kind", tt.kind, "--total_mib", strconv.FormatUint(tt.totalMiB, 10), "--human=false")
			if err != nil {
				t.Fatal(err)
			}
			kind, err := layout.ParseKind(tt.kind)
			if err != nil {
				t.Fatal(err)
			}
			l, err := layout.For(kind, tt.totalMiB)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(l.Script(), out); diff != "" {
				t.Errorf("layout: unexpected diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLayoutHuman(t *testing.T) {
	out, err := execute(t, "layout", "--kind", "full", "--total_mib", "2048", "--human")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"full table, 2.0 GiB", layout.NameUBoot, layout.NameRoot} {
		if !strings.Contains(out, want) {
			t.Errorf("layout --human output does not contain %q:\n%s", want, out)
		}
	}
}

func TestLayoutTooSmall(t *testing.T) {
	_, err := execute(t, "layout", "--kind", "minimal", "--total_mib", "200", "--human=false")
	if !errors.Is(err, layout.ErrLayoutOverflow) {
		t.Errorf("layout: got %v, want ErrLayoutOverflow", err)
	}
}

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatal(err)
	}
}

func writeRkloaders(t *testing.T, dir string) {
	t.Helper()
	rk := filepath.Join(dir, "rkloader")
	if err := os.MkdirAll(rk, 0755); err != nil {
		t.Fatal(err)
	}
	sum := func(b []byte) string {
		h := sha512.Sum512(b)
		return hex.EncodeToString(h[:])
	}
	list := []byte("vendor:orangepi_5b:rk-5b.img.gz\nmainline:orangepi_5:rk-5.img.gz\n")
	artifacts := map[string][]byte{
		"rk-5b.img.gz": []byte("vendor"),
		"rk-5.img.gz":  []byte("mainline"),
	}
	sums := sum(list) + "  list\n"
	for _, name := range []string{"rk-5b.img.gz", "rk-5.img.gz"} {
		writeFile(t, filepath.Join(rk, name), artifacts[name])
		sums += sum(artifacts[name]) + "  " + name + "\n"
	}
	writeFile(t, filepath.Join(rk, "list"), list)
	writeFile(t, filepath.Join(rk, "sha512sums"), []byte(sums))
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	writeRkloaders(t, dir)
	out, err := execute(t, "verify", "-C", dir)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("verify printed %d lines, want 3:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[1], "orangepi_5b") {
		t.Errorf("line 2 %q does not name orangepi_5b", lines[1])
	}
	if !strings.Contains(lines[2], "mainline") {
		t.Errorf("line 3 %q does not name the mainline class", lines[2])
	}
}

func TestVerifyTampered(t *testing.T) {
	dir := t.TempDir()
	writeRkloaders(t, dir)
	writeFile(t, filepath.Join(dir, "rkloader", "rk-5.img.gz"), []byte("evil"))
	_, err := execute(t, "verify", "-C", dir)
	if !errors.Is(err, manifest.ErrVerification) {
		t.Errorf("verify: got %v, want ErrVerification", err)
	}
}

func TestVendorRecord(t *testing.T) {
	verified := &manifest.Verified{Records: []manifest.Record{
		{Class: manifest.ClassVendor, Model: "orangepi_5", Filename: "a"},
		{Class: manifest.ClassMainline, Model: "orangepi_5b", Filename: "b"},
	}}
	rec, err := vendorRecord(verified, "orangepi_5")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := rec.Filename, "a"; got != want {
		t.Errorf("vendorRecord(orangepi_5).Filename = %q, want %q", got, want)
	}
	if _, err := vendorRecord(verified, "orangepi_5b"); err == nil || !strings.Contains(err.Error(), "have orangepi_5") {
		t.Errorf("vendorRecord(orangepi_5b): got %v, want an error listing orangepi_5", err)
	}
}

func TestChildOutsideSandbox(t *testing.T) {
	t.Setenv("OPI5IMG_SANDBOX_SYNC", "")
	_, err := execute(t, "child", "--builder", "/bin/true", "--build-id", "x")
	if err == nil || !strings.Contains(err.Error(), "started by opi5img build") {
		t.Errorf("child: got %v, want a refusal outside the sandbox", err)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) == "" {
		t.Errorf("version printed nothing")
	}
}
