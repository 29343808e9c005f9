package manifest_test

import (
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opi5-alarm/tools/internal/manifest"
	"golang.org/x/mod/sumdb/note"
)

func sum(b []byte) string {
	h := sha512.Sum512(b)
	return hex.EncodeToString(h[:])
}

type fixture struct {
	dir       string
	manifest  string
	list      string
	artifacts map[string][]byte
}

// newFixture writes a consistent artifact set and returns its paths.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:      dir,
		manifest: filepath.Join(dir, "sha512sums"),
		list:     filepath.Join(dir, "list"),
		artifacts: map[string][]byte{
			"rkloader-3588-orangepi-5-vendor.img.gz":      []byte("vendor 5"),
			"rkloader-3588-orangepi-5b-vendor.img.gz":     []byte("vendor 5b"),
			"rkloader-3588-orangepi-5-mainline.img.gz":    []byte("mainline 5"),
			"rkloader-3588-orangepi-5-sata-vendor.img.gz": []byte("vendor 5 sata"),
		},
	}
	list := strings.Join([]string{
		"vendor:orangepi_5:rkloader-3588-orangepi-5-vendor.img.gz",
		"vendor:orangepi_5b:rkloader-3588-orangepi-5b-vendor.img.gz",
		"vendor:orangepi_5_sata:rkloader-3588-orangepi-5-sata-vendor.img.gz",
		"mainline:orangepi_5:rkloader-3588-orangepi-5-mainline.img.gz",
	}, "\n") + "\n"
	f.write(t, "list", []byte(list))
	for name, content := range f.artifacts {
		f.write(t, name, content)
	}
	f.writeManifest(t, nil)
	return f
}

func (f *fixture) write(t *testing.T, name string, content []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.dir, name), content, 0644); err != nil {
		t.Fatal(err)
	}
}

// manifestText renders the manifest for the files currently on disk,
// with mutate applied to the digest of the given file names.
func (f *fixture) manifestText(t *testing.T, mutate map[string]func(string) string) string {
	t.Helper()
	names := []string{
		"list",
		"rkloader-3588-orangepi-5-vendor.img.gz",
		"rkloader-3588-orangepi-5b-vendor.img.gz",
		"rkloader-3588-orangepi-5-sata-vendor.img.gz",
		"rkloader-3588-orangepi-5-mainline.img.gz",
	}
	var b strings.Builder
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			t.Fatal(err)
		}
		digest := sum(content)
		if m, ok := mutate[name]; ok {
			digest = m(digest)
		}
		fmt.Fprintf(&b, "%s  %s\n", digest, name)
	}
	return b.String()
}

func (f *fixture) writeManifest(t *testing.T, mutate map[string]func(string) string) {
	t.Helper()
	f.write(t, "sha512sums", []byte(f.manifestText(t, mutate)))
}

func (f *fixture) verify(opts ...manifest.Option) (*manifest.Verified, error) {
	return manifest.Verify(f.manifest, f.list, f.dir, opts...)
}

// flipDigit changes the first hex digit, keeping the digest well-formed.
func flipDigit(digest string) string {
	if digest[0] == '0' {
		return "1" + digest[1:]
	}
	return "0" + digest[1:]
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	v, err := f.verify()
	if err != nil {
		t.Fatal(err)
	}
	wantRecords := []manifest.Record{
		{Class: "vendor", Model: "orangepi_5", Filename: "rkloader-3588-orangepi-5-vendor.img.gz"},
		{Class: "vendor", Model: "orangepi_5b", Filename: "rkloader-3588-orangepi-5b-vendor.img.gz"},
		{Class: "vendor", Model: "orangepi_5_sata", Filename: "rkloader-3588-orangepi-5-sata-vendor.img.gz"},
		{Class: "mainline", Model: "orangepi_5", Filename: "rkloader-3588-orangepi-5-mainline.img.gz"},
	}
	if diff := cmp.Diff(wantRecords, v.Records); diff != "" {
		t.Errorf("Records: unexpected diff (-want +got):\n%s", diff)
	}
	wantFiles := []string{
		"list",
		"rkloader-3588-orangepi-5-mainline.img.gz",
		"rkloader-3588-orangepi-5-sata-vendor.img.gz",
		"rkloader-3588-orangepi-5-vendor.img.gz",
		"rkloader-3588-orangepi-5b-vendor.img.gz",
	}
	if diff := cmp.Diff(wantFiles, v.Files()); diff != "" {
		t.Errorf("Files: unexpected diff (-want +got):\n%s", diff)
	}
	if got, want := len(v.Vendor()), 3; got != want {
		t.Errorf("len(Vendor()) = %d, want %d", got, want)
	}
	if got, want := v.Digests["rkloader-3588-orangepi-5b-vendor.img.gz"], sum(f.artifacts["rkloader-3588-orangepi-5b-vendor.img.gz"]); got != want {
		t.Errorf("digest of 5b artifact: got %s, want %s", got, want)
	}
}

func mismatchFile(t *testing.T, err error) string {
	t.Helper()
	if !errors.Is(err, manifest.ErrVerification) {
		t.Fatalf("got error %v, want ErrVerification", err)
	}
	var cme *manifest.ChecksumMismatchError
	if !errors.As(err, &cme) {
		t.Fatalf("got error %v (%T), want *ChecksumMismatchError", err, err)
	}
	return cme.File
}

func TestTamperArtifact(t *testing.T) {
	for name := range newFixture(t).artifacts {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			content := append([]byte(nil), f.artifacts[name]...)
			content[0] ^= 0x01
			f.write(t, name, content)
			_, err := f.verify()
			if got := mismatchFile(t, err); got != name {
				t.Errorf("mismatch names %q, want %q", got, name)
			}
		})
	}
}

func TestTamperDigest(t *testing.T) {
	for _, name := range []string{
		"list",
		"rkloader-3588-orangepi-5-vendor.img.gz",
		"rkloader-3588-orangepi-5-mainline.img.gz",
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.writeManifest(t, map[string]func(string) string{name: flipDigit})
			_, err := f.verify()
			if got := mismatchFile(t, err); got != name {
				t.Errorf("mismatch names %q, want %q", got, name)
			}
		})
	}
}

func TestUnusableDigest(t *testing.T) {
	for _, tt := range []struct {
		name   string
		mutate func(string) string
	}{
		{"non-hex", func(d string) string { return "z" + d[1:] }},
		{"short", func(d string) string { return d[:10] }},
		{"long", func(d string) string { return d + "00" }},
	} {
		for _, name := range []string{"list", "rkloader-3588-orangepi-5-sata-vendor.img.gz"} {
			t.Run(tt.name+"/"+name, func(t *testing.T) {
				f := newFixture(t)
				f.writeManifest(t, map[string]func(string) string{name: tt.mutate})
				_, err := f.verify()
				if errors.Is(err, manifest.ErrManifestMalformed) {
					t.Fatalf("got %v, want a checksum mismatch, not a malformed manifest", err)
				}
				if got := mismatchFile(t, err); got != name {
					t.Errorf("mismatch names %q, want %q", got, name)
				}
			})
		}
	}
}

func TestTamperList(t *testing.T) {
	f := newFixture(t)
	list, err := os.ReadFile(f.list)
	if err != nil {
		t.Fatal(err)
	}
	f.write(t, "list", bytes.Replace(list, []byte("orangepi_5b"), []byte("orangepi_5c"), 1))
	_, err = f.verify()
	if got := mismatchFile(t, err); got != "list" {
		t.Errorf("mismatch names %q, want list", got)
	}
}

func TestMissingArtifact(t *testing.T) {
	f := newFixture(t)
	if err := os.Remove(filepath.Join(f.dir, "rkloader-3588-orangepi-5b-vendor.img.gz")); err != nil {
		t.Fatal(err)
	}
	_, err := f.verify()
	if got, want := mismatchFile(t, err), "rkloader-3588-orangepi-5b-vendor.img.gz"; got != want {
		t.Errorf("mismatch names %q, want %q", got, want)
	}
}

func TestArtifactNotInManifest(t *testing.T) {
	f := newFixture(t)
	text := f.manifestText(t, nil)
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if !strings.HasSuffix(line, "rkloader-3588-orangepi-5-sata-vendor.img.gz") {
			kept = append(kept, line)
		}
	}
	f.write(t, "sha512sums", []byte(strings.Join(kept, "\n")))
	_, err := f.verify()
	if got, want := mismatchFile(t, err), "rkloader-3588-orangepi-5-sata-vendor.img.gz"; got != want {
		t.Errorf("mismatch names %q, want %q", got, want)
	}
}

func TestMalformed(t *testing.T) {
	for _, tt := range []struct {
		name     string
		manifest func(valid string) string
	}{
		{
			name: "list not first",
			manifest: func(valid string) string {
				lines := strings.SplitN(valid, "\n", 2)
				return lines[1] + lines[0] + "\n"
			},
		},
		{
			name:     "empty",
			manifest: func(string) string { return "\n\n" },
		},
		{
			name:     "three fields",
			manifest: func(valid string) string { return valid + "abc def ghi\n" },
		},
		{
			name:     "one field",
			manifest: func(valid string) string { return valid + "abcdef\n" },
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.write(t, "sha512sums", []byte(tt.manifest(f.manifestText(t, nil))))
			_, err := f.verify()
			if !errors.Is(err, manifest.ErrManifestMalformed) {
				t.Errorf("got %v, want ErrManifestMalformed", err)
			}
		})
	}
}

func TestParseList(t *testing.T) {
	for _, tt := range []struct {
		input   string
		want    []manifest.Record
		wantErr bool
	}{
		{
			input: "vendor:orangepi_5:a.img.gz\n\nmainline:orangepi_5_plus:b.img.gz",
			want: []manifest.Record{
				{Class: "vendor", Model: "orangepi_5", Filename: "a.img.gz"},
				{Class: "mainline", Model: "orangepi_5_plus", Filename: "b.img.gz"},
			},
		},
		{input: "vendor:orangepi_5", wantErr: true},
		{input: "edk2:orangepi_5:a.img.gz", wantErr: true},
		{input: "vendor:orangepi_5:../a.img.gz", wantErr: true},
		{input: "vendor::a.img.gz", wantErr: true},
	} {
		got, err := manifest.ParseList([]byte(tt.input))
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseList(%q): err = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseList(%q): unexpected diff (-want +got):\n%s", tt.input, diff)
		}
	}
}

func TestVerifyDigest(t *testing.T) {
	content := []byte("rkloader")
	if err := manifest.VerifyDigest(bytes.NewReader(content), strings.ToUpper(sum(content))); err != nil {
		t.Errorf("VerifyDigest(upper case): %v", err)
	}
	if err := manifest.VerifyDigest(bytes.NewReader(content), flipDigit(sum(content))); err == nil {
		t.Errorf("VerifyDigest(wrong digest): expected an error")
	}
}

func TestSignedManifest(t *testing.T) {
	skey, vkey, err := note.GenerateKey(rand.Reader, "opi5img-test")
	if err != nil {
		t.Fatal(err)
	}
	signer, err := note.NewSigner(skey)
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := note.NewVerifier(vkey)
	if err != nil {
		t.Fatal(err)
	}

	f := newFixture(t)
	signed, err := note.Sign(&note.Note{Text: f.manifestText(t, nil)}, signer)
	if err != nil {
		t.Fatal(err)
	}
	f.write(t, "sha512sums", signed)
	if _, err := f.verify(manifest.WithNoteVerifier(verifier)); err != nil {
		t.Fatalf("Verify(signed): %v", err)
	}

	t.Run("unsigned", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.verify(manifest.WithNoteVerifier(verifier))
		if !errors.Is(err, manifest.ErrManifestSignature) {
			t.Errorf("got %v, want ErrManifestSignature", err)
		}
	})

	t.Run("altered text", func(t *testing.T) {
		f := newFixture(t)
		altered := bytes.Replace(signed, []byte("list"), []byte("lisT"), 1)
		f.write(t, "sha512sums", altered)
		_, err := f.verify(manifest.WithNoteVerifier(verifier))
		if !errors.Is(err, manifest.ErrManifestSignature) {
			t.Errorf("got %v, want ErrManifestSignature", err)
		}
	})
}
