// Package manifest verifies the rkloader artifact set against its
// sha512sums manifest before any artifact is used.
//
// The manifest holds one "<hex sha512> <filename>" line per file. Its first
// line always authenticates the list file, which in turn names every
// artifact as "<class>:<model>:<filename>".
package manifest

import (
	"bufio"
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/sumdb/note"
)

const (
	ClassVendor   = "vendor"
	ClassMainline = "mainline"
)

var (
	ErrVerification      = errors.New("artifact verification failed")
	ErrManifestMalformed = fmt.Errorf("%w: malformed manifest", ErrVerification)
	ErrManifestSignature = fmt.Errorf("%w: manifest signature", ErrVerification)
)

// ChecksumMismatchError names the first file that could not be
// authenticated.
type ChecksumMismatchError struct {
	File   string
	Reason string
}

func (e *ChecksumMismatchError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("checksum mismatch for %s", e.File)
	}
	return fmt.Sprintf("checksum mismatch for %s: %s", e.File, e.Reason)
}

func (e *ChecksumMismatchError) Unwrap() error { return ErrVerification }

// Entry is one manifest line.
type Entry struct {
	Digest   string
	Filename string
}

// Record is one line of the list file.
type Record struct {
	Class    string
	Model    string
	Filename string
}

// Verified is the outcome of a successful Verify.
type Verified struct {
	Records []Record
	// Digests maps every verified filename (including the list itself) to
	// its hex encoded SHA-512.
	Digests map[string]string
}

// Files returns the verified file names in sorted order.
func (v *Verified) Files() []string {
	files := make([]string, 0, len(v.Digests))
	for name := range v.Digests {
		files = append(files, name)
	}
	sort.Strings(files)
	return files
}

// Vendor returns the records which produce variant images.
func (v *Verified) Vendor() []Record {
	var vendor []Record
	for _, r := range v.Records {
		if r.Class == ClassVendor {
			vendor = append(vendor, r)
		}
	}
	return vendor
}

type options struct {
	verifiers note.Verifiers
}

type Option func(*options)

// WithNoteVerifier requires the manifest to be a signed note which
// verifies against v.
func WithNoteVerifier(v note.Verifier) Option {
	return func(o *options) {
		o.verifiers = note.VerifierList(v)
	}
}

// Verify authenticates listPath and every artifact it names (relative to
// artifactDir) against the manifest at manifestPath. It fails closed: the
// first missing, unreadable or mismatching file aborts verification.
func Verify(manifestPath, listPath, artifactDir string, opts ...Option) (*Verified, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestMalformed, err)
	}
	if o.verifiers != nil {
		n, err := note.Open(raw, o.verifiers)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrManifestSignature, manifestPath, err)
		}
		raw = []byte(n.Text)
	}
	entries, err := ParseManifest(raw)
	if err != nil {
		return nil, err
	}

	listName := filepath.Base(listPath)
	if len(entries) == 0 || entries[0].Filename != listName {
		return nil, fmt.Errorf("%w: first entry must name %q", ErrManifestMalformed, listName)
	}
	digests := make(map[string]string, len(entries))
	for _, e := range entries {
		digests[e.Filename] = e.Digest
	}

	listBytes, err := os.ReadFile(listPath)
	if err != nil {
		return nil, &ChecksumMismatchError{File: listName, Reason: err.Error()}
	}
	if err := VerifyDigest(bytes.NewReader(listBytes), entries[0].Digest); err != nil {
		return nil, &ChecksumMismatchError{File: listName, Reason: err.Error()}
	}
	records, err := ParseList(listBytes)
	if err != nil {
		return nil, err
	}

	verified := &Verified{
		Records: records,
		Digests: map[string]string{listName: entries[0].Digest},
	}
	for _, r := range records {
		want, ok := digests[r.Filename]
		if !ok {
			return nil, &ChecksumMismatchError{File: r.Filename, Reason: "not listed in manifest"}
		}
		if err := verifyFile(filepath.Join(artifactDir, r.Filename), want); err != nil {
			return nil, &ChecksumMismatchError{File: r.Filename, Reason: err.Error()}
		}
		verified.Digests[r.Filename] = want
	}
	return verified, nil
}

func verifyFile(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return VerifyDigest(f, want)
}

// VerifyDigest reads r to EOF and compares its SHA-512 with the hex
// encoded want.
func VerifyDigest(r io.Reader, want string) error {
	if !isDigest(want) {
		return fmt.Errorf("%q is not a SHA-512 digest", want)
	}
	h := sha512.New()
	if _, err := io.Copy(h, r); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != strings.ToLower(want) {
		return fmt.Errorf("digest differs: got %s, want %s", got, want)
	}
	return nil
}

func isDigest(s string) bool {
	if len(s) != 2*sha512.Size {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// ParseManifest parses sha512sums style lines. Blank lines are skipped.
// Digests are not validated here: a line with an unusable digest only
// fails verification of the file it names.
func ParseManifest(b []byte) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(bytes.NewReader(b))
	for lineno := 1; sc.Scan(); lineno++ {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: line %d: want <digest> <filename>, got %q", ErrManifestMalformed, lineno, line)
		}
		entries = append(entries, Entry{
			Digest:   strings.ToLower(fields[0]),
			Filename: fields[1],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestMalformed, err)
	}
	return entries, nil
}

// ParseList parses "<class>:<model>:<filename>" lines.
func ParseList(b []byte) ([]Record, error) {
	var records []Record
	sc := bufio.NewScanner(bytes.NewReader(b))
	for lineno := 1; sc.Scan(); lineno++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("%w: list line %d: want <class>:<model>:<filename>, got %q", ErrManifestMalformed, lineno, line)
		}
		switch parts[0] {
		case ClassVendor, ClassMainline:
		default:
			return nil, fmt.Errorf("%w: list line %d: unknown class %q", ErrManifestMalformed, lineno, parts[0])
		}
		if parts[2] != filepath.Base(parts[2]) {
			return nil, fmt.Errorf("%w: list line %d: %q is not a plain file name", ErrManifestMalformed, lineno, parts[2])
		}
		records = append(records, Record{
			Class:    parts[0],
			Model:    parts[1],
			Filename: parts[2],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestMalformed, err)
	}
	return records, nil
}
