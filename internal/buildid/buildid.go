// Package buildid names the outputs of one build.
//
// A build ID is the project tag followed by the local creation time, e.g.
// ArchLinuxARM-aarch64-OrangePi5-20240521_093012. It is generated once per
// invocation and prefixes every file the build publishes.
package buildid

import (
	"fmt"
	"strings"
	"time"
)

const DefaultTag = "ArchLinuxARM-aarch64-OrangePi5"

const timeLayout = "20060102_150405"

type ID struct {
	Tag     string
	Created time.Time
}

// New returns the ID for a build started at now. An empty tag selects
// DefaultTag.
func New(tag string, now time.Time) ID {
	if tag == "" {
		tag = DefaultTag
	}
	return ID{
		Tag:     tag,
		Created: now.Truncate(time.Second),
	}
}

func (id ID) String() string {
	return id.Tag + "-" + id.Created.Format(timeLayout)
}

// Parse is the inverse of ID.String.
func Parse(s string) (ID, error) {
	idx := strings.LastIndexByte(s, '-')
	if idx < 1 {
		return ID{}, fmt.Errorf("invalid build ID %q: want <tag>-<%s>", s, timeLayout)
	}
	created, err := time.ParseInLocation(timeLayout, s[idx+1:], time.Local)
	if err != nil {
		return ID{}, fmt.Errorf("invalid build ID %q: %v", s, err)
	}
	return ID{Tag: s[:idx], Created: created}, nil
}

// Base is the file name of the generic image.
func (id ID) Base() string { return id.String() + "-base.img" }

// Variant is the file name of the image for the given rkloader model.
func (id ID) Variant(model string) string { return id.String() + "-rkloader-" + model + ".img" }

// RootArchive is the file name of the root file system tarball produced
// by the child builder.
func (id ID) RootArchive() string { return id.String() + "-root.tar" }

// Owns reports whether name is one of this build's output files.
func (id ID) Owns(name string) bool {
	return strings.HasPrefix(name, id.String()+"-")
}
