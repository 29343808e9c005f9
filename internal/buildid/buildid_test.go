package buildid_test

import (
	"testing"
	"time"

	"github.com/opi5-alarm/tools/internal/buildid"
)

func TestString(t *testing.T) {
	now := time.Date(2024, time.May, 21, 9, 30, 12, 999, time.Local)
	id := buildid.New("", now)
	if got, want := id.String(), "ArchLinuxARM-aarch64-OrangePi5-20240521_093012"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	for _, tt := range []struct {
		got, want string
	}{
		{id.Base(), "ArchLinuxARM-aarch64-OrangePi5-20240521_093012-base.img"},
		{id.Variant("orangepi_5b"), "ArchLinuxARM-aarch64-OrangePi5-20240521_093012-rkloader-orangepi_5b.img"},
		{id.RootArchive(), "ArchLinuxARM-aarch64-OrangePi5-20240521_093012-root.tar"},
	} {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	id := buildid.New("custom-tag", time.Date(2023, time.December, 31, 23, 59, 59, 0, time.Local))
	got, err := buildid.Parse(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if got.Tag != id.Tag || !got.Created.Equal(id.Created) {
		t.Errorf("Parse(%q) = %+v, want %+v", id.String(), got, id)
	}

	for _, invalid := range []string{"", "-20240521_093012", "tag-20240521", "tag"} {
		if _, err := buildid.Parse(invalid); err == nil {
			t.Errorf("Parse(%q): expected an error", invalid)
		}
	}
}

func TestDistinct(t *testing.T) {
	now := time.Now()
	a := buildid.New("", now)
	b := buildid.New("", now.Add(time.Second))
	if a.String() == b.String() {
		t.Errorf("builds one second apart share ID %q", a)
	}
	if a.Owns(b.Base()) {
		t.Errorf("%q claims %q", a, b.Base())
	}
	if !a.Owns(a.Variant("orangepi_5")) {
		t.Errorf("%q does not claim its own variant image", a)
	}
}
