// Package version reports the VCS revision opi5img was built from.
package version

import (
	"runtime/debug"
	"strings"
)

type Info struct {
	Revision  string
	Modified  bool
	GoVersion string
}

// Get reads the revision from the embedded build information.
func Get() (Info, bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Info{}, false
	}
	result := Info{GoVersion: info.GoVersion}
	settings := make(map[string]string)
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	// Built from a local VCS checkout.
	if rev, ok := settings["vcs.revision"]; ok {
		result.Revision = rev
		result.Modified = settings["vcs.modified"] == "true"
		return result, true
	}
	// Built as a module: v0.0.0-20240521093012-7a5757f46310.
	v := info.Main.Version
	if idx := strings.LastIndexByte(v, '-'); idx > -1 {
		result.Revision = v[idx+1:]
		return result, true
	}
	return result, false
}

// Read returns a link to the commit.
func Read() string {
	info, ok := Get()
	if !ok {
		return "<unknown revision>"
	}
	s := "https://github.com/opi5-alarm/tools/commit/" + info.Revision
	if info.Modified {
		s += " (modified)"
	}
	return s
}

// ReadBrief returns a short form suitable for log lines, e.g. g7a5757+.
func ReadBrief() string {
	info, ok := Get()
	if !ok {
		return "<unknown>"
	}
	rev := info.Revision
	if len(rev) > 6 {
		rev = rev[:6]
	}
	if info.Modified {
		rev += "+"
	}
	return "g" + rev
}
