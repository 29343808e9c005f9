// Package sandbox runs the privileged part of a build as root inside new
// user, PID and mount namespaces, while the invoking process stays
// unprivileged.
package sandbox

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"
)

// MinRange is the number of subordinate IDs the child needs: enough to
// map every ID from 1 to 65535 inside the namespace.
const MinRange = 65535

var (
	ErrPrivilege              = errors.New("refusing to run with root privileges")
	ErrNoSubIDRange           = errors.New("no subordinate ID range")
	ErrInsufficientSubIDRange = errors.New("subordinate ID range too small")
)

type Identity struct {
	UID  int
	GID  int
	User string
}

// CurrentIdentity returns the identity of the calling process.
func CurrentIdentity() (Identity, error) {
	id := Identity{
		UID: os.Getuid(),
		GID: os.Getgid(),
	}
	u, err := user.LookupId(strconv.Itoa(id.UID))
	if err != nil {
		// Matching by numeric ID still works without a passwd entry.
		return id, nil
	}
	id.User = u.Username
	return id, nil
}

// RequireUnprivileged fails unless both the user and group ID are
// non-zero. The namespace mapping is only meaningful when started
// unprivileged.
func RequireUnprivileged(id Identity) error {
	if id.UID == 0 {
		return fmt.Errorf("%w: UID is 0", ErrPrivilege)
	}
	if id.GID == 0 {
		return fmt.Errorf("%w: GID is 0", ErrPrivilege)
	}
	return nil
}

type Range struct {
	Start int
	Count int
}

// Mapping is the ID mapping applied to the child's user namespace:
// the host user becomes root, IDs 1 to MinRange come from the
// subordinate ranges.
type Mapping struct {
	HostUID int
	HostGID int
	SubUID  Range
	SubGID  Range
}

// UIDMapArgs returns the newuidmap(1) arguments for pid.
func (m Mapping) UIDMapArgs(pid int) []string {
	return mapArgs(pid, m.HostUID, m.SubUID)
}

// GIDMapArgs returns the newgidmap(1) arguments for pid.
func (m Mapping) GIDMapArgs(pid int) []string {
	return mapArgs(pid, m.HostGID, m.SubGID)
}

func mapArgs(pid, host int, sub Range) []string {
	return []string{
		strconv.Itoa(pid),
		"0", strconv.Itoa(host), "1",
		"1", strconv.Itoa(sub.Start), strconv.Itoa(MinRange),
	}
}

// ParseSubIDs finds the range of the given user in an /etc/subuid or
// /etc/subgid formatted reader. The last line naming the user wins; lines
// keyed by the numeric ID only count when no line names the user.
func ParseSubIDs(r io.Reader, name string, id int) (Range, error) {
	var byName, byID *Range
	numeric := strconv.Itoa(id)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) != 3 {
			continue
		}
		named := name != "" && parts[0] == name
		if !named && parts[0] != numeric {
			continue
		}
		start, err := strconv.Atoi(parts[1])
		if err != nil || start < 0 {
			continue
		}
		count, err := strconv.Atoi(parts[2])
		if err != nil || count < 0 {
			continue
		}
		if named {
			byName = &Range{Start: start, Count: count}
		} else {
			byID = &Range{Start: start, Count: count}
		}
	}
	if err := sc.Err(); err != nil {
		return Range{}, err
	}
	var rng Range
	switch {
	case byName != nil:
		rng = *byName
	case byID != nil:
		rng = *byID
	default:
		return Range{}, fmt.Errorf("%w for %s (%d)", ErrNoSubIDRange, name, id)
	}
	if rng.Count < MinRange {
		return Range{}, fmt.Errorf("%w: %s (%d) has %d IDs starting at %d, need at least %d",
			ErrInsufficientSubIDRange, name, id, rng.Count, rng.Start, MinRange)
	}
	return rng, nil
}

// LookupSubIDs resolves the mapping for id from the given subuid and
// subgid files (usually /etc/subuid and /etc/subgid). Both files are keyed
// by the user, so numeric lines in subgid are matched against the UID.
func LookupSubIDs(id Identity, subuidPath, subgidPath string) (Mapping, error) {
	m := Mapping{HostUID: id.UID, HostGID: id.GID}
	for _, f := range []struct {
		path string
		id   int
		dest *Range
	}{
		{subuidPath, id.UID, &m.SubUID},
		{subgidPath, id.UID, &m.SubGID},
	} {
		r, err := os.Open(f.path)
		if err != nil {
			if os.IsNotExist(err) {
				return Mapping{}, fmt.Errorf("%w: %v", ErrNoSubIDRange, err)
			}
			return Mapping{}, err
		}
		rng, err := ParseSubIDs(r, id.User, f.id)
		r.Close()
		if err != nil {
			return Mapping{}, fmt.Errorf("%s: %w", f.path, err)
		}
		*f.dest = rng
	}
	return m, nil
}
