// Package layout computes the two GPT layouts used by Orange Pi 5 images.
//
// All geometry is kept in 512 byte sectors. The boot and root partitions
// sit at the same offsets in both layouts, so that a Full table can be
// written over an image which was assembled with the Minimal table without
// moving any file system data.
package layout

import (
	"errors"
	"fmt"
	"strings"
)

const (
	SectorSize    = 512
	SectorsPerMiB = 2048
	MiB           = SectorSize * SectorsPerMiB
)

const (
	// TypeRockchipLoader is the type GUID Rockchip tooling uses for the
	// idbloader and u-boot regions.
	TypeRockchipLoader = "8DA63339-0007-60C0-C436-083AC8230908"
	TypeEFISystem      = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	TypeLinuxRootARM64 = "B921B045-1DF0-41C3-AF44-4C6F280D3FAE"
)

const (
	NameIDBLoader = "idbloader"
	NameUBoot     = "uboot"
	NameBoot      = "alarmboot"
	NameRoot      = "alarmroot"
)

// Fixed geometry shared by both layouts.
const (
	BootOffsetMiB = 4
	BootSizeMiB   = 256

	idbloaderStart = 64
	idbloaderSize  = 960
	ubootStart     = 1024
	ubootSize      = 6144

	// fullFirstLBA leaves LBA 2-33 for the partition entries only, so that
	// the idbloader can start at sector 64.
	fullFirstLBA = 34
)

var (
	ErrLayout         = errors.New("invalid partition layout")
	ErrLayoutOverflow = fmt.Errorf("%w: partitions do not fit into the image", ErrLayout)
)

type Kind int

const (
	// Minimal holds boot and root only. Used for the generic base image.
	Minimal Kind = iota
	// Full additionally describes the vendor bootloader regions.
	Full
)

func (k Kind) String() string {
	switch k {
	case Minimal:
		return "minimal"
	case Full:
		return "full"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "minimal":
		return Minimal, nil
	case "full":
		return Full, nil
	}
	return 0, fmt.Errorf("unknown layout kind %q (want minimal or full)", s)
}

type Partition struct {
	Name        string
	TypeGUID    string
	StartSector uint64
	SizeSectors uint64
}

// EndSector is the first sector after the partition.
func (p Partition) EndSector() uint64 { return p.StartSector + p.SizeSectors }

func (p Partition) StartMiB() uint64 { return p.StartSector / SectorsPerMiB }

func (p Partition) SizeMiB() uint64 { return p.SizeSectors / SectorsPerMiB }

func (p Partition) StartBytes() int64 { return int64(p.StartSector) * SectorSize }

func (p Partition) SizeBytes() int64 { return int64(p.SizeSectors) * SectorSize }

// scriptLine renders the partition in sfdisk(8) scripted input syntax.
func (p Partition) scriptLine() string {
	return fmt.Sprintf("start=%d, size=%d, type=%s, name=%q",
		p.StartSector,
		p.SizeSectors,
		p.TypeGUID,
		p.Name)
}

type Layout struct {
	Kind  Kind
	Label string
	// FirstLBA overrides the partitioning tool's first usable LBA when
	// non-zero.
	FirstLBA   uint64
	TotalMiB   uint64
	Partitions []Partition
}

// For returns the layout of the given kind for an image of totalMiB.
func For(kind Kind, totalMiB uint64) (*Layout, error) {
	if totalMiB < 1 || BootOffsetMiB+BootSizeMiB >= totalMiB-1 {
		return nil, fmt.Errorf("%w: boot ends at %d MiB, image has %d MiB (last MiB is reserved for the backup GPT)",
			ErrLayoutOverflow, BootOffsetMiB+BootSizeMiB, totalMiB)
	}
	rootOffset := uint64(BootOffsetMiB + BootSizeMiB)
	rootSize := totalMiB - 1 - rootOffset

	boot := Partition{
		Name:        NameBoot,
		TypeGUID:    TypeEFISystem,
		StartSector: BootOffsetMiB * SectorsPerMiB,
		SizeSectors: BootSizeMiB * SectorsPerMiB,
	}
	root := Partition{
		Name:        NameRoot,
		TypeGUID:    TypeLinuxRootARM64,
		StartSector: rootOffset * SectorsPerMiB,
		SizeSectors: rootSize * SectorsPerMiB,
	}

	l := &Layout{
		Kind:     kind,
		Label:    "gpt",
		TotalMiB: totalMiB,
	}
	switch kind {
	case Minimal:
		l.Partitions = []Partition{boot, root}
	case Full:
		l.FirstLBA = fullFirstLBA
		l.Partitions = []Partition{
			{
				Name:        NameIDBLoader,
				TypeGUID:    TypeRockchipLoader,
				StartSector: idbloaderStart,
				SizeSectors: idbloaderSize,
			},
			{
				Name:        NameUBoot,
				TypeGUID:    TypeRockchipLoader,
				StartSector: ubootStart,
				SizeSectors: ubootSize,
			},
			boot,
			root,
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %v", ErrLayout, kind)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// TotalSectors is the size of the whole image in sectors.
func (l *Layout) TotalSectors() uint64 { return l.TotalMiB * SectorsPerMiB }

func (l *Layout) TotalBytes() int64 { return int64(l.TotalMiB) * MiB }

// Validate checks that partitions are ordered, do not overlap, start after
// the first usable LBA and end before the final MiB of the image.
func (l *Layout) Validate() error {
	limit := (l.TotalMiB - 1) * SectorsPerMiB
	var prevEnd uint64
	for i, p := range l.Partitions {
		if p.SizeSectors == 0 {
			return fmt.Errorf("%w: partition %q is empty", ErrLayout, p.Name)
		}
		if p.StartSector < l.FirstLBA {
			return fmt.Errorf("%w: partition %q starts at %d, before first-lba %d", ErrLayout, p.Name, p.StartSector, l.FirstLBA)
		}
		if i > 0 && p.StartSector < prevEnd {
			return fmt.Errorf("%w: partition %q (start %d) overlaps its predecessor (end %d)", ErrLayout, p.Name, p.StartSector, prevEnd)
		}
		if p.EndSector() > limit {
			return fmt.Errorf("%w: partition %q ends at sector %d, limit is %d", ErrLayoutOverflow, p.Name, p.EndSector(), limit)
		}
		prevEnd = p.EndSector()
	}
	return nil
}

// Partition returns the partition with the given name.
func (l *Layout) Partition(name string) (Partition, bool) {
	for _, p := range l.Partitions {
		if p.Name == name {
			return p, true
		}
	}
	return Partition{}, false
}

func (l *Layout) Boot() Partition {
	p, _ := l.Partition(NameBoot)
	return p
}

func (l *Layout) Root() Partition {
	p, _ := l.Partition(NameRoot)
	return p
}

// Script renders the layout as sfdisk(8) scripted input. The output is
// byte-for-byte stable for a given layout.
func (l *Layout) Script() string {
	var b strings.Builder
	fmt.Fprintf(&b, "label: %s\n", l.Label)
	if l.FirstLBA != 0 {
		fmt.Fprintf(&b, "first-lba: %d\n", l.FirstLBA)
	}
	for _, p := range l.Partitions {
		b.WriteString(p.scriptLine())
		b.WriteByte('\n')
	}
	return b.String()
}

// Compatible returns an error unless a and b place boot and root at
// identical sectors.
func Compatible(a, b *Layout) error {
	for _, name := range []string{NameBoot, NameRoot} {
		pa, oka := a.Partition(name)
		pb, okb := b.Partition(name)
		if !oka || !okb {
			return fmt.Errorf("%w: partition %q missing from %v or %v layout", ErrLayout, name, a.Kind, b.Kind)
		}
		if pa.StartSector != pb.StartSector || pa.SizeSectors != pb.SizeSectors {
			return fmt.Errorf("%w: partition %q differs: %v has %d+%d, %v has %d+%d",
				ErrLayout, name,
				a.Kind, pa.StartSector, pa.SizeSectors,
				b.Kind, pb.StartSector, pb.SizeSectors)
		}
	}
	return nil
}
