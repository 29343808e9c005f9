package parttable

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/opi5-alarm/tools/internal/layout"
)

const (
	entryCount = 128
	entrySize  = 128
	// entrySectors is the number of sectors occupied by the partition
	// entry array (LBA 2-33 for the primary copy).
	entrySectors = entryCount * entrySize / layout.SectorSize

	// sfdiskDefaultFirstLBA matches what sfdisk picks when the script does
	// not carry a first-lba line.
	sfdiskDefaultFirstLBA = 2048
)

// Native writes a protective MBR plus primary and backup GPT without
// shelling out. Partition GUIDs are derived from DiskGUID, so the same
// DiskGUID always yields the same table bytes.
type Native struct {
	DiskGUID uuid.UUID
}

func (n *Native) WriteTable(ctx context.Context, path string, l *layout.Layout) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return &PartitionWriteError{Path: path, Err: err}
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return &PartitionWriteError{Path: path, Err: err}
	}
	if st.Size() < l.TotalBytes() {
		return &PartitionWriteError{
			Path: path,
			Err:  fmt.Errorf("file holds %d bytes, layout needs %d", st.Size(), l.TotalBytes()),
		}
	}
	if err := n.Write(f, uint64(st.Size()), l); err != nil {
		return &PartitionWriteError{Path: path, Err: err}
	}
	return f.Close()
}

// Write writes the table for a device of devsize bytes into w.
func (n *Native) Write(w io.WriterAt, devsize uint64, l *layout.Layout) error {
	if err := l.Validate(); err != nil {
		return err
	}
	disk := n.DiskGUID
	if disk == uuid.Nil {
		disk = uuid.New()
	}

	var mbr bytes.Buffer
	if err := writeProtectiveMBR(&mbr, devsize); err != nil {
		return err
	}
	if _, err := w.WriteAt(mbr.Bytes(), 0); err != nil {
		return err
	}

	entries, err := partitionEntries(disk, l)
	if err != nil {
		return err
	}

	lastAddressable := devsize/layout.SectorSize - 1 // 0-indexed
	for _, primary := range []bool{true, false} {
		header, err := gptHeader(disk, l, entries, lastAddressable, primary)
		if err != nil {
			return err
		}
		headerLBA, entriesLBA := uint64(1), uint64(2)
		if !primary {
			headerLBA = lastAddressable
			entriesLBA = lastAddressable - entrySectors
		}
		if _, err := w.WriteAt(entries, int64(entriesLBA*layout.SectorSize)); err != nil {
			return err
		}
		if _, err := w.WriteAt(header, int64(headerLBA*layout.SectorSize)); err != nil {
			return err
		}
	}
	return nil
}

var (
	invalidCHS = [3]byte{0xFE, 0xFF, 0xFF}
	signature  = uint16(0xAA55)
)

func writeProtectiveMBR(w io.Writer, devsize uint64) error {
	size := devsize/layout.SectorSize - 1
	if size > 0xFFFFFFFF {
		size = 0xFFFFFFFF
	}
	for _, v := range []interface{}{
		[446]byte{}, // boot code

		// The single protective partition covers the whole disk so that
		// MBR-only tools leave it alone.
		byte(0x00),
		[3]byte{0x00, 0x02, 0x00},
		byte(0xEE),
		invalidCHS,
		uint32(1),
		uint32(size),

		[16]byte{}, // partition 2
		[16]byte{}, // partition 3
		[16]byte{}, // partition 4

		signature,
	} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

type partitionEntry struct {
	TypeGUID   [16]byte
	GUID       [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       [72]byte
}

func partitionEntries(disk uuid.UUID, l *layout.Layout) ([]byte, error) {
	if len(l.Partitions) > entryCount {
		return nil, fmt.Errorf("%d partitions do not fit into %d GPT entries", len(l.Partitions), entryCount)
	}
	pes := make([]partitionEntry, 0, len(l.Partitions))
	for _, p := range l.Partitions {
		typ, err := uuid.Parse(p.TypeGUID)
		if err != nil {
			return nil, fmt.Errorf("partition %q: type GUID: %v", p.Name, err)
		}
		name, err := partitionName(p.Name)
		if err != nil {
			return nil, err
		}
		pes = append(pes, partitionEntry{
			TypeGUID: mixedEndian(typ),
			GUID:     mixedEndian(PartitionGUID(disk, p.Name)),
			FirstLBA: p.StartSector,
			LastLBA:  p.EndSector() - 1,
			Name:     name,
		})
	}
	var pbuf bytes.Buffer
	if err := binary.Write(&pbuf, binary.LittleEndian, pes); err != nil {
		return nil, err
	}
	pbuf.Write(make([]byte, (entryCount-len(pes))*entrySize))
	return pbuf.Bytes(), nil
}

// PartitionGUID derives the unique GUID of the named partition.
func PartitionGUID(disk uuid.UUID, name string) uuid.UUID {
	return uuid.NewSHA1(disk, []byte(name))
}

func gptHeader(disk uuid.UUID, l *layout.Layout, entries []byte, lastAddressable uint64, primary bool) ([]byte, error) {
	currentLBA := uint64(1)
	backupLBA := lastAddressable
	entriesStart := uint64(2)
	if !primary {
		currentLBA = backupLBA
		entriesStart = backupLBA - entrySectors
		backupLBA = 1
	}
	firstUsable := l.FirstLBA
	if firstUsable == 0 {
		firstUsable = sfdiskDefaultFirstLBA
	}

	partitionHeader := struct {
		Signature      [8]byte
		Revision       uint32
		HeaderSize     uint32
		CRC32Header    uint32
		Reserved       uint32
		CurrentLBA     uint64
		BackupLBA      uint64
		FirstUsableLBA uint64
		LastUsableLBA  uint64
		DiskGUID       [16]byte
		EntriesStart   uint64
		EntriesCount   uint32
		EntriesSize    uint32
		CRC32Array     uint32
	}{
		Signature:      [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'},
		Revision:       0x00010000, // Revision 1.0
		HeaderSize:     92,         // bytes
		CurrentLBA:     currentLBA,
		BackupLBA:      backupLBA,
		FirstUsableLBA: firstUsable,
		LastUsableLBA:  lastAddressable - entrySectors - 1,
		DiskGUID:       mixedEndian(disk),
		EntriesStart:   entriesStart,
		EntriesCount:   entryCount,
		EntriesSize:    entrySize,
		CRC32Array:     crc32.ChecksumIEEE(entries),
	}
	var hbuf bytes.Buffer
	if err := binary.Write(&hbuf, binary.LittleEndian, partitionHeader); err != nil {
		return nil, err
	}
	if got, want := hbuf.Len(), int(partitionHeader.HeaderSize); got != want {
		return nil, fmt.Errorf("BUG: header size: got %d, want %d", got, want)
	}
	partitionHeader.CRC32Header = crc32.ChecksumIEEE(hbuf.Bytes())

	hbuf.Reset()
	if err := binary.Write(&hbuf, binary.LittleEndian, partitionHeader); err != nil {
		return nil, err
	}
	hbuf.Write(make([]byte, layout.SectorSize-hbuf.Len())) // padding
	return hbuf.Bytes(), nil
}

// mixedEndian converts an RFC 4122 UUID into the on-disk GPT layout, which
// stores the first three fields little-endian.
func mixedEndian(u uuid.UUID) [16]byte {
	var result [16]byte
	binary.LittleEndian.PutUint32(result[0:4], binary.BigEndian.Uint32(u[0:4]))
	binary.LittleEndian.PutUint16(result[4:6], binary.BigEndian.Uint16(u[4:6]))
	binary.LittleEndian.PutUint16(result[6:8], binary.BigEndian.Uint16(u[6:8]))
	copy(result[8:], u[8:])
	return result
}

func partitionName(name string) ([72]byte, error) {
	var result [72]byte
	// UTF-16LE encoded, max 36 code units for 72 bytes
	nameb := utf16.Encode([]rune(name))
	if len(nameb) > 36 {
		return result, fmt.Errorf("cannot use %s as partition name, has %d UTF-16 code units, maximum is 36", name, len(nameb))
	}
	for i, u := range nameb {
		binary.LittleEndian.PutUint16(result[i*2:], u)
	}
	return result, nil
}
