// Package blockdev implements the Block Mapper named in the checker's
// component design (spec 4.1): it opens a device or image file and hands
// out fixed-size sector windows to the rest of the checker, backed by a
// memory-mapped view of the file via golang.org/x/sys/unix. The teacher
// never reaches below io.ReaderAt (pkg/iso9660.ISO9660 is handed an
// already-open io.ReaderAt by its caller), so this package has no direct
// teacher file to adapt; it follows the teacher's general shape of a small
// struct wrapping an *os.File with a constructor that returns (*T, error)
// and Close() error, seen throughout pkg/iso9660/iso9660.go.
package blockdev

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Device is a memory-mapped, read-write window onto a block device or
// regular file, addressed in fixed-size sectors.
type Device struct {
	file       *os.File
	data       []byte
	sectorSize uint32
	readOnly   bool
}

// Open maps the file at path for sector-addressed access. sectorSize must
// be one of consts.SectorSizeCandidates; readOnly controls whether the
// mapping (and the file descriptor) permit writes, which in turn governs
// whether Repair operations (spec 4.14) can ever be applied.
func Open(path string, sectorSize uint32, readOnly bool) (*Device, error) {
	flag := os.O_RDONLY
	if !readOnly {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: stat %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		size, err = deviceSize(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("blockdev: determine size of %s: %w", path, err)
		}
	}
	if size <= 0 {
		f.Close()
		return nil, fmt.Errorf("blockdev: %s has no determinable size", path)
	}

	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: mmap %s: %w", path, err)
	}

	return &Device{file: f, data: data, sectorSize: sectorSize, readOnly: readOnly}, nil
}

// deviceSize falls back to seeking to the end for block devices, which
// report a zero-length Stat().Size().
func deviceSize(f *os.File) (int64, error) {
	size, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, os.SEEK_SET); err != nil {
		return 0, err
	}
	return size, nil
}

// SectorSize returns the sector size this mapping was opened with.
func (d *Device) SectorSize() uint32 { return d.sectorSize }

// SectorCount returns the number of whole sectors covered by the mapping.
func (d *Device) SectorCount() uint32 {
	return uint32(len(d.data) / int(d.sectorSize))
}

// ReadSector returns a read-only view of the given logical sector. The
// returned slice aliases the underlying mapping and must not be retained
// past the next Close.
func (d *Device) ReadSector(lsn uint32) ([]byte, error) {
	return d.ReadSectors(lsn, 1)
}

// ReadSectors returns a read-only view spanning count sectors starting at
// lsn.
func (d *Device) ReadSectors(lsn uint32, count uint32) ([]byte, error) {
	start, end, err := d.sectorRange(lsn, count)
	if err != nil {
		return nil, err
	}
	return d.data[start:end], nil
}

// WriteSector copies buf (which must be exactly SectorSize bytes) into the
// mapping at lsn. It is an error to call this on a read-only Device.
func (d *Device) WriteSector(lsn uint32, buf []byte) error {
	if d.readOnly {
		return errors.New("blockdev: device opened read-only")
	}
	if uint32(len(buf)) != d.sectorSize {
		return fmt.Errorf("blockdev: write buffer is %d bytes, want %d", len(buf), d.sectorSize)
	}
	start, end, err := d.sectorRange(lsn, 1)
	if err != nil {
		return err
	}
	copy(d.data[start:end], buf)
	return nil
}

func (d *Device) sectorRange(lsn uint32, count uint32) (start, end int, err error) {
	if count == 0 {
		return 0, 0, errors.New("blockdev: zero-sector read")
	}
	total := d.SectorCount()
	if lsn >= total || uint64(lsn)+uint64(count) > uint64(total) {
		return 0, 0, fmt.Errorf("blockdev: sector range [%d,%d) out of bounds (device has %d sectors)", lsn, lsn+count, total)
	}
	start = int(lsn) * int(d.sectorSize)
	end = start + int(count)*int(d.sectorSize)
	return start, end, nil
}

// Flush synchronizes the mapped pages back to the backing file or device.
// A no-op on a read-only Device.
func (d *Device) Flush() error {
	if d.readOnly {
		return nil
	}
	if err := unix.Msync(d.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("blockdev: msync: %w", err)
	}
	return nil
}

// Close flushes any pending writes, unmaps the file, and closes the
// underlying file descriptor.
func (d *Device) Close() error {
	var flushErr error
	if !d.readOnly {
		flushErr = d.Flush()
	}
	unmapErr := unix.Munmap(d.data)
	closeErr := d.file.Close()
	switch {
	case flushErr != nil:
		return flushErr
	case unmapErr != nil:
		return fmt.Errorf("blockdev: munmap: %w", unmapErr)
	case closeErr != nil:
		return fmt.Errorf("blockdev: close: %w", closeErr)
	}
	return nil
}
