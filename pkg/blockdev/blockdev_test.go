package blockdev_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bgrewell/udf-fsck/pkg/blockdev"
)

const testSectorSize = 2048

func makeImage(t *testing.T, sectors int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.udf")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, sectors*testSectorSize)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	_, err = f.Write(buf)
	require.NoError(t, err)
	return path
}

func TestOpenReadSectorRoundTrip(t *testing.T) {
	path := makeImage(t, 4)
	dev, err := blockdev.Open(path, testSectorSize, true)
	require.NoError(t, err)
	defer dev.Close()

	require.Equal(t, uint32(4), dev.SectorCount())
	sector, err := dev.ReadSector(1)
	require.NoError(t, err)
	require.Len(t, sector, testSectorSize)
	require.Equal(t, byte(testSectorSize%251), sector[0])
}

func TestReadSectorsOutOfBounds(t *testing.T) {
	path := makeImage(t, 2)
	dev, err := blockdev.Open(path, testSectorSize, true)
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.ReadSectors(1, 5)
	require.Error(t, err)
}

func TestWriteSectorRejectsReadOnly(t *testing.T) {
	path := makeImage(t, 2)
	dev, err := blockdev.Open(path, testSectorSize, true)
	require.NoError(t, err)
	defer dev.Close()

	err = dev.WriteSector(0, make([]byte, testSectorSize))
	require.Error(t, err)
}

func TestWriteSectorThenReadBack(t *testing.T) {
	path := makeImage(t, 2)
	dev, err := blockdev.Open(path, testSectorSize, false)
	require.NoError(t, err)
	defer dev.Close()

	buf := make([]byte, testSectorSize)
	for i := range buf {
		buf[i] = 0xAA
	}
	require.NoError(t, dev.WriteSector(0, buf))
	require.NoError(t, dev.Flush())

	got, err := dev.ReadSector(0)
	require.NoError(t, err)
	require.Equal(t, byte(0xAA), got[0])
}

func TestWriteSectorRejectsWrongSize(t *testing.T) {
	path := makeImage(t, 2)
	dev, err := blockdev.Open(path, testSectorSize, false)
	require.NoError(t, err)
	defer dev.Close()

	err = dev.WriteSector(0, make([]byte, 10))
	require.Error(t, err)
}
