package vrs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgrewell/udf-fsck/pkg/vrs"
)

const sectorSize = 2048

type fakeDevice struct {
	sectors [][]byte
}

func (f *fakeDevice) SectorSize() uint32 { return sectorSize }

func (f *fakeDevice) ReadSectors(lsn uint32, count uint32) ([]byte, error) {
	out := make([]byte, 0, int(count)*sectorSize)
	for i := uint32(0); i < count; i++ {
		idx := int(lsn + i)
		if idx >= len(f.sectors) {
			out = append(out, make([]byte, sectorSize)...)
			continue
		}
		out = append(out, f.sectors[idx]...)
	}
	return out, nil
}

func vsd(structType uint8, ident string, version uint8) []byte {
	b := make([]byte, sectorSize)
	b[0] = structType
	copy(b[1:6], ident)
	b[6] = version
	return b
}

func newDeviceWithVSDs(vsds ...[]byte) *fakeDevice {
	sectors := make([][]byte, 16+len(vsds))
	for i, v := range vsds {
		sectors[16+i] = v
	}
	return &fakeDevice{sectors: sectors}
}

func TestProbeRecognizesNSR03(t *testing.T) {
	dev := newDeviceWithVSDs(
		vsd(0, "BEA01", 1),
		vsd(0, "NSR03", 1),
		vsd(0, "TEA01", 1),
	)
	res, err := vrs.Probe(dev)
	require.NoError(t, err)
	assert.True(t, res.Recognized)
	assert.False(t, res.FoundISO9660)
}

func TestProbeDetectsPlainISO9660(t *testing.T) {
	dev := newDeviceWithVSDs(
		vsd(1, "CD001", 1),
		vsd(0, "TEA01", 1),
	)
	res, err := vrs.Probe(dev)
	require.NoError(t, err)
	assert.True(t, res.FoundISO9660)
	assert.False(t, res.Recognized)
}

func TestProbeRejectsUnknownIdentifier(t *testing.T) {
	dev := newDeviceWithVSDs(vsd(0, "XXXXX", 1))
	_, err := vrs.Probe(dev)
	require.Error(t, err)
}

func TestProbeEndsOnZeroIdentWithoutBEA(t *testing.T) {
	dev := newDeviceWithVSDs(vsd(0, "", 0))
	res, err := vrs.Probe(dev)
	require.NoError(t, err)
	assert.False(t, res.Recognized)
}

func TestProbeGivesUpWithoutTerminator(t *testing.T) {
	vsds := make([][]byte, 0, 64)
	for i := 0; i < 64; i++ {
		vsds = append(vsds, vsd(0, "BEA01", 1))
	}
	dev := newDeviceWithVSDs(vsds...)
	_, err := vrs.Probe(dev)
	require.Error(t, err)
}
