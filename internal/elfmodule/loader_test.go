package elfmodule

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildIDNote(buildID []byte) []byte {
	name := []byte("GNU\x00")
	note := make([]byte, 12+len(name)+len(buildID))
	binary.LittleEndian.PutUint32(note[0:4], uint32(len(name)))
	binary.LittleEndian.PutUint32(note[4:8], uint32(len(buildID)))
	binary.LittleEndian.PutUint32(note[8:12], 3)
	copy(note[12:12+len(name)], name)
	copy(note[12+len(name):], buildID)
	return note
}

func TestBuildIDCaptureScenario(t *testing.T) {
	raw := []byte{
		0x94, 0x32, 0xac, 0x93, 0x9c, 0x01, 0x51, 0x59, 0xea, 0x37,
		0x5e, 0xc0, 0xa8, 0x75, 0x0d, 0xf9, 0x08, 0x05, 0x8a, 0x5a,
	}
	got, err := parseBuildIDNote(buildIDNote(raw))
	require.NoError(t, err)
	require.Equal(t, "9432ac939c015159ea375ec0a8750df908058a5a", got)
}

func TestParseBuildIDNoteRejectsWrongType(t *testing.T) {
	note := buildIDNote([]byte{1, 2, 3, 4})
	binary.LittleEndian.PutUint32(note[8:12], 99)
	_, err := parseBuildIDNote(note)
	require.Error(t, err)
}
