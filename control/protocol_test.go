package control

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpawnRequestRoundTrip(t *testing.T) {
	req := SpawnRequest{
		Path:  "/bin/true",
		Argv:  []string{"true", "-x"},
		Envp:  []string{"PATH=/bin", "HOME=/root"},
		UID:   1000,
		GID:   1000,
		Flags: spawnFlagWait,
	}

	buf := EncodeSpawnRequest(req)
	got, err := DecodeSpawnRequest(buf)
	require.NoError(t, err)

	require.Equal(t, req.Path, got.Path)
	require.Equal(t, req.UID, got.UID)
	require.Equal(t, req.GID, got.GID)
	require.Equal(t, req.Flags, got.Flags)
	require.Equal(t, req.Argv, got.Argv)
	require.Equal(t, req.Envp, got.Envp)
}

func TestDecodeSpawnRequestTruncated(t *testing.T) {
	_, err := DecodeSpawnRequest([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestHeaderRoundTrip(t *testing.T) {
	h := header{Type: uint32(Spawn), Length: 42}
	got, err := decodeHeader(encodeHeader(h))
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestParseRightsRejectsMoreThanMax(t *testing.T) {
	fds := make([]int, MaxFds+1)
	for i := range fds {
		fds[i] = 0 // fd value doesn't need to be a real open descriptor to exercise the count check
	}
	oob := syscall.UnixRights(fds...)

	_, err := parseRights(oob)
	require.Error(t, err, "expected Exhausted error for more than 16 fds")
}

func TestParseRightsAcceptsWithinLimit(t *testing.T) {
	oob := syscall.UnixRights(0, 1, 2)
	fds, err := parseRights(oob)
	require.NoError(t, err)
	require.Len(t, fds, 3)
}

func TestCommandTypeString(t *testing.T) {
	require.Equal(t, "SPAWN", Spawn.String())
	require.Equal(t, "UNKNOWN", CommandType(99).String())
}
