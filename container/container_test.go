package container

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Created:      "CREATED",
		ChildRunning: "CHILD_RUNNING",
		SetupNS:      "SETUP_NS",
		ChildUpWait:  "CHILD_UP_WAIT",
		Running:      "RUNNING",
		Destroying:   "DESTROYING",
		Gone:         "GONE",
		Failed:       "FAILED",
	}
	for s, want := range cases {
		require.Equal(t, want, s.String())
	}
	require.Equal(t, "UNKNOWN", State(99).String())
}

func TestRegistryAddGetRemove(t *testing.T) {
	c := &Container{ID: "test-registry-container"}
	globalRegistry.add(c)
	defer globalRegistry.remove(c.ID)

	got, err := Get(c.ID)
	require.NoError(t, err)
	require.Same(t, c, got)

	require.Contains(t, List(), c.ID)

	globalRegistry.remove(c.ID)
	_, err = Get(c.ID)
	require.Error(t, err)
}

func TestEventWireRoundTrip(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	want := event{Type: eventUp, Status: 7}
	require.NoError(t, writeEvent(w, want))

	got, err := readEvent(r)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestNsmountCapSetConversion(t *testing.T) {
	// CapFilesystem is bit 0; verify the uint64 -> CapSet cast
	// preserves the low 32 bits used by every caller.
	got := nsmountCapSet(1)
	require.EqualValues(t, 1, uint32(got))
}

func TestShortID(t *testing.T) {
	c := &Container{ID: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"}
	require.Len(t, c.ShortID(), 12)
	require.Equal(t, c.ID[:12], c.ShortID())
}
