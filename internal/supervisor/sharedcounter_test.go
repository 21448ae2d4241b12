package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedCounterSegmentRoundTripsThroughInheritedFD(t *testing.T) {
	seg, err := NewSharedCounterSegment()
	require.NoError(t, err)
	t.Cleanup(func() { seg.File().Close() })

	seg.Counter().Add(5)

	attached, err := AttachCounterFromFD(int(seg.File().Fd()))
	require.NoError(t, err)

	assert.Equal(t, int64(5), attached.Load())

	attached.Add(2)
	assert.Equal(t, int64(7), seg.Counter().Load())
}
