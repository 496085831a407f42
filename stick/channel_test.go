package stick

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelRoundTrip(t *testing.T) {
	t.Parallel()

	for c := ChannelMin; c <= ChannelMax; c++ {
		hi, lo, err := ChannelToBytes(c)
		require.NoError(t, err)
		if c <= 8 {
			assert.Zero(t, hi)
		} else {
			assert.Zero(t, lo)
		}
		assert.Equal(t, c, BytesToChannel(hi, lo))
	}
}

func TestChannelToBytesInvalid(t *testing.T) {
	t.Parallel()

	for _, c := range []int{-1, 0, 16, 100} {
		_, _, err := ChannelToBytes(c)
		require.Error(t, err)
		assert.True(t, errors.IsNotValid(err), "channel %d", c)
	}
}

func TestBytesToChannelNoSingleBit(t *testing.T) {
	t.Parallel()

	assert.Zero(t, BytesToChannel(0, 0))
	assert.Zero(t, BytesToChannel(0, 0x05))
	assert.Zero(t, BytesToChannel(0x01, 0x01))
	// bit 15 is unused
	assert.Zero(t, BytesToChannel(0x80, 0))
}

func TestBitmapToChannels(t *testing.T) {
	t.Parallel()

	assert.Empty(t, BitmapToChannels(0, 0))
	assert.Equal(t, []int{1, 3}, BitmapToChannels(0x00, 0x05))
	assert.Equal(t, []int{15}, BitmapToChannels(0x40, 0x00))
	assert.Equal(t, []int{1, 8, 9}, BitmapToChannels(0x01, 0x81))
	all := BitmapToChannels(0x7f, 0xff)
	require.Len(t, all, 15)
	for i, c := range all {
		assert.Equal(t, i+1, c)
	}
}
