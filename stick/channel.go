package stick

import (
	"github.com/juju/errors"
)

// The stick addresses 15 receiver slots. On the wire a channel is a
// 16-bit bitmap with exactly one bit set: channels 1-8 live in the low
// byte, 9-15 in the high byte. Bit 15 is unused.
const (
	ChannelMin = 1
	ChannelMax = 15
)

func ValidChannel(c int) bool { return c >= ChannelMin && c <= ChannelMax }

func ChannelToBytes(c int) (hi, lo byte, err error) {
	if !ValidChannel(c) {
		return 0, 0, errors.NotValidf("channel %d", c)
	}
	if c <= 8 {
		return 0, 1 << uint(c-1), nil
	}
	return 1 << uint(c-9), 0, nil
}

// BytesToChannel returns the channel number if exactly one bit among
// bits 0-14 is set, 0 otherwise. 0 is the "no single channel"
// sentinel, not an error: multi-bit bitmaps are legal in discovery
// replies and are decoded with BitmapToChannels.
func BytesToChannel(hi, lo byte) int {
	bitmap := uint16(hi)<<8 | uint16(lo)
	bitmap &= 0x7fff
	if bitmap == 0 || bitmap&(bitmap-1) != 0 {
		return 0
	}
	c := 1
	for bitmap>>1 != 0 {
		bitmap >>= 1
		c++
	}
	return c
}

// BitmapToChannels decodes a multi-channel bitmap, ascending.
func BitmapToChannels(hi, lo byte) []int {
	bitmap := uint16(hi)<<8 | uint16(lo)
	cs := make([]int, 0, ChannelMax)
	for c := ChannelMin; c <= ChannelMax; c++ {
		if bitmap&(1<<uint(c-1)) != 0 {
			cs = append(cs, c)
		}
	}
	return cs
}
