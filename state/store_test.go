package state

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shutterbus/funkgw/stick"
)

func testStore(t *testing.T, root string) *Store {
	t.Helper()
	s, err := NewStore(zerolog.New(zerolog.NewTestWriter(t)), root)
	require.NoError(t, err)
	return s
}

func recv(t *testing.T, ch <-chan ChannelStatus) ChannelStatus {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no store event")
		return ChannelStatus{}
	}
}

func TestStoreSetStatus(t *testing.T) {
	t.Parallel()

	s := testStore(t, "")
	id, events := s.Subscribe()
	defer s.Unsubscribe(id)

	s.SetStatus(1, 0x01)
	ev := recv(t, events)
	assert.Equal(t, 1, ev.Channel)
	assert.Equal(t, byte(0x01), ev.RawStatus)
	assert.Equal(t, stick.StatusTopPosition, ev.Status)

	cs, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, stick.StatusTopPosition, cs.Status)
	assert.False(t, cs.UpdatedAt.IsZero())

	// bitmap decode failures arrive as channel 0, never stored
	s.SetStatus(0, 0x01)
	_, ok = s.Get(0)
	assert.False(t, ok)
}

func TestStoreKindChangesDecode(t *testing.T) {
	t.Parallel()

	s := testStore(t, "")
	s.SetStatus(3, 0x01)
	require.NoError(t, s.Rename(3, "garden socket", stick.DeviceSwitch))

	cs, ok := s.Get(3)
	require.True(t, ok)
	assert.Equal(t, "garden socket", cs.Name)
	// same raw byte, re-decoded with the switch table
	assert.Equal(t, stick.StatusOn, cs.Status)

	err := s.Rename(3, "x", "dimmer")
	require.Error(t, err)
	err = s.Rename(99, "x", stick.DeviceDrive)
	require.Error(t, err)
}

func TestStoreLearnedSet(t *testing.T) {
	t.Parallel()

	s := testStore(t, "")
	s.SetLearned([]int{1, 3})
	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 1, snap[0].Channel)
	assert.True(t, snap[0].Learned)
	assert.Equal(t, 3, snap[1].Channel)

	// replaced wholesale by the next check result
	s.SetLearned([]int{3, 5})
	snap = s.Snapshot()
	require.Len(t, snap, 3)
	assert.False(t, snap[0].Learned)
	assert.True(t, snap[1].Learned)
	assert.True(t, snap[2].Learned)
}

func TestStoreSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	s := testStore(t, "")
	id, events := s.Subscribe()
	defer s.Unsubscribe(id)

	// overflow the subscriber buffer twice over; publishers must not
	// stall and newest events win
	for i := 0; i < subBuffer*2; i++ {
		s.SetStatus(1, byte(i))
	}
	var last ChannelStatus
	for i := 0; i < subBuffer; i++ {
		last = recv(t, events)
	}
	assert.Equal(t, byte(subBuffer*2-1), last.RawStatus)
}

func TestStorePersistRoundTrip(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := testStore(t, root)
	require.NoError(t, s.Rename(2, "kitchen blind", stick.DeviceDrive))
	require.NoError(t, s.Rename(7, "fountain", stick.DeviceSwitch))

	again := testStore(t, root)
	cs, ok := again.Get(2)
	require.True(t, ok)
	assert.Equal(t, "kitchen blind", cs.Name)
	cs, ok = again.Get(7)
	require.True(t, ok)
	assert.Equal(t, stick.DeviceSwitch, cs.Kind)
	// runtime status does not survive restarts
	assert.Equal(t, stick.StatusUnknown, cs.Status)
	assert.False(t, cs.Learned)
}
