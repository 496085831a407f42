package tele

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shutterbus/funkgw/state"
	"github.com/shutterbus/funkgw/stick"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeCommander struct {
	lk    sync.Mutex
	calls []sentCommand
	done  chan struct{}
}

type sentCommand struct {
	channel int
	action  byte
}

func (f *fakeCommander) SendCommand(ctx context.Context, channel int, action byte) error {
	f.lk.Lock()
	f.calls = append(f.calls, sentCommand{channel, action})
	f.lk.Unlock()
	f.done <- struct{}{}
	return nil
}

func testTele(t *testing.T) (*Tele, *fakeCommander) {
	t.Helper()
	log := zerolog.New(zerolog.NewTestWriter(t))
	store, err := state.NewStore(log, "")
	require.NoError(t, err)
	cmd := &fakeCommander{done: make(chan struct{}, 4)}
	return New(log, Config{Prefix: "home/blinds"}, cmd, store), cmd
}

func TestInitDisabledIsNoop(t *testing.T) {
	t.Parallel()

	tl, _ := testTele(t)
	require.NoError(t, tl.Init())
	tl.Close()
}

func TestOnCommand(t *testing.T) {
	t.Parallel()

	tl, cmd := testTele(t)
	tl.onCommand(nil, fakeMessage{topic: "home/blinds/cmd/5", payload: []byte("top")})
	select {
	case <-cmd.done:
	case <-time.After(time.Second):
		t.Fatal("command not forwarded")
	}
	assert.Equal(t, []sentCommand{{5, stick.ActionTop}}, cmd.calls)
}

func TestOnCommandRejectsGarbage(t *testing.T) {
	t.Parallel()

	tl, cmd := testTele(t)
	tl.onCommand(nil, fakeMessage{topic: "home/blinds/cmd/zero", payload: []byte("top")})
	tl.onCommand(nil, fakeMessage{topic: "home/blinds/cmd/16", payload: []byte("top")})
	tl.onCommand(nil, fakeMessage{topic: "home/blinds/cmd/5", payload: []byte("warp")})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, cmd.calls)
}
