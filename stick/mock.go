package stick

// Helpers to test dispatcher users against a scripted stick without
// hardware.

import (
	"encoding/hex"
	"sync"
	"testing"
	"time"
)

// MockR is one request/response exchange: expected wire hex of the
// request, wire hex pushed back as the response. Empty response means
// the stick stays silent (timeout path).
type MockR [2]string

type MockPort struct {
	t       testing.TB
	timeout time.Duration

	writeCh chan []byte
	readCh  chan []byte

	closeLk sync.Mutex
	closed  chan struct{}
}

func NewMockPort(t testing.TB) *MockPort {
	return &MockPort{
		t:       t,
		timeout: 10 * time.Second,
		writeCh: make(chan []byte, 16),
		readCh:  make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (mp *MockPort) Open(device string, baud int) error { return nil }

func (mp *MockPort) Write(p []byte) error {
	b := append([]byte(nil), p...)
	select {
	case mp.writeCh <- b:
		return nil
	case <-time.After(mp.timeout):
		panic("stick mock: Write timeout guard, Expect() not consuming")
	}
}

func (mp *MockPort) ReadSome(p []byte) (int, error) {
	select {
	case b := <-mp.readCh:
		return copy(p, b), nil
	case <-mp.closed:
		return 0, nil
	case <-time.After(portReadTimeout):
		return 0, nil
	}
}

func (mp *MockPort) Close() error {
	mp.closeLk.Lock()
	defer mp.closeLk.Unlock()
	select {
	case <-mp.closed:
	default:
		close(mp.closed)
	}
	return nil
}

// Push injects inbound bytes, boundaries preserved as one delivery.
func (mp *MockPort) Push(b []byte) {
	mp.readCh <- append([]byte(nil), b...)
}

func (mp *MockPort) PushHex(s string) {
	b, err := hex.DecodeString(s)
	if err != nil {
		mp.t.Fatalf("stick mock: invalid hex %q err=%v", s, err)
	}
	mp.Push(b)
}

// TakeWrite returns the next transmitted wire frame.
func (mp *MockPort) TakeWrite() []byte {
	select {
	case b := <-mp.writeCh:
		return b
	case <-time.After(mp.timeout):
		mp.t.Fatal("stick mock: no write observed")
		return nil
	}
}

// ExpectNoWrite asserts nothing is transmitted within d.
func (mp *MockPort) ExpectNoWrite(d time.Duration) {
	select {
	case b := <-mp.writeCh:
		mp.t.Fatalf("stick mock: unexpected write %s", hex.EncodeToString(b))
	case <-time.After(d):
	}
}

// Expect consumes one write per entry, asserts its hex and pushes the
// scripted response.
func (mp *MockPort) Expect(script []MockR) {
	for i, x := range script {
		b := mp.TakeWrite()
		if actual := hex.EncodeToString(b); actual != x[0] {
			mp.t.Errorf("stick mock: step %d request=%s expected=%s", i, actual, x[0])
			return
		}
		if x[1] != "" {
			mp.PushHex(x[1])
		}
	}
}
