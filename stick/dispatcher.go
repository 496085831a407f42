package stick

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/temoto/alive/v2"
)

const (
	DefaultResponseTimeout = 5 * time.Second
	DefaultCommandDelay    = 500 * time.Millisecond
)

// ErrStopped rejects every request that is queued or in flight when
// the dispatcher stops, and every request enqueued after.
var ErrStopped = errors.New("stick: dispatcher stopped")

type Config struct {
	// ResponseTimeout bounds the wait for the matching response of an
	// in-flight request.
	ResponseTimeout time.Duration
	// CommandDelay paces the hardware: applied after every
	// resolution, rejection and timeout before the next transmit.
	CommandDelay time.Duration
	Log          zerolog.Logger
	// OnStatus receives every decoded ack, solicited or not. Must not
	// block: it is called from the dispatcher loop.
	OnStatus func(channel int, status byte)
}

type reqKind uint8

const (
	kindCheck reqKind = iota
	kindInfo
	kindSend
)

func (k reqKind) String() string {
	switch k {
	case kindCheck:
		return "check"
	case kindInfo:
		return "info"
	case kindSend:
		return "send"
	}
	return "invalid"
}

type result struct {
	channels []int
	err      error
}

type request struct {
	kind reqKind
	wire []byte
	rch  chan result // buffered 1, settled exactly once
}

// Dispatcher owns the single logical channel to the stick: strict FIFO
// queue, at most one request in flight, per-request timeout, mandatory
// inter-command delay. A dedicated goroutine owns the queue and the
// read buffer; callers communicate through channels only.
type Dispatcher struct {
	alive *alive.Alive
	log   zerolog.Logger
	port  Porter
	conf  Config

	enqueueCh chan *request
	dataCh    chan []byte

	startLk sync.Mutex
	started bool
}

func NewDispatcher(port Porter, conf Config) *Dispatcher {
	if conf.ResponseTimeout <= 0 {
		conf.ResponseTimeout = DefaultResponseTimeout
	}
	if conf.CommandDelay <= 0 {
		conf.CommandDelay = DefaultCommandDelay
	}
	return &Dispatcher{
		alive:     alive.NewAlive(),
		log:       conf.Log,
		port:      port,
		conf:      conf,
		enqueueCh: make(chan *request),
		dataCh:    make(chan []byte, 8),
	}
}

func (d *Dispatcher) Start() error {
	d.startLk.Lock()
	defer d.startLk.Unlock()
	if d.started {
		return errors.Errorf("stick: dispatcher already started")
	}
	if !d.alive.Add(2) {
		return ErrStopped
	}
	d.started = true
	go d.run()
	go d.reader()
	return nil
}

// Stop rejects everything outstanding with ErrStopped and waits for
// the worker goroutines. Safe to call more than once. The port itself
// stays with whoever opened it.
func (d *Dispatcher) Stop() {
	d.alive.Stop()
	d.startLk.Lock()
	started := d.started
	d.startLk.Unlock()
	if started {
		d.alive.Wait()
	}
}

// CheckLearnedChannels transmits easy_check and resolves with the
// channel list decoded from the easy_confirm bitmap.
func (d *Dispatcher) CheckLearnedChannels(ctx context.Context) ([]int, error) {
	req := &request{kind: kindCheck, wire: BuildCheck(), rch: make(chan result, 1)}
	r, err := d.do(ctx, req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return r.channels, nil
}

// RequestStatus transmits easy_info for one channel. The status value
// is delivered through OnStatus when the ack arrives.
func (d *Dispatcher) RequestStatus(ctx context.Context, channel int) error {
	wire, err := BuildInfo(channel)
	if err != nil {
		return errors.Trace(err)
	}
	req := &request{kind: kindInfo, wire: wire, rch: make(chan result, 1)}
	_, err = d.do(ctx, req)
	return errors.Trace(err)
}

// SendCommand transmits easy_send with the given action byte.
func (d *Dispatcher) SendCommand(ctx context.Context, channel int, action byte) error {
	wire, err := BuildSend(channel, action)
	if err != nil {
		return errors.Trace(err)
	}
	req := &request{kind: kindSend, wire: wire, rch: make(chan result, 1)}
	_, err = d.do(ctx, req)
	return errors.Trace(err)
}

func (d *Dispatcher) do(ctx context.Context, req *request) (result, error) {
	select {
	case d.enqueueCh <- req:
	case <-d.alive.StopChan():
		return result{}, ErrStopped
	case <-ctx.Done():
		return result{}, errors.Trace(ctx.Err())
	}
	select {
	case r := <-req.rch:
		return r, r.err
	case <-ctx.Done():
		// No mid-flight cancellation: the request settles into its
		// buffered channel later, the caller just stops waiting.
		return result{}, errors.Trace(ctx.Err())
	}
}

// run is the single owner of the queue and the read buffer.
func (d *Dispatcher) run() {
	defer d.alive.Done()
	var (
		queue      []*request
		inflight   *request
		buf        ReadBuffer
		timeoutCh  <-chan time.Time
		cooldownCh <-chan time.Time
	)
	stopCh := d.alive.StopChan()

	for {
		if inflight == nil && cooldownCh == nil && len(queue) > 0 {
			head := queue[0]
			queue = queue[1:]
			d.log.Debug().Str("kind", head.kind.String()).Hex("tx", head.wire).Msg("transmit")
			if err := d.port.Write(head.wire); err != nil {
				d.log.Error().Err(err).Msg("transport write failed")
				head.rch <- result{err: errors.Annotatef(err, "stick %s transmit", head.kind)}
				cooldownCh = time.After(d.conf.CommandDelay)
			} else {
				inflight = head
				timeoutCh = time.After(d.conf.ResponseTimeout)
			}
			continue
		}

		select {
		case <-stopCh:
			if inflight != nil {
				inflight.rch <- result{err: ErrStopped}
			}
			for _, req := range queue {
				req.rch <- result{err: ErrStopped}
			}
			buf.Reset()
			return

		case req := <-d.enqueueCh:
			queue = append(queue, req)

		case chunk := <-d.dataCh:
			buf.Feed(chunk)
			for {
				f, ok, err := buf.Next()
				if err != nil {
					// Corrupt frames are not attributable to any
					// pending request: drop, keep queue and timer.
					d.log.Warn().Err(err).Msg("corrupt frame dropped")
					continue
				}
				if !ok {
					break
				}
				d.log.Debug().Str("rx", f.Format()).Msg("frame")
				settled, r := d.route(f, inflight)
				if settled {
					inflight.rch <- r
					inflight = nil
					timeoutCh = nil
					cooldownCh = time.After(d.conf.CommandDelay)
				}
			}

		case <-timeoutCh:
			d.log.Warn().Str("kind", inflight.kind.String()).Msg("response timeout")
			inflight.rch <- result{err: errors.Timeoutf("stick %s response", inflight.kind)}
			inflight = nil
			timeoutCh = nil
			cooldownCh = time.After(d.conf.CommandDelay)

		case <-cooldownCh:
			cooldownCh = nil
		}
	}
}

// route matches an inbound frame against the head request's expected
// kind. Kind mismatches are unsolicited traffic for the status path,
// never a failure.
func (d *Dispatcher) route(f Frame, inflight *request) (bool, result) {
	switch f.Command {
	case CmdEasyConfirm:
		if len(f.Payload) < 2 {
			d.log.Warn().Str("frame", f.Format()).Msg("short confirm")
			return false, result{}
		}
		if inflight == nil || inflight.kind != kindCheck {
			d.log.Debug().Str("frame", f.Format()).Msg("unsolicited confirm ignored")
			return false, result{}
		}
		return true, result{channels: BitmapToChannels(f.Payload[0], f.Payload[1])}

	case CmdEasyAck:
		if len(f.Payload) < 3 {
			d.log.Warn().Str("frame", f.Format()).Msg("short ack")
			return false, result{}
		}
		channel := BytesToChannel(f.Payload[0], f.Payload[1])
		if channel == 0 {
			d.log.Warn().Str("frame", f.Format()).Msg("ack without single channel")
		} else if d.conf.OnStatus != nil {
			d.conf.OnStatus(channel, f.Payload[2])
		}
		if inflight == nil || (inflight.kind != kindInfo && inflight.kind != kindSend) {
			// spontaneous status push
			return false, result{}
		}
		return true, result{}
	}
	d.log.Warn().Str("frame", f.Format()).Msg("unknown frame command")
	return false, result{}
}

// reader pumps raw bytes from the port into the run loop.
func (d *Dispatcher) reader() {
	defer d.alive.Done()
	stopCh := d.alive.StopChan()
	buf := make([]byte, 64)
	for d.alive.IsRunning() {
		n, err := d.port.ReadSome(buf)
		if err != nil {
			if !d.alive.IsRunning() {
				return
			}
			d.log.Error().Err(err).Msg("serial read failed")
			select {
			case <-stopCh:
				return
			case <-time.After(portReadTimeout):
			}
			continue
		}
		if n == 0 {
			continue
		}
		chunk := append([]byte(nil), buf[:n]...)
		select {
		case d.dataCh <- chunk:
		case <-stopCh:
			return
		}
	}
}
