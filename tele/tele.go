// Package tele bridges the gateway to an MQTT broker: channel status
// out, commands in.
//
// Contract:
//   - Init fails only on invalid config; broker reachability is
//     handled by the client's auto-reconnect.
//   - Status messages are retained so late subscribers see the last
//     known state.
//   - Close publishes the offline will payload and disconnects.
package tele

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/temoto/alive/v2"

	"github.com/shutterbus/funkgw/state"
	"github.com/shutterbus/funkgw/stick"
)

const (
	networkTimeout = 30 * time.Second
	commandTimeout = time.Minute
	qosAtLeastOnce = 1
)

type Config struct {
	Enable   bool
	Broker   string
	Prefix   string
	Username string
	Password string
}

// Commander is the dispatcher surface driven by inbound commands.
type Commander interface {
	SendCommand(ctx context.Context, channel int, action byte) error
}

type Tele struct {
	log    zerolog.Logger
	alive  *alive.Alive
	conf   Config
	cmd    Commander
	store  *state.Store
	m      mqtt.Client
	subID  int
	events <-chan state.ChannelStatus

	topicOnline string
	topicStatus string // + /<channel>
	topicCmd    string // subscription pattern
}

func New(log zerolog.Logger, conf Config, cmd Commander, store *state.Store) *Tele {
	return &Tele{
		log:   log,
		alive: alive.NewAlive(),
		conf:  conf,
		cmd:   cmd,
		store: store,
	}
}

// Init connects and starts the status pump. A disabled Tele is a
// no-op.
func (t *Tele) Init() error {
	if !t.conf.Enable {
		return nil
	}
	if t.conf.Broker == "" {
		return errors.Errorf("tele: broker required")
	}
	prefix := strings.TrimSuffix(t.conf.Prefix, "/")
	t.topicOnline = prefix + "/online"
	t.topicStatus = prefix + "/status"
	t.topicCmd = prefix + "/cmd/+"

	opts := mqtt.NewClientOptions().
		AddBroker(t.conf.Broker).
		SetClientID(strings.ReplaceAll(prefix, "/", "-")).
		SetAutoReconnect(true).
		SetBinaryWill(t.topicOnline, []byte("0"), qosAtLeastOnce, true).
		SetConnectTimeout(networkTimeout).
		SetKeepAlive(networkTimeout / 2).
		SetPingTimeout(networkTimeout).
		SetWriteTimeout(networkTimeout).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnect)
	if t.conf.Username != "" {
		opts = opts.SetUsername(t.conf.Username).SetPassword(t.conf.Password)
	}
	t.m = mqtt.NewClient(opts)

	if tok := t.m.Connect(); tok.Wait() && tok.Error() != nil {
		return errors.Annotate(tok.Error(), "tele connect")
	}

	if !t.alive.Add(1) {
		return errors.Errorf("tele: already stopped")
	}
	t.subID, t.events = t.store.Subscribe()
	go t.pump()
	return nil
}

func (t *Tele) Close() {
	if t.m == nil {
		return
	}
	t.alive.Stop()
	t.store.Unsubscribe(t.subID)
	t.alive.Wait()
	t.publish(t.topicOnline, []byte("0"))
	t.m.Disconnect(uint(networkTimeout.Milliseconds() / 100))
}

// onConnect runs on every (re)connect: announce and (re)subscribe.
func (t *Tele) onConnect(m mqtt.Client) {
	t.log.Info().Str("broker", t.conf.Broker).Msg("tele: connected")
	t.publish(t.topicOnline, []byte("1"))
	if tok := m.Subscribe(t.topicCmd, qosAtLeastOnce, t.onCommand); tok.Wait() && tok.Error() != nil {
		t.log.Error().Err(tok.Error()).Msg("tele: subscribe failed")
	}
}

// onCommand handles <prefix>/cmd/<channel> with an action name
// payload.
func (t *Tele) onCommand(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	channel, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || !stick.ValidChannel(channel) {
		t.log.Warn().Str("topic", msg.Topic()).Msg("tele: bad command channel")
		return
	}
	action, err := stick.ActionByName(strings.TrimSpace(string(msg.Payload())))
	if err != nil {
		t.log.Warn().Str("topic", msg.Topic()).Str("payload", string(msg.Payload())).Msg("tele: bad command action")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := t.cmd.SendCommand(ctx, channel, action); err != nil {
			t.log.Error().Err(err).Int("channel", channel).Msg("tele: command failed")
		}
	}()
}

func (t *Tele) pump() {
	defer t.alive.Done()
	stopCh := t.alive.StopChan()
	for {
		select {
		case <-stopCh:
			return
		case ev, ok := <-t.events:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				t.log.Error().Err(err).Msg("tele: status encode")
				continue
			}
			t.publish(fmt.Sprintf("%s/%d", t.topicStatus, ev.Channel), b)
		}
	}
}

func (t *Tele) publish(topic string, payload []byte) {
	tok := t.m.Publish(topic, qosAtLeastOnce, true, payload)
	if tok.WaitTimeout(networkTimeout) && tok.Error() != nil {
		t.log.Error().Err(tok.Error()).Str("topic", topic).Msg("tele: publish failed")
	}
}
