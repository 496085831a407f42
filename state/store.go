package state

import (
	"encoding/json"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/temoto/extremofile"

	"github.com/shutterbus/funkgw/stick"
)

// ChannelStatus is the store record for one receiver channel, also the
// event payload published to subscribers.
type ChannelStatus struct {
	Channel   int              `json:"channel"`
	Name      string           `json:"name,omitempty"`
	Kind      stick.DeviceKind `json:"kind"`
	Learned   bool             `json:"learned"`
	RawStatus byte             `json:"raw_status"`
	Status    stick.StatusCode `json:"status"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Store keeps per-channel status, fans out change events and persists
// the operator-configured part (names, device kinds) across restarts.
// Status bytes are runtime-only: the hardware re-sends them.
type Store struct {
	lk       sync.Mutex
	log      zerolog.Logger
	channels map[int]*ChannelStatus
	subs     map[int]chan ChannelStatus
	nextSub  int
	storage  storage
	now      func() time.Time
}

const subBuffer = 16

type persistChannel struct {
	Name string           `json:"name,omitempty"`
	Kind stick.DeviceKind `json:"kind,omitempty"`
}

func NewStore(log zerolog.Logger, persistRoot string) (*Store, error) {
	s := &Store{
		log:      log,
		channels: make(map[int]*ChannelStatus),
		subs:     make(map[int]chan ChannelStatus),
		now:      time.Now,
	}
	if persistRoot != "" {
		s.storage = extremofile.New(extremofile.Config{
			Dir:      filepath.Join(persistRoot, "channels"),
			DirPerm:  0755,
			FilePerm: 0644,
		})
		if err := s.load(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := s.storage.Read()
	if b == nil {
		// first run
		s.log.Debug().Err(err).Msg("store: no persisted channels")
		return nil
	}
	if err != nil {
		s.log.Error().Err(err).Msg("store: ignore non-critical read error")
	}
	saved := make(map[string]persistChannel)
	if err = json.Unmarshal(b, &saved); err != nil {
		return errors.Annotate(err, "store load")
	}
	for key, pc := range saved {
		channel, err := strconv.Atoi(key)
		if err != nil || !stick.ValidChannel(channel) {
			s.log.Warn().Str("channel", key).Msg("store: drop invalid persisted channel")
			continue
		}
		cs := s.ensure(channel)
		cs.Name = pc.Name
		if pc.Kind.Valid() {
			cs.Kind = pc.Kind
		}
		cs.Status = stick.DecodeStatus(cs.Kind, cs.RawStatus)
	}
	return nil
}

// persistLocked writes names and kinds; caller holds lk.
func (s *Store) persistLocked() {
	if s.storage == nil {
		return
	}
	saved := make(map[string]persistChannel, len(s.channels))
	for channel, cs := range s.channels {
		if cs.Name == "" && cs.Kind == stick.DeviceDrive {
			continue
		}
		saved[strconv.Itoa(channel)] = persistChannel{Name: cs.Name, Kind: cs.Kind}
	}
	b, err := json.Marshal(saved)
	if err == nil {
		_, err = s.storage.Write(b)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("store: persist failed")
	}
}

// ensure returns the record for channel, creating a default drive
// record; caller holds lk.
func (s *Store) ensure(channel int) *ChannelStatus {
	cs, ok := s.channels[channel]
	if !ok {
		cs = &ChannelStatus{
			Channel: channel,
			Kind:    stick.DeviceDrive,
			Status:  stick.StatusUnknown,
		}
		s.channels[channel] = cs
	}
	return cs
}

// SetStatus records a decoded ack. Safe from the dispatcher loop: the
// fan-out never blocks.
func (s *Store) SetStatus(channel int, raw byte) {
	if !stick.ValidChannel(channel) {
		return
	}
	s.lk.Lock()
	cs := s.ensure(channel)
	cs.RawStatus = raw
	cs.Status = stick.DecodeStatus(cs.Kind, raw)
	cs.UpdatedAt = s.now()
	ev := *cs
	s.lk.Unlock()
	s.publish(ev)
}

// SetLearned replaces the learned-channel set with a check result.
func (s *Store) SetLearned(channels []int) {
	learned := make(map[int]bool, len(channels))
	for _, c := range channels {
		learned[c] = true
	}
	s.lk.Lock()
	var evs []ChannelStatus
	for _, c := range channels {
		cs := s.ensure(c)
		if !cs.Learned {
			cs.Learned = true
			cs.UpdatedAt = s.now()
			evs = append(evs, *cs)
		}
	}
	for c, cs := range s.channels {
		if cs.Learned && !learned[c] {
			cs.Learned = false
			cs.UpdatedAt = s.now()
			evs = append(evs, *cs)
		}
	}
	s.lk.Unlock()
	for _, ev := range evs {
		s.publish(ev)
	}
}

func (s *Store) Rename(channel int, name string, kind stick.DeviceKind) error {
	if !stick.ValidChannel(channel) {
		return errors.NotValidf("channel %d", channel)
	}
	if kind != "" && !kind.Valid() {
		return errors.NotValidf("device kind %q", kind)
	}
	s.lk.Lock()
	cs := s.ensure(channel)
	cs.Name = name
	if kind != "" {
		cs.Kind = kind
		cs.Status = stick.DecodeStatus(kind, cs.RawStatus)
	}
	cs.UpdatedAt = s.now()
	ev := *cs
	s.persistLocked()
	s.lk.Unlock()
	s.publish(ev)
	return nil
}

func (s *Store) Get(channel int) (ChannelStatus, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	cs, ok := s.channels[channel]
	if !ok {
		return ChannelStatus{}, false
	}
	return *cs, true
}

func (s *Store) Snapshot() []ChannelStatus {
	s.lk.Lock()
	out := make([]ChannelStatus, 0, len(s.channels))
	for _, cs := range s.channels {
		out = append(out, *cs)
	}
	s.lk.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Subscribe returns a buffered event channel. A slow consumer loses
// oldest events instead of stalling publishers.
func (s *Store) Subscribe() (int, <-chan ChannelStatus) {
	s.lk.Lock()
	defer s.lk.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan ChannelStatus, subBuffer)
	s.subs[id] = ch
	return id, ch
}

func (s *Store) Unsubscribe(id int) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Store) publish(ev ChannelStatus) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// full: discard one oldest event, then retry once
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
			s.log.Warn().Int("sub", id).Msg("store: subscriber overflow, event dropped")
		}
	}
}
