// Package sched fires stick commands on time-of-day and sunrise or
// sunset rules, evaluated once a minute.
package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/nathan-osman/go-sunrise"
	"github.com/rs/zerolog"
	"github.com/temoto/alive/v2"
	"github.com/temoto/extremofile"

	"github.com/shutterbus/funkgw/stick"
)

// Commander is the dispatcher surface the scheduler needs.
type Commander interface {
	SendCommand(ctx context.Context, channel int, action byte) error
}

// Rule fires one action on one channel. Time is "HH:MM", "sunrise" or
// "sunset"; sun times take a signed minute offset. Empty Days means
// every day.
type Rule struct {
	ID        int      `json:"id"`
	Name      string   `json:"name,omitempty"`
	Channel   int      `json:"channel"`
	Action    string   `json:"action"`
	Time      string   `json:"time"`
	OffsetMin int      `json:"offset_min,omitempty"`
	Days      []string `json:"days,omitempty"`
	Enable    bool     `json:"enable"`
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func (r *Rule) validate() error {
	if !stick.ValidChannel(r.Channel) {
		return errors.NotValidf("rule channel %d", r.Channel)
	}
	if _, err := stick.ActionByName(r.Action); err != nil {
		return errors.Trace(err)
	}
	switch r.Time {
	case "sunrise", "sunset":
	default:
		if _, _, err := parseClock(r.Time); err != nil {
			return errors.Trace(err)
		}
		if r.OffsetMin != 0 {
			return errors.NotValidf("offset with fixed time")
		}
	}
	for _, d := range r.Days {
		if _, ok := dayNames[strings.ToLower(d)]; !ok {
			return errors.NotValidf("day %q", d)
		}
	}
	return nil
}

func (r *Rule) matchesDay(d time.Weekday) bool {
	if len(r.Days) == 0 {
		return true
	}
	for _, name := range r.Days {
		if dayNames[strings.ToLower(name)] == d {
			return true
		}
	}
	return false
}

func parseClock(s string) (hh, mm int, err error) {
	if _, err = fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, 0, errors.NotValidf("time %q", s)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, 0, errors.NotValidf("time %q", s)
	}
	return hh, mm, nil
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

type Scheduler struct {
	lk      sync.Mutex
	log     zerolog.Logger
	alive   *alive.Alive
	cmd     Commander
	lat     float64
	lon     float64
	rules   []Rule
	nextID  int
	storage storage
	now     func() time.Time
}

func New(log zerolog.Logger, cmd Commander, lat, lon float64, persistRoot string) (*Scheduler, error) {
	s := &Scheduler{
		log:    log,
		alive:  alive.NewAlive(),
		cmd:    cmd,
		lat:    lat,
		lon:    lon,
		nextID: 1,
		now:    time.Now,
	}
	if persistRoot != "" {
		s.storage = extremofile.New(extremofile.Config{
			Dir:      filepath.Join(persistRoot, "schedules"),
			DirPerm:  0755,
			FilePerm: 0644,
		})
		if err := s.load(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return s, nil
}

func (s *Scheduler) load() error {
	b, err := s.storage.Read()
	if b == nil {
		s.log.Debug().Err(err).Msg("sched: no persisted rules")
		return nil
	}
	if err != nil {
		s.log.Error().Err(err).Msg("sched: ignore non-critical read error")
	}
	var rules []Rule
	if err = json.Unmarshal(b, &rules); err != nil {
		return errors.Annotate(err, "sched load")
	}
	s.rules = rules
	for _, r := range rules {
		if r.ID >= s.nextID {
			s.nextID = r.ID + 1
		}
	}
	return nil
}

func (s *Scheduler) persistLocked() {
	if s.storage == nil {
		return
	}
	b, err := json.Marshal(s.rules)
	if err == nil {
		_, err = s.storage.Write(b)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("sched: persist failed")
	}
}

func (s *Scheduler) List() []Rule {
	s.lk.Lock()
	defer s.lk.Unlock()
	return append([]Rule(nil), s.rules...)
}

func (s *Scheduler) Add(r Rule) (Rule, error) {
	if err := r.validate(); err != nil {
		return Rule{}, errors.Trace(err)
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	r.ID = s.nextID
	s.nextID++
	s.rules = append(s.rules, r)
	s.persistLocked()
	return r, nil
}

func (s *Scheduler) Update(id int, r Rule) (Rule, error) {
	if err := r.validate(); err != nil {
		return Rule{}, errors.Trace(err)
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == id {
			r.ID = id
			s.rules[i] = r
			s.persistLocked()
			return r, nil
		}
	}
	return Rule{}, errors.NotFoundf("rule %d", id)
}

func (s *Scheduler) Delete(id int) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			s.persistLocked()
			return nil
		}
	}
	return errors.NotFoundf("rule %d", id)
}

func (s *Scheduler) Start() error {
	if !s.alive.Add(1) {
		return errors.Errorf("sched: already stopped")
	}
	go s.worker()
	return nil
}

func (s *Scheduler) Stop() {
	s.alive.Stop()
	s.alive.Wait()
}

func (s *Scheduler) worker() {
	defer s.alive.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	stopCh := s.alive.StopChan()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.evaluate(s.now())
		}
	}
}

// evaluate fires every enabled rule matching the current minute. Rules
// run in their own goroutine: the dispatcher serializes them anyway and
// a slow stick must not stall the tick.
func (s *Scheduler) evaluate(now time.Time) {
	s.lk.Lock()
	rules := append([]Rule(nil), s.rules...)
	s.lk.Unlock()

	for _, r := range rules {
		if !r.Enable || !r.matchesDay(now.Weekday()) {
			continue
		}
		at, ok := s.ruleTime(r, now)
		if !ok {
			continue
		}
		if at.Hour() != now.Hour() || at.Minute() != now.Minute() {
			continue
		}
		action, err := stick.ActionByName(r.Action)
		if err != nil {
			s.log.Error().Err(err).Int("rule", r.ID).Msg("sched: bad action")
			continue
		}
		s.log.Info().Int("rule", r.ID).Int("channel", r.Channel).Str("action", r.Action).Msg("sched: fire")
		go func(r Rule) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := s.cmd.SendCommand(ctx, r.Channel, action); err != nil {
				s.log.Error().Err(err).Int("rule", r.ID).Msg("sched: command failed")
			}
		}(r)
	}
}

func (s *Scheduler) ruleTime(r Rule, now time.Time) (time.Time, bool) {
	switch r.Time {
	case "sunrise", "sunset":
		rise, set := sunrise.SunriseSunset(s.lat, s.lon, now.Year(), now.Month(), now.Day())
		at := rise
		if r.Time == "sunset" {
			at = set
		}
		if at.IsZero() {
			// polar day or night, no event today
			return time.Time{}, false
		}
		return at.In(now.Location()).Add(time.Duration(r.OffsetMin) * time.Minute), true
	default:
		hh, mm, err := parseClock(r.Time)
		if err != nil {
			return time.Time{}, false
		}
		return time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location()), true
	}
}
