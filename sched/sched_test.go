package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/nathan-osman/go-sunrise"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shutterbus/funkgw/stick"
)

type fakeCommander struct {
	lk    sync.Mutex
	calls []commandCall
	done  chan struct{}
}

type commandCall struct {
	channel int
	action  byte
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{done: make(chan struct{}, 16)}
}

func (f *fakeCommander) SendCommand(ctx context.Context, channel int, action byte) error {
	f.lk.Lock()
	f.calls = append(f.calls, commandCall{channel, action})
	f.lk.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeCommander) wait(t *testing.T) commandCall {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(time.Second):
		t.Fatal("no command fired")
	}
	f.lk.Lock()
	defer f.lk.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeCommander) count() int {
	f.lk.Lock()
	defer f.lk.Unlock()
	return len(f.calls)
}

func testScheduler(t *testing.T, root string) (*Scheduler, *fakeCommander) {
	t.Helper()
	cmd := newFakeCommander()
	s, err := New(zerolog.New(zerolog.NewTestWriter(t)), cmd, 52.52, 13.405, root)
	require.NoError(t, err)
	return s, cmd
}

func TestRuleValidation(t *testing.T) {
	t.Parallel()

	s, _ := testScheduler(t, "")

	_, err := s.Add(Rule{Channel: 1, Action: "top", Time: "07:30", Enable: true})
	require.NoError(t, err)

	for _, bad := range []Rule{
		{Channel: 0, Action: "top", Time: "07:30"},
		{Channel: 1, Action: "open", Time: "07:30"},
		{Channel: 1, Action: "top", Time: "25:00"},
		{Channel: 1, Action: "top", Time: "07:61"},
		{Channel: 1, Action: "top", Time: "noon"},
		{Channel: 1, Action: "top", Time: "07:30", OffsetMin: 10},
		{Channel: 1, Action: "top", Time: "sunset", Days: []string{"monday"}},
	} {
		_, err := s.Add(bad)
		require.Error(t, err, "%+v", bad)
		assert.True(t, errors.IsNotValid(errors.Cause(err)), "%+v err=%v", bad, err)
	}
}

func TestEvaluateFixedTime(t *testing.T) {
	t.Parallel()

	s, cmd := testScheduler(t, "")
	_, err := s.Add(Rule{Channel: 2, Action: "bottom", Time: "21:15", Days: []string{"fri"}, Enable: true})
	require.NoError(t, err)

	// 2026-01-02 is a Friday
	match := time.Date(2026, 1, 2, 21, 15, 30, 0, time.Local)
	s.evaluate(match)
	call := cmd.wait(t)
	assert.Equal(t, commandCall{2, stick.ActionBottom}, call)

	// wrong minute, wrong day, disabled rule: nothing fires
	s.evaluate(match.Add(time.Minute))
	s.evaluate(match.AddDate(0, 0, 1))
	rules := s.List()
	rules[0].Enable = false
	_, err = s.Update(rules[0].ID, rules[0])
	require.NoError(t, err)
	s.evaluate(match)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, cmd.count())
}

func TestEvaluateSunset(t *testing.T) {
	t.Parallel()

	s, cmd := testScheduler(t, "")
	_, err := s.Add(Rule{Channel: 4, Action: "tilt", Time: "sunset", OffsetMin: -30, Enable: true})
	require.NoError(t, err)

	day := time.Date(2026, 6, 21, 0, 0, 0, 0, time.UTC)
	_, set := sunrise.SunriseSunset(52.52, 13.405, day.Year(), day.Month(), day.Day())
	require.False(t, set.IsZero())

	at := set.Add(-30 * time.Minute)
	s.evaluate(at)
	call := cmd.wait(t)
	assert.Equal(t, commandCall{4, stick.ActionTilt}, call)

	s.evaluate(set) // sunset itself is 30 minutes off the rule
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, cmd.count())
}

func TestRuleCRUDPersist(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, _ := testScheduler(t, root)

	r1, err := s.Add(Rule{Channel: 1, Action: "top", Time: "07:00", Enable: true})
	require.NoError(t, err)
	r2, err := s.Add(Rule{Channel: 2, Action: "stop", Time: "sunset", Enable: false})
	require.NoError(t, err)
	require.NotEqual(t, r1.ID, r2.ID)

	require.NoError(t, s.Delete(r1.ID))
	err = s.Delete(r1.ID)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(errors.Cause(err)))

	_, err = s.Update(404, r2)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(errors.Cause(err)))

	again, _ := testScheduler(t, root)
	rules := again.List()
	require.Len(t, rules, 1)
	assert.Equal(t, r2.ID, rules[0].ID)
	assert.Equal(t, "sunset", rules[0].Time)

	// new IDs do not collide with persisted ones
	r3, err := again.Add(Rule{Channel: 3, Action: "top", Time: "08:00", Enable: true})
	require.NoError(t, err)
	assert.Greater(t, r3.ID, r2.ID)
}
