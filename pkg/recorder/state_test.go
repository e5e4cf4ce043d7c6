package recorder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/8ff/watchpost/pkg/geometry"
)

func TestEvaluateDoesNotMutateInput(t *testing.T) {
	cfg := DefaultConfig()
	st, tr := Evaluate(cfg, State{}, frameAt(0), []Detection{person(10)})
	require.Equal(t, ActionStart, tr.Action)
	before := *st.Session

	next, tr := Evaluate(cfg, st, frameAt(1), []Detection{person(50)})
	assert.Equal(t, ActionAppend, tr.Action)
	assert.True(t, tr.Improved)
	assert.Equal(t, before, *st.Session, "previous state untouched")
	assert.Equal(t, 50.0, next.Session.Best.Area)
	assert.Equal(t, 10.0, next.Session.First.Area)
}

func TestEvaluateTimeoutFrameNotPartOfSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 2 * time.Second

	st, _ := Evaluate(cfg, State{}, frameAt(0), []Detection{person(10)})
	var tr Transition
	for seq := uint64(1); seq < 20; seq++ {
		st, tr = Evaluate(cfg, st, frameAt(seq), nil)
		require.Equal(t, ActionAppend, tr.Action)
	}

	st, tr = Evaluate(cfg, st, frameAt(20), nil)
	assert.Equal(t, ActionEnd, tr.Action)
	require.NotNil(t, tr.Ended)
	assert.Equal(t, 20, tr.Ended.Frames, "frames 0..19")
	assert.False(t, st.Recording())
}

func TestEvaluatePicksLargestQualifyingDetection(t *testing.T) {
	cfg := DefaultConfig()
	outside := Detection{ClassID: 0, Confidence: 0.99, Box: geometry.Box{X1: 0, Y1: 0, X2: 70, Y2: 479}}
	dets := []Detection{person(10), outside, person(40), person(40)}

	_, tr := Evaluate(cfg, State{}, frameAt(0), dets)
	require.NotNil(t, tr.Qualifying)
	assert.Equal(t, 40.0, tr.Qualifying.Box.Area())
}

func TestTriggerDebounceFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TriggerFrames = 3

	st := State{}
	var tr Transition
	for seq := uint64(0); seq < 2; seq++ {
		st, tr = Evaluate(cfg, st, frameAt(seq), []Detection{person(10)})
		assert.Equal(t, ActionNone, tr.Action)
	}
	st, tr = Evaluate(cfg, st, frameAt(2), []Detection{person(10)})
	assert.Equal(t, ActionStart, tr.Action)
	assert.True(t, st.Recording())
}

func TestTriggerWindowResetsEverySecond(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TriggerFrames = 2

	st, tr := Evaluate(cfg, State{}, frameAt(0), []Detection{person(10)})
	assert.Equal(t, ActionNone, tr.Action)

	// next qualifying frame is 1.5s later, the window already expired
	st, tr = Evaluate(cfg, st, frameAt(15), []Detection{person(10)})
	assert.Equal(t, ActionNone, tr.Action)
	require.NotNil(t, tr.FailedTrigger)
	assert.Equal(t, 1, tr.FailedTrigger.Frames)
	assert.Equal(t, 1, st.Trigger.Frames)

	_, tr = Evaluate(cfg, st, frameAt(16), []Detection{person(10)})
	assert.Equal(t, ActionStart, tr.Action)
}

func TestTriggerDebounceDistance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TriggerFrames = 1
	cfg.TriggerDistance = 15

	at := func(x float64) Detection {
		d := person(0)
		d.Box = geometry.Box{X1: x - 5, Y1: 235, X2: x + 5, Y2: 245}
		return d
	}

	st, tr := Evaluate(cfg, State{}, frameAt(0), []Detection{at(300)})
	assert.Equal(t, ActionNone, tr.Action, "no travel yet")
	st, tr = Evaluate(cfg, st, frameAt(1), []Detection{at(310)})
	assert.Equal(t, ActionNone, tr.Action)
	assert.InDelta(t, 10, st.Trigger.Distance, 1e-9)
	_, tr = Evaluate(cfg, st, frameAt(2), []Detection{at(320)})
	assert.Equal(t, ActionStart, tr.Action)
}

func TestExpire(t *testing.T) {
	cfg := DefaultConfig()
	st, _ := Evaluate(cfg, State{}, frameAt(0), []Detection{person(10)})

	same, tr := Expire(cfg, st, epoch.Add(29*time.Second))
	assert.Equal(t, ActionNone, tr.Action)
	assert.True(t, same.Recording())

	idle, tr := Expire(cfg, st, epoch.Add(30*time.Second))
	assert.Equal(t, ActionEnd, tr.Action)
	assert.False(t, idle.Recording())

	_, tr = Expire(cfg, State{}, epoch.Add(time.Hour))
	assert.Equal(t, ActionNone, tr.Action)
}

func TestQualifyingFrameAfterTimeoutStartsNewSession(t *testing.T) {
	cfg := DefaultConfig()
	st, _ := Evaluate(cfg, State{}, frameAt(0), []Detection{person(10)})
	st, _ = Evaluate(cfg, st, frameAt(1), nil)

	// no frames for 40s, then a qualifying one
	next, tr := Evaluate(cfg, st, frameAt(400), []Detection{person(30)})
	assert.Equal(t, ActionStart, tr.Action)
	require.NotNil(t, tr.Ended)
	assert.Equal(t, 2, tr.Ended.Frames)
	assert.Equal(t, epoch, tr.Ended.Start)

	require.True(t, next.Recording())
	assert.Equal(t, frameAt(400).Time, next.Session.Start)
	assert.Equal(t, 30.0, next.Session.First.Area)
}
