package recorder

import (
	"math"
	"time"

	"github.com/8ff/watchpost/pkg/frameBuffer"
	"github.com/8ff/watchpost/pkg/geometry"
)

// Detection is one detector hit in original frame coordinates.
type Detection struct {
	ClassID    int
	ClassName  string
	Confidence float32
	Box        geometry.Box
}

// Config holds the decision parameters of the state machine.
type Config struct {
	TargetClass     int
	MinConfidence   float32
	Region          geometry.Region
	Timeout         time.Duration
	TriggerFrames   int
	TriggerDistance float64
}

func DefaultConfig() Config {
	return Config{
		TargetClass:   0,
		MinConfidence: 0.6,
		Timeout:       30 * time.Second,
		TriggerFrames: 1,
	}
}

// Evidence is the frame with the largest qualifying box of a session.
type Evidence struct {
	Frame     frameBuffer.Frame
	Area      float64
	Detection Detection
}

// Session is one recording episode. ID, paths and the writer handle are filled in by the
// Recorder; Evaluate only touches the timing and evidence fields.
type Session struct {
	ID       string
	Start    time.Time
	First    Evidence
	Best     Evidence
	LastSeen time.Time
	Frames   int

	VideoPath string
	FirstPath string
	BestPath  string
}

// Trigger accumulates qualifying frames inside the current one second window.
type Trigger struct {
	WindowStart time.Time
	Frames      int
	Distance    float64
	last        geometry.Point
	hasLast     bool
}

// State is everything the state machine carries from one frame to the next. A nil
// Session means Idle.
type State struct {
	Session *Session
	Trigger Trigger
}

func (s State) Recording() bool {
	return s.Session != nil
}

type Action int

const (
	// Idle and nothing happened.
	ActionNone Action = iota
	// Idle → Recording.
	ActionStart
	// Recording continues, the frame belongs to the session.
	ActionAppend
	// Recording → Idle; the frame is not part of the session.
	ActionEnd
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionAppend:
		return "append"
	case ActionEnd:
		return "end"
	default:
		return "none"
	}
}

// Transition describes what the Recorder has to do for the evaluated frame.
type Transition struct {
	Action Action
	// Qualifying is the largest qualifying detection of the frame, if any.
	Qualifying *Detection
	// Improved is set when the frame replaced the session evidence.
	Improved bool
	// Ended is the finished session. It is set for ActionEnd, and for ActionStart when
	// the frame both timed out the old session and triggered a new one.
	Ended *Session
	// FailedTrigger is set when a debounce window expired without starting a session.
	FailedTrigger *Trigger
}

// Qualifies reports whether d is the target class, confident enough and centered inside
// the region for a frame of w×h.
func (c Config) Qualifies(d Detection, w, h int) bool {
	if d.ClassID != c.TargetClass || d.Confidence < c.MinConfidence {
		return false
	}
	return c.Region.Contains(d.Box.Center(), w, h)
}

// Best returns the qualifying detection with the largest area, first one on ties.
func (c Config) Best(dets []Detection, w, h int) (Detection, bool) {
	var best Detection
	found := false
	for _, d := range dets {
		if !c.Qualifies(d, w, h) {
			continue
		}
		if !found || d.Box.Area() > best.Box.Area() {
			best = d
			found = true
		}
	}
	return best, found
}

// Evaluate is the pure per frame step. It never performs I/O; the returned Transition
// tells the caller which effects to apply. The input state is not modified.
func Evaluate(cfg Config, st State, f frameBuffer.Frame, dets []Detection) (State, Transition) {
	next := State{Trigger: st.Trigger}
	tr := Transition{Action: ActionNone}

	w, h := f.Size()
	det, ok := cfg.Best(dets, w, h)
	if ok {
		tr.Qualifying = &det
	}

	if st.Session == nil {
		return evaluateIdle(cfg, next, tr, f, det, ok)
	}

	sess := *st.Session
	next.Trigger = Trigger{}

	if timedOut(cfg, sess.LastSeen, f.Time) {
		// A qualifying frame after the timeout opens a new session instead of extending
		// the old one.
		next, tr = evaluateIdle(cfg, State{}, tr, f, det, ok)
		tr.Ended = &sess
		if tr.Action == ActionNone {
			tr.Action = ActionEnd
		}
		return next, tr
	}

	if ok {
		area := det.Box.Area()
		if area > sess.Best.Area {
			sess.Best = Evidence{Frame: f, Area: area, Detection: det}
			tr.Improved = true
		}
		sess.LastSeen = f.Time
		sess.Frames++
		next.Session = &sess
		tr.Action = ActionAppend
		return next, tr
	}

	sess.Frames++
	next.Session = &sess
	tr.Action = ActionAppend
	return next, tr
}

// Expire closes the session when the timeout has elapsed at now even though no frame
// arrived. It lets a session end during a stream outage.
func Expire(cfg Config, st State, now time.Time) (State, Transition) {
	if st.Session == nil || !timedOut(cfg, st.Session.LastSeen, now) {
		return st, Transition{Action: ActionNone}
	}
	sess := *st.Session
	return State{}, Transition{Action: ActionEnd, Ended: &sess}
}

func timedOut(cfg Config, lastSeen, now time.Time) bool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return now.Sub(lastSeen) >= timeout
}

func evaluateIdle(cfg Config, next State, tr Transition, f frameBuffer.Frame, det Detection, ok bool) (State, Transition) {
	trig := next.Trigger
	if !trig.WindowStart.IsZero() && f.Time.Sub(trig.WindowStart) >= time.Second {
		if trig.Frames > 0 {
			failed := trig
			tr.FailedTrigger = &failed
		}
		trig = Trigger{}
	}
	if trig.WindowStart.IsZero() {
		trig.WindowStart = f.Time
	}

	if !ok {
		next.Trigger = trig
		return next, tr
	}

	c := det.Box.Center()
	trig.Frames++
	if trig.hasLast {
		trig.Distance += math.Hypot(c.X-trig.last.X, c.Y-trig.last.Y)
	}
	trig.last = c
	trig.hasLast = true

	if !triggered(cfg, trig) {
		next.Trigger = trig
		return next, tr
	}

	ev := Evidence{Frame: f, Area: det.Box.Area(), Detection: det}
	next.Session = &Session{
		Start:    f.Time,
		First:    ev,
		Best:     ev,
		LastSeen: f.Time,
		Frames:   1,
	}
	next.Trigger = Trigger{}
	tr.Action = ActionStart
	tr.FailedTrigger = nil
	return next, tr
}

func triggered(cfg Config, t Trigger) bool {
	need := cfg.TriggerFrames
	if need < 1 {
		need = 1
	}
	if t.Frames < need {
		return false
	}
	return cfg.TriggerDistance <= 0 || t.Distance > cfg.TriggerDistance
}
