// Package notify runs lifecycle hook scripts and fans events out to webhook, Slack, MQTT
// and websocket subscribers. Nothing in here ever blocks the caller on the receiving end.
package notify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Hook int

const (
	HookStart Hook = iota
	HookEnd
	HookRollover
)

// Script is the file name the hook is looked up under.
func (h Hook) Script() string {
	switch h {
	case HookStart:
		return "notify_start_person.sh"
	case HookEnd:
		return "notify_end_person.sh"
	case HookRollover:
		return "notify_timelapse_rollover.sh"
	default:
		return ""
	}
}

func (h Hook) String() string {
	switch h {
	case HookStart:
		return "start"
	case HookEnd:
		return "end"
	case HookRollover:
		return "rollover"
	default:
		return fmt.Sprintf("hook(%d)", int(h))
	}
}

// Hooks records which hook scripts were present at startup. It is computed once and
// never refreshed; adding a script requires a restart.
type Hooks struct {
	Dir      string
	Start    bool
	End      bool
	Rollover bool
}

// ProbeHooks looks for the three hook scripts in dir.
func ProbeHooks(dir string) Hooks {
	if dir == "" {
		dir = "."
	}
	return Hooks{
		Dir:      dir,
		Start:    executable(filepath.Join(dir, HookStart.Script())),
		End:      executable(filepath.Join(dir, HookEnd.Script())),
		Rollover: executable(filepath.Join(dir, HookRollover.Script())),
	}
}

func executable(path string) bool {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return false
	}
	return st.Mode().Perm()&0o111 != 0
}

func (h Hooks) Available(hook Hook) bool {
	switch hook {
	case HookStart:
		return h.Start
	case HookEnd:
		return h.End
	case HookRollover:
		return h.Rollover
	default:
		return false
	}
}

func (h Hooks) Path(hook Hook) string {
	return filepath.Join(h.Dir, hook.Script())
}

// Runner executes one hook script with its arguments.
type Runner func(ctx context.Context, path string, args ...string) error

// ExecRunner runs the script as a child process and reports a non-zero exit together
// with whatever the script printed.
func ExecRunner(ctx context.Context, path string, args ...string) error {
	cmd := exec.CommandContext(ctx, path, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", filepath.Base(path), err, strings.TrimSpace(string(out)))
	}
	return nil
}

const hookTimeout = 2 * time.Minute

// Dispatcher invokes hooks fire-and-forget. Missing hooks are skipped without any
// attempt; failures are logged and otherwise ignored.
type Dispatcher struct {
	hooks Hooks
	run   Runner
	log   *zerolog.Logger

	wg       sync.WaitGroup
	attempts atomic.Uint64
	failures atomic.Uint64
}

func NewDispatcher(hooks Hooks, run Runner, log *zerolog.Logger) *Dispatcher {
	if run == nil {
		run = ExecRunner
	}
	return &Dispatcher{hooks: hooks, run: run, log: log}
}

func (d *Dispatcher) Hooks() Hooks {
	return d.hooks
}

// Invoke starts hook with args on its own goroutine and returns immediately.
func (d *Dispatcher) Invoke(hook Hook, args ...string) {
	if !d.hooks.Available(hook) {
		d.log.Debug().Str("hook", hook.String()).Msg("hook not installed, skipping")
		return
	}
	d.attempts.Add(1)
	path := d.hooks.Path(hook)
	d.log.Info().Str("hook", hook.String()).Strs("args", args).Msgf("calling '%s'", hook.Script())

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		if err := d.run(ctx, path, args...); err != nil {
			d.failures.Add(1)
			d.log.Error().Err(err).Str("hook", hook.String()).Msg("hook failed")
		}
	}()
}

// Attempts counts hook processes started since the dispatcher was created.
func (d *Dispatcher) Attempts() uint64 {
	return d.attempts.Load()
}

func (d *Dispatcher) Failures() uint64 {
	return d.failures.Load()
}

// Wait blocks until all started hooks have returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
