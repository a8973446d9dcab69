package daemon

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/loykin/kerneld/internal/kernel"
)

// relay drains one execution's events and republishes them in order. It
// ends when the execution closes its channel, signalling the actor, or when
// its context is cancelled by a stop.
type relay struct {
	rec     *Record
	exec    kernel.Execution
	publish func(kernel.Event)
	stdout  io.WriteCloser
	stderr  io.WriteCloser
	logger  *slog.Logger
	done    chan struct{}
}

func (r *relay) run(ctx context.Context) {
	defer close(r.done)
	defer r.closeTranscripts()

	var last kernel.Event
	events := r.exec.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				r.signalEnd(ctx, last)
				return
			}
			last = ev
			r.tee(ev)
			r.publish(ev)
		}
	}
}

// signalEnd reports the natural end of execution to the actor. A concurrent
// stop cancels ctx, so the send never blocks a stop waiting on this relay.
func (r *relay) signalEnd(ctx context.Context, last kernel.Event) {
	cmd := command{kind: cmdFinish}
	if err := r.exec.Err(); err != nil {
		cmd.failed = true
		cmd.reason = err.Error()
		cmd.cause = err
	} else if last.Stream == kernel.StreamError {
		cmd.failed = true
		cmd.reason = ReasonScriptError
		if line := lastLine(last.Text); line != "" {
			cmd.reason += ": " + line
		}
		cmd.cause = scriptError(cmd.reason)
	}
	select {
	case r.rec.cmds <- cmd:
	case <-ctx.Done():
	case <-r.rec.done:
	}
}

func (r *relay) tee(ev kernel.Event) {
	w := r.stdout
	if ev.Stream != kernel.StreamStdout {
		w = r.stderr
	}
	if w == nil {
		return
	}
	if _, err := io.WriteString(w, ev.Text); err != nil {
		r.logger.Debug("transcript write failed", "error", err)
	}
}

func (r *relay) closeTranscripts() {
	for _, w := range []io.WriteCloser{r.stdout, r.stderr} {
		if w != nil {
			_ = w.Close()
		}
	}
}

type scriptError string

func (e scriptError) Error() string { return string(e) }

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// lastLine returns the final non-empty line of a traceback without terminal colors.
func lastLine(text string) string {
	lines := strings.Split(ansiEscape.ReplaceAllString(text, ""), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
