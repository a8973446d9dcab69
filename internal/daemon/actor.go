package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/kerneld/internal/history"
	"github.com/loykin/kerneld/internal/kernel"
	"github.com/loykin/kerneld/internal/metrics"
)

type commandKind int

const (
	cmdStop commandKind = iota
	cmdTimeout
	cmdFinish
)

type command struct {
	kind   commandKind
	reason string
	// cmdFinish only
	failed bool
	cause  error
	reply  chan result
}

type result struct {
	transitioned bool
	err          error
}

// send delivers cmd to the record's actor and waits for the outcome. A record
// whose actor already exited is terminal, which makes the command a no-op.
func (r *Record) send(ctx context.Context, cmd command) (bool, error) {
	cmd.reply = make(chan result, 1)
	select {
	case r.cmds <- cmd:
	case <-r.done:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res.transitioned, res.err
	case <-r.done:
		// the actor may have replied just before exiting
		select {
		case res := <-cmd.reply:
			return res.transitioned, res.err
		default:
			return false, nil
		}
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// post delivers cmd without waiting for the outcome.
func (r *Record) post(cmd command) {
	select {
	case r.cmds <- cmd:
	case <-r.done:
	}
}

// run is the record's single writer: stop requests, the watchdog and the
// relay's end signal are applied one at a time, and the first one to arrive
// decides the terminal state.
func (m *Manager) run(rec *Record) {
	defer close(rec.done)
	for {
		cmd := <-rec.cmds
		res := m.terminate(rec, cmd)
		if cmd.reply != nil {
			cmd.reply <- res
		}
		if rec.State().Terminal() {
			return
		}
	}
}

func (m *Manager) terminate(rec *Record, cmd command) result {
	if rec.State().Terminal() {
		return result{}
	}
	log := m.logger.With("daemon_id", rec.ID, "owner_id", rec.OwnerID, "chat_id", rec.ChatID)

	final, reason, evType := StateStopped, cmd.reason, history.EventStop
	switch cmd.kind {
	case cmdTimeout:
		evType = history.EventTimeout
	case cmdFinish:
		final, evType = StateCompleted, history.EventComplete
		if cmd.failed {
			final, evType = StateError, history.EventError
			rec.setFault(&ExecutionFault{DaemonID: rec.ID, Cause: cmd.cause})
		}
	}

	if cmd.kind != cmdFinish {
		m.setState(rec, StateStopping, "")
	}
	rec.watchdog.Stop()
	// no output may follow the terminal status
	rec.relayCancel()
	<-rec.relay.done

	if cmd.kind == cmdTimeout {
		secs := int64(rec.MaxRuntime / time.Second)
		m.publishOutput(rec, string(kernel.StreamStderr),
			fmt.Sprintf("\nBackground script exceeded max runtime (%ds). Stopping.", secs))
	}

	var out result
	if fault := m.releaseKernel(rec, cmd.kind != cmdFinish); fault != nil {
		metrics.IncTeardownFailure()
		log.Error("kernel teardown failed", "kernel_id", rec.KernelID, "error", fault)
		rec.setFault(fault)
		final, reason, evType = StateError, fault.Error(), history.EventError
		out.err = fault
	}
	if rec.SessionID != "" && m.sessions != nil {
		m.sessions.Unregister(rec.SessionID)
	}

	m.setState(rec, final, reason)
	out.transitioned = true
	m.publishStatus(rec, final, reason)
	metrics.ObserveTerminal(string(final), reasonLabel(reason), rec.EndedAt().Sub(rec.StartedAt).Seconds())
	m.record(evType, rec)
	log.Info("daemon ended", "state", final, "reason", reason)

	if m.retain < 0 {
		m.registry.Remove(rec.ID)
	}
	return out
}

// releaseKernel interrupts (for stops) and destroys the kernel within one
// teardown budget; the interrupt may use at most half of it. The reference is
// dropped even when teardown fails so it is never released twice.
func (m *Manager) releaseKernel(rec *Record, interrupt bool) *TeardownFault {
	h := rec.takeKernel()
	if h == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.teardown)
	defer cancel()
	if interrupt {
		ictx, icancel := context.WithTimeout(ctx, m.teardown/2)
		err := callWithin(ictx, h.Interrupt)
		icancel()
		if err != nil {
			m.logger.Warn("kernel interrupt failed", "daemon_id", rec.ID, "kernel_id", rec.KernelID, "error", err)
		}
	}
	if err := callWithin(ctx, h.Shutdown); err != nil {
		return &TeardownFault{DaemonID: rec.ID, KernelID: rec.KernelID, Err: err}
	}
	return nil
}

func (m *Manager) setState(rec *Record, s State, reason string) {
	prev := rec.setState(s, reason, m.now())
	metrics.RecordStateTransition(string(prev), string(s))
}

// reasonLabel keeps metric label cardinality bounded.
func reasonLabel(reason string) string {
	switch reason {
	case "", ReasonUserRequested, ReasonTimeout, ReasonShutdown:
		return reason
	default:
		return "fault"
	}
}
