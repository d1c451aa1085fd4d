package proc

import (
	"errors"
	"fmt"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/tracewait/tracewait/pkg/logflags"
)

// Monitor runs the wait/classify/resume loop for one traced process. It
// owns advancing the target past uninteresting stops; no other actor may
// resume the same target while a Monitor call is in flight.
type Monitor struct {
	Ctl  Controller
	Mode AttachMode
	Opts Options
	Trap TrapMode

	// Log receives diagnostics such as unknown event codes. When nil the
	// logflags tracer logger is used.
	Log logflags.Logger
}

type action uint8

const (
	actDeliver action = iota
	actResume
	actProbeTrap
	actProbeGroup
)

type decision struct {
	act action
	sig syscall.Signal
}

// Next blocks until the target reports a stop worth delivering, or exits,
// or is killed by a signal. Uninteresting stops are resumed internally and
// the wait re-entered; Next never returns after a resume without waiting
// again. The returned status keeps the platform encoding, so callers decode
// it with the usual WaitStatus methods.
//
// w retrieves each raw status; passing nil uses the Controller's own
// unbounded wait.
func (m *Monitor) Next(w Waiter) (sys.WaitStatus, error) {
	if w == nil {
		w = m.Ctl
	}
	for {
		status, err := w.Wait()
		if err != nil {
			return 0, err
		}

		if status.Stopped() {
			d := m.classify(status)
			switch d.act {
			case actDeliver:
				return status, nil
			case actProbeTrap:
				st, deliver, err := m.disambiguateTrap(status)
				if err != nil {
					return 0, err
				}
				if deliver {
					return st, nil
				}
			case actProbeGroup:
				deliver, err := m.disambiguateGroupStop()
				if err != nil {
					return 0, err
				}
				if deliver {
					return status, nil
				}
				// a genuine signal-delivery stop of a job control signal;
				// swallow it so the group-stop machinery is not re-armed
				d.sig = 0
			}
			if err := m.Ctl.Cont(int(d.sig)); err != nil {
				return 0, err
			}
			continue
		}

		if status.Exited() || status.Signaled() {
			return status, nil
		}

		// wait statuses are stopped, exited or signaled; anything else
		// means the status word was corrupted somewhere
		return 0, fmt.Errorf("wait status %#x is neither a stop nor an exit", uint32(status))
	}
}

// classify maps a stopped status to a decision. It is a pure function of
// the status, the attach mode and the option bitmask, shared by the bounded
// and unbounded call shapes.
func (m *Monitor) classify(status sys.WaitStatus) decision {
	sig := status.StopSignal()
	ev := StatusEvent(status)

	switch sig {
	case sys.SIGTRAP:
		switch ev {
		case EventVfork:
			return m.gate(TraceVfork, sig)
		case EventFork:
			return m.gate(TraceFork, sig)
		case EventClone:
			return m.gate(TraceClone, sig)
		case EventVforkDone:
			return m.gate(TraceVforkDone, sig)
		case EventExec:
			return m.gate(TraceExec, sig)
		case EventExit:
			return m.gate(TraceExit, sig)
		case EventSeccomp:
			return m.gate(TraceSeccomp, sig)
		case EventStop:
			if m.Mode == ModeSeize {
				return decision{act: actDeliver}
			}
			return decision{act: actResume, sig: sig}
		case EventNone:
			return decision{act: actProbeTrap, sig: sig}
		default:
			m.log().Warnf("unknown ptrace event %d (stop signal %v)", int(ev), sig)
			return decision{act: actDeliver}
		}

	case sys.SIGTRAP | syscallMark:
		if m.Opts&TraceSysGood != 0 {
			return decision{act: actDeliver}
		}
		return decision{act: actResume, sig: sig}

	case sys.SIGSTOP, sys.SIGTSTP, sys.SIGTTIN, sys.SIGTTOU:
		switch ev {
		case EventStop:
			if m.Mode == ModeSeize {
				return decision{act: actDeliver}
			}
			// marker bits without seize should not happen; probe rather
			// than trust them
			return decision{act: actProbeGroup, sig: sig}
		case EventNone:
			if m.Mode == ModeSeize {
				// seized tracees report group-stops with the marker, so
				// this is an ordinary signal-delivery stop
				return decision{act: actResume, sig: sig}
			}
			return decision{act: actProbeGroup, sig: sig}
		default:
			m.log().Warnf("unknown ptrace event %d (stop signal %v)", int(ev), sig)
			return decision{act: actDeliver}
		}
	}

	return decision{act: actResume, sig: sig}
}

func (m *Monitor) gate(opt Options, sig syscall.Signal) decision {
	if m.Opts&opt != 0 {
		return decision{act: actDeliver}
	}
	// the kernel still emits events whose option was turned off between
	// SETOPTIONS calls; the caller asked not to see them
	return decision{act: actResume, sig: sig}
}

// disambiguateTrap handles a SIGTRAP stop with no event code. In TrapResume
// mode the trap is forwarded and the loop keeps waiting. In TrapProbe mode
// siginfo decides: si_code equal to SIGTRAP identifies a syscall boundary
// reported without the sysgood marker and the status is re-encoded as if
// the marker had been present; any other code is a real trap and the status
// is delivered unchanged.
func (m *Monitor) disambiguateTrap(status sys.WaitStatus) (sys.WaitStatus, bool, error) {
	if m.Trap == TrapResume {
		return status, false, nil
	}
	si, err := m.Ctl.Siginfo()
	if err != nil {
		if errors.Is(err, sys.EINVAL) {
			// the tracee already moved past this stop; report what we have
			return status, true, nil
		}
		return 0, false, err
	}
	if si.Code == int32(sys.SIGTRAP) {
		if m.Opts&TraceSysGood != 0 {
			return 0, false, errors.New("syscall stop without sysgood marker while PTRACE_O_TRACESYSGOOD is set")
		}
		return status | sys.WaitStatus(uint32(syscallMark)<<8), true, nil
	}
	return status, true, nil
}

// disambiguateGroupStop probes siginfo for a job control stop seen without
// marker bits. EINVAL means the stop is a group-stop (or the tracee has
// already been resumed past it) and the captured status is delivered;
// success means a plain signal-delivery stop that should be swallowed.
func (m *Monitor) disambiguateGroupStop() (bool, error) {
	if _, err := m.Ctl.Siginfo(); err != nil {
		if errors.Is(err, sys.EINVAL) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (m *Monitor) log() logflags.Logger {
	if m.Log == nil {
		m.Log = logflags.TracerLogger()
	}
	return m.Log
}
