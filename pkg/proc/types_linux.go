// Package proc classifies ptrace stops reported for a traced process and
// decides whether each stop should be handed back to the caller or silently
// resumed past. The blocking process control operations are abstracted
// behind the Controller interface so the decision logic can be exercised
// without a real tracee.
package proc

import (
	sys "golang.org/x/sys/unix"
)

// AttachMode records how the tracer took control of the target. It changes
// how group-stops are reported: a seized tracee reports them with an
// explicit PTRACE_EVENT_STOP marker, an attached tracee reports a bare stop
// signal that needs siginfo to disambiguate.
type AttachMode uint8

const (
	// ModeAttach means the target was attached with PTRACE_ATTACH (or was
	// launched with PTRACE_TRACEME).
	ModeAttach AttachMode = iota
	// ModeSeize means the target was attached with PTRACE_SEIZE.
	ModeSeize
)

func (m AttachMode) String() string {
	if m == ModeSeize {
		return "seize"
	}
	return "attach"
}

// Options is the PTRACE_O_* option bitmask enabled on the target. The same
// value is passed to PTRACE_SETOPTIONS (or PTRACE_SEIZE) and consulted by
// the classifier: an extended event whose governing option is disabled is
// never delivered, even if the kernel reports it.
type Options uint32

const (
	TraceFork      = Options(sys.PTRACE_O_TRACEFORK)
	TraceVfork     = Options(sys.PTRACE_O_TRACEVFORK)
	TraceClone     = Options(sys.PTRACE_O_TRACECLONE)
	TraceVforkDone = Options(sys.PTRACE_O_TRACEVFORKDONE)
	TraceExec      = Options(sys.PTRACE_O_TRACEEXEC)
	TraceExit      = Options(sys.PTRACE_O_TRACEEXIT)
	TraceSeccomp   = Options(sys.PTRACE_O_TRACESECCOMP)
	TraceSysGood   = Options(sys.PTRACE_O_TRACESYSGOOD)
)

// TrapMode selects how a SIGTRAP stop that carries no event code is
// disambiguated.
type TrapMode uint8

const (
	// TrapProbe queries siginfo once: a si_code equal to SIGTRAP identifies
	// a syscall boundary reported without the sysgood marker and the status
	// is re-encoded accordingly; anything else is delivered as-is.
	TrapProbe TrapMode = iota
	// TrapResume forwards the trap to the tracee and keeps waiting, relying
	// on a later stop to be classifiable.
	TrapResume
)

// Siginfo carries the leading fields of the siginfo_t returned by
// PTRACE_GETSIGINFO. Only these three are needed to disambiguate stops.
type Siginfo struct {
	Signo int32
	Errno int32
	Code  int32
}

// Controller is the set of blocking process control operations the stop
// monitor needs. pkg/proc/native implements it with real ptrace and wait
// calls; tests implement it with a fake.
type Controller interface {
	// Wait blocks until the target's state changes and returns the raw wait
	// status, including stops reported by non-leader threads (__WALL).
	Wait() (sys.WaitStatus, error)
	// Siginfo retrieves signal metadata for the current stop.
	Siginfo() (*Siginfo, error)
	// Cont resumes the target, delivering sig to it (0 for no signal).
	Cont(sig int) error
}

// Waiter retrieves the next wait status for the target. The unbounded
// variant is the Controller itself; the bounded variant first waits for
// readiness on a process descriptor.
type Waiter interface {
	Wait() (sys.WaitStatus, error)
}
