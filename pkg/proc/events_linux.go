package proc

import (
	"fmt"
	"strings"
	"syscall"

	sys "golang.org/x/sys/unix"
)

// Event is an extended ptrace event code, found one octet above the stop
// signal byte of a wait status.
type Event int

const (
	EventNone      = Event(0)
	EventFork      = Event(sys.PTRACE_EVENT_FORK)
	EventVfork     = Event(sys.PTRACE_EVENT_VFORK)
	EventClone     = Event(sys.PTRACE_EVENT_CLONE)
	EventExec      = Event(sys.PTRACE_EVENT_EXEC)
	EventVforkDone = Event(sys.PTRACE_EVENT_VFORK_DONE)
	EventExit      = Event(sys.PTRACE_EVENT_EXIT)
	EventSeccomp   = Event(sys.PTRACE_EVENT_SECCOMP)
	EventStop      = Event(sys.PTRACE_EVENT_STOP)
)

// syscallMark is OR'd into the stop signal of syscall boundary stops when
// PTRACE_O_TRACESYSGOOD is in effect.
const syscallMark = syscall.Signal(0x80)

func (ev Event) String() string {
	switch ev {
	case EventFork:
		return "fork"
	case EventVfork:
		return "vfork"
	case EventClone:
		return "clone"
	case EventExec:
		return "exec"
	case EventVforkDone:
		return "vfork-done"
	case EventExit:
		return "exit"
	case EventSeccomp:
		return "seccomp"
	case EventStop:
		return "group-stop"
	}
	return fmt.Sprintf("event(%d)", int(ev))
}

// StatusEvent extracts the extended event code from a raw wait status. The
// code lives in bits 16 and up of the full status word, not of the already
// masked stop signal.
func StatusEvent(status sys.WaitStatus) Event {
	return Event(uint32(status) >> 16)
}

var eventOptions = map[string]Options{
	"fork":       TraceFork,
	"vfork":      TraceVfork,
	"clone":      TraceClone,
	"vfork-done": TraceVforkDone,
	"exec":       TraceExec,
	"exit":       TraceExit,
	"seccomp":    TraceSeccomp,
	"sysgood":    TraceSysGood,
}

// ParseEventNames converts a list of event names, as used by the config
// file and the command line, into the corresponding option bitmask.
func ParseEventNames(names []string) (Options, error) {
	var opts Options
	for _, name := range names {
		opt, ok := eventOptions[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown trace event %q", name)
		}
		opts |= opt
	}
	return opts, nil
}

// EventNames returns the names of the events enabled in opts, in a fixed
// order. It is the inverse of ParseEventNames.
func EventNames(opts Options) []string {
	order := []string{"fork", "vfork", "clone", "vfork-done", "exec", "exit", "seccomp", "sysgood"}
	var names []string
	for _, name := range order {
		if opts&eventOptions[name] != 0 {
			names = append(names, name)
		}
	}
	return names
}

// StatusString renders a raw wait status for logs and CLI output.
func StatusString(status sys.WaitStatus) string {
	switch {
	case status.Exited():
		return fmt.Sprintf("exited (status %d)", status.ExitStatus())
	case status.Signaled():
		return fmt.Sprintf("terminated by signal %v", status.Signal())
	case status.Stopped():
		sig := status.StopSignal()
		if sig&syscallMark != 0 {
			return fmt.Sprintf("syscall boundary (signal %v)", sig&^syscallMark)
		}
		if ev := StatusEvent(status); ev != EventNone {
			return fmt.Sprintf("stopped (signal %v, %v)", sig, ev)
		}
		return fmt.Sprintf("stopped (signal %v)", sig)
	}
	return fmt.Sprintf("unknown status %#x", uint32(status))
}
