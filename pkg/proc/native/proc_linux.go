// Package native drives a real traced process on Linux. It implements the
// proc.Controller capability with wait4, PTRACE_GETSIGINFO and PTRACE_CONT,
// and layers the bounded wait variant on an epoll registration of a pidfd.
package native

import (
	"fmt"
	"runtime"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/tracewait/tracewait/pkg/logflags"
	"github.com/tracewait/tracewait/pkg/proc"
)

// Process is a traced process under this tracer's exclusive control.
//
// The kernel requires every ptrace request for a tracee to come from the
// thread that attached to it, so each Process owns a locked OS thread and
// funnels ptrace calls onto it. Release the thread with Close when done.
type Process struct {
	pid  int
	mode proc.AttachMode
	opts proc.Options
	trap proc.TrapMode

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	log logflags.Logger
}

func newProcess(pid int, mode proc.AttachMode, opts proc.Options) *Process {
	p := &Process{
		pid:            pid,
		mode:           mode,
		opts:           opts,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		log:            logflags.TracerLogger(),
	}
	go p.handlePtraceFuncs()
	return p
}

func (p *Process) handlePtraceFuncs() {
	// We must ensure that we are running on the same thread during the
	// execution of ptrace(2) calls: the kernel rejects requests coming
	// from a thread other than the one the tracee is attached to.
	runtime.LockOSThread()

	for fn := range p.ptraceChan {
		fn()
		p.ptraceDoneChan <- nil
	}
}

func (p *Process) execPtraceFunc(fn func()) {
	p.ptraceChan <- fn
	<-p.ptraceDoneChan
}

// Close releases the ptrace thread. The target itself is left alone; use
// Detach first to set it free.
func (p *Process) Close() {
	close(p.ptraceChan)
}

// Attach takes control of pid with PTRACE_ATTACH, consumes the attach stop,
// applies the option bitmask and sets the target running again, so that the
// next stop observed is a fresh one.
func Attach(pid int, opts proc.Options) (*Process, error) {
	p := newProcess(pid, proc.ModeAttach, opts)
	var err error
	p.execPtraceFunc(func() { err = sys.PtraceAttach(pid) })
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("could not attach to %d: %w", pid, err)
	}
	if _, err := p.Wait(); err != nil {
		p.Close()
		return nil, fmt.Errorf("waiting for attach stop of %d: %w", pid, err)
	}
	p.execPtraceFunc(func() { err = sys.PtraceSetOptions(pid, int(opts)) })
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("could not set trace options on %d: %w", pid, err)
	}
	if err := p.Cont(0); err != nil {
		p.Close()
		return nil, fmt.Errorf("could not resume %d after attach: %w", pid, err)
	}
	return p, nil
}

// Seize takes control of pid with PTRACE_SEIZE, which does not stop the
// target and applies the option bitmask atomically.
func Seize(pid int, opts proc.Options) (*Process, error) {
	p := newProcess(pid, proc.ModeSeize, opts)
	var err error
	p.execPtraceFunc(func() { err = ptraceSeize(pid, int(opts)) })
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("could not seize %d: %w", pid, err)
	}
	return p, nil
}

// Pid returns the target's process ID.
func (p *Process) Pid() int { return p.pid }

// Mode returns how the target was attached.
func (p *Process) Mode() proc.AttachMode { return p.mode }

// SetTrapMode selects how bare SIGTRAP stops are disambiguated. The default
// is proc.TrapProbe.
func (p *Process) SetTrapMode(mode proc.TrapMode) { p.trap = mode }

// Wait blocks until the target's state changes. __WALL also collects stops
// reported by clone children that do not signal the parent the default way.
// EINTR is retried: the runtime's preemption signal interrupts wait4
// routinely.
func (p *Process) Wait() (sys.WaitStatus, error) {
	var s sys.WaitStatus
	for {
		_, err := sys.Wait4(p.pid, &s, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return s, nil
	}
}

// Siginfo retrieves signal metadata for the target's current stop.
func (p *Process) Siginfo() (*proc.Siginfo, error) {
	var (
		si  *proc.Siginfo
		err error
	)
	p.execPtraceFunc(func() { si, err = ptraceGetSiginfo(p.pid) })
	return si, err
}

// Cont resumes the target with PTRACE_CONT, delivering sig to it (0 for
// none). A failure here is fatal to the caller: after a failed resume the
// target's run state is no longer reliably known.
func (p *Process) Cont(sig int) error {
	var err error
	p.execPtraceFunc(func() { err = sys.PtraceCont(p.pid, sig) })
	return err
}

// Detach releases the target with PTRACE_DETACH. The target must be in a
// ptrace-stop for this to succeed.
func (p *Process) Detach() error {
	var err error
	p.execPtraceFunc(func() { err = ptraceDetach(p.pid, 0) })
	return err
}

// Interrupt places a seized target into a trace-stop.
func (p *Process) Interrupt() error {
	var err error
	p.execPtraceFunc(func() { err = ptraceInterrupt(p.pid) })
	return err
}

func (p *Process) monitor() *proc.Monitor {
	return &proc.Monitor{
		Ctl:  p,
		Mode: p.mode,
		Opts: p.opts,
		Trap: p.trap,
		Log:  p.log,
	}
}

// WaitForStop blocks until the target reports a deliverable stop, exits, or
// is killed by a signal. Uninteresting stops are resumed internally.
func (p *Process) WaitForStop() (sys.WaitStatus, error) {
	return p.monitor().Next(nil)
}

// WaitForStopTimeout is WaitForStop with each blocking wait preceded by a
// readiness wait of at most timeout on pidfd (see pidfd_open(2)). The epoll
// handle backing the readiness wait is created here and released on every
// return path. The timeout bounds only the readiness wait: once it elapses
// the status retrieval still blocks with its usual semantics, so total
// latency can exceed the timeout when readiness and a state change race.
func (p *Process) WaitForStopTimeout(pidfd int, timeout time.Duration) (sys.WaitStatus, error) {
	w, err := newPidfdWaiter(p, pidfd, timeout)
	if err != nil {
		return 0, err
	}
	status, err := p.monitor().Next(w)
	if cerr := w.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return status, err
}
