package native

import (
	"os"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/tracewait/tracewait/pkg/logflags"
)

// pidfdWaiter bounds each blocking status retrieval by first waiting, up to
// a timeout, for the target's pidfd to poll readable. The readiness wait
// does not consume the state change; it only limits how long the wait4 that
// follows is expected to block. A pidfd polls readable once the process has
// terminated, so for ptrace stops the readiness wait typically runs to its
// timeout and wait4 does the real blocking; this is inherited behavior and
// callers of the bounded shape are expected to know it.
type pidfdWaiter struct {
	p       *Process
	epfd    int
	timeout time.Duration
	log     logflags.Logger
}

// newPidfdWaiter creates the epoll instance and registers pidfd for read
// readiness. The instance is owned by this waiter alone and must be
// released with Close on every path out of the wait loop.
func newPidfdWaiter(p *Process, pidfd int, timeout time.Duration) (*pidfdWaiter, error) {
	epfd, err := sys.EpollCreate1(sys.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	ev := sys.EpollEvent{Events: sys.EPOLLIN, Fd: int32(pidfd)}
	if err := sys.EpollCtl(epfd, sys.EPOLL_CTL_ADD, pidfd, &ev); err != nil {
		sys.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}
	return &pidfdWaiter{p: p, epfd: epfd, timeout: timeout, log: logflags.WaitLogger()}, nil
}

func (w *pidfdWaiter) Wait() (sys.WaitStatus, error) {
	deadline := time.Now().Add(w.timeout)
	var events [1]sys.EpollEvent
	for {
		ms := int(time.Until(deadline).Milliseconds())
		if ms < 0 {
			ms = 0
		}
		n, err := sys.EpollWait(w.epfd, events[:], ms)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("epoll_wait", err)
		}
		if n == 0 {
			w.log.Debugf("readiness wait for %d timed out after %v, blocking in wait4", w.p.pid, w.timeout)
		}
		return w.p.Wait()
	}
}

func (w *pidfdWaiter) Close() error {
	return os.NewSyscallError("close", sys.Close(w.epfd))
}
