package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/tracewait/tracewait/pkg/proc"
)

// rawSiginfo mirrors the start of the kernel's siginfo_t. The union that
// follows the three leading fields is irrelevant here; the buffer is sized
// to the full 128 bytes the kernel writes.
type rawSiginfo struct {
	signo int32
	errno int32
	code  int32
	_     [116]byte
}

// ptraceGetSiginfo calls ptrace(PTRACE_GETSIGINFO); there is no wrapper for
// it in x/sys/unix.
func ptraceGetSiginfo(pid int) (*proc.Siginfo, error) {
	var si rawSiginfo
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETSIGINFO, uintptr(pid), 0, uintptr(unsafe.Pointer(&si)), 0, 0)
	if e1 != 0 {
		return nil, e1
	}
	return &proc.Siginfo{Signo: si.signo, Errno: si.errno, Code: si.code}, nil
}

// ptraceSeize calls ptrace(PTRACE_SEIZE) with the given option bitmask.
func ptraceSeize(pid, opts int) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_SEIZE, uintptr(pid), 0, uintptr(opts), 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

// ptraceInterrupt calls ptrace(PTRACE_INTERRUPT).
func ptraceInterrupt(pid int) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_INTERRUPT, uintptr(pid), 0, 0, 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

// ptraceDetach calls ptrace(PTRACE_DETACH), optionally delivering a signal.
func ptraceDetach(pid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(pid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}
