package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	sys "golang.org/x/sys/unix"

	isatty "github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tracewait/tracewait/pkg/config"
	"github.com/tracewait/tracewait/pkg/logflags"
	"github.com/tracewait/tracewait/pkg/proc"
	"github.com/tracewait/tracewait/pkg/proc/native"
)

const version string = "0.2.0"

var (
	log       bool
	logOutput string
	logDest   string

	seize   bool
	events  []string
	timeout time.Duration
	trap    string
)

func main() {
	conf := config.LoadConfig()

	// Main tracewait root command.
	rootCommand := &cobra.Command{
		Use:   "tracewait",
		Short: "tracewait waits for interesting ptrace stops of a traced process.",
	}
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce log output (tracer,wait).")
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Write log output to this file instead of stderr.")

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("tracewait version: " + version)
		},
	}
	rootCommand.AddCommand(versionCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach [pid]",
		Short: "Attach to a running process and report its stops.",
		Long: `Attach to a running process and print every stop the enabled trace
events make interesting, until the process exits. Stops not covered by the
enabled events are resumed silently.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
				os.Exit(1)
			}
			if err := logflags.Setup(log, logOutput, logDest); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if !cmd.Flags().Changed("seize") {
				seize = conf.Seize
			}
			if !cmd.Flags().Changed("events") && len(conf.TraceEvents) > 0 {
				events = conf.TraceEvents
			}
			if !cmd.Flags().Changed("timeout") && conf.WaitTimeout != "" {
				timeout, err = time.ParseDuration(conf.WaitTimeout)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Invalid wait-timeout in config: %v\n", err)
					os.Exit(1)
				}
			}
			if !cmd.Flags().Changed("trap") && conf.TrapDisambiguation != "" {
				trap = conf.TrapDisambiguation
			}
			ret := execute(pid)
			logflags.Close()
			os.Exit(ret)
		},
	}
	attachCommand.Flags().BoolVarP(&seize, "seize", "", false, "Attach with PTRACE_SEIZE instead of PTRACE_ATTACH.")
	attachCommand.Flags().StringSliceVarP(&events, "events", "e", []string{"exec", "exit"}, "Extended events to stop for (fork,vfork,clone,vfork-done,exec,exit,seccomp,sysgood).")
	attachCommand.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Bound each readiness wait (0 waits without a bound).")
	attachCommand.Flags().StringVarP(&trap, "trap", "", "probe", "Disambiguation of bare SIGTRAP stops: probe or resume.")
	rootCommand.AddCommand(attachCommand)

	rootCommand.Execute()
}

func execute(pid int) int {
	opts, err := proc.ParseEventNames(events)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var trapMode proc.TrapMode
	switch trap {
	case "", "probe":
		trapMode = proc.TrapProbe
	case "resume":
		trapMode = proc.TrapResume
	default:
		fmt.Fprintf(os.Stderr, "Invalid trap disambiguation %q (want probe or resume)\n", trap)
		return 1
	}

	var p *native.Process
	if seize {
		p, err = native.Seize(pid, opts)
	} else {
		p, err = native.Attach(pid, opts)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer p.Close()
	p.SetTrapMode(trapMode)

	pidfd := -1
	if timeout > 0 {
		pidfd, err = sys.PidfdOpen(pid, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pidfd_open %d: %v\n", pid, err)
			return 1
		}
		defer sys.Close(pidfd)
	}

	// A detached tracee keeps running; on interrupt release it instead of
	// leaving it in a ptrace-stop with no tracer.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sys.SIGINT, sys.SIGTERM)
	go func() {
		<-ch
		if err := p.Detach(); err != nil {
			fmt.Fprintf(os.Stderr, "detach %d: %v\n", pid, err)
		}
		os.Exit(1)
	}()

	interactive := isatty.IsTerminal(os.Stdout.Fd())
	if interactive {
		fmt.Printf("tracing %d (%s mode, events %v)\n", pid, p.Mode(), events)
	}

	for {
		var status sys.WaitStatus
		if timeout > 0 {
			status, err = p.WaitForStopTimeout(pidfd, timeout)
		} else {
			status, err = p.WaitForStop()
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}

		fmt.Printf("%d: %s\n", pid, proc.StatusString(status))

		if status.Exited() {
			return status.ExitStatus()
		}
		if status.Signaled() {
			return 128 + int(status.Signal())
		}

		if err := p.Cont(0); err != nil {
			fmt.Fprintf(os.Stderr, "could not resume %d: %v\n", pid, err)
			return 1
		}
	}
}
