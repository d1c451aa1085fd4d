package logflags

import (
	"errors"
	"io"
	"log"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var tracer = false
var wait = false

var logOut io.WriteCloser

func makeLogger(flag bool, fields Fields) Logger {
	lf := loggerFactory
	if lf == nil {
		lf = defaultLoggerFactory
	}
	return lf(flag, fields, logOut)
}

func defaultLoggerFactory(flag bool, fields Fields, out io.Writer) Logger {
	if out == nil {
		out = os.Stderr
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Out = out
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return &logrusLogger{logger}
}

// Tracer returns true if the stop classifier should log its decisions.
func Tracer() bool {
	return tracer
}

// TracerLogger returns a logger for the stop classification loop.
func TracerLogger() Logger {
	return makeLogger(tracer, Fields{"layer": "tracer"})
}

// Wait returns true if the wait primitives should log.
func Wait() bool {
	return wait
}

// WaitLogger returns a logger for the wait primitives.
func WaitLogger() Logger {
	return makeLogger(wait, Fields{"layer": "wait"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component logging flags based on the contents of logstr and
// redirects output to logDest if it is non-empty.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		f, err := os.Create(logDest)
		if err != nil {
			return err
		}
		logOut = f
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "tracer"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "tracer":
			tracer = true
		case "wait":
			wait = true
		}
	}
	return nil
}

// Close closes the logger output file, if one was set with Setup.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
