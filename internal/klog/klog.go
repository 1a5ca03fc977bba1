// Package klog is a small leveled wrapper around the standard logger,
// mirroring the KBELF_LOGD/I/W/E macro suite: debug output is compiled
// in but gated at runtime by an environment variable rather than a
// compile-time flag, since Go has no conditional compilation for this.
package klog

import (
	"log"
	"os"

	"github.com/xyproto/env/v2"
)

// Level orders the four severities the original macros named.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "D"
	case Info:
		return "I"
	case Warn:
		return "W"
	case Error:
		return "E"
	default:
		return "?"
	}
}

var debugEnabled = env.Bool("KBELF_DEBUG")

var std = log.New(os.Stderr, "", log.LstdFlags)

func logf(level Level, format string, args ...interface{}) {
	if level == Debug && !debugEnabled {
		return
	}
	std.Printf("kbelf: "+level.String()+": "+format, args...)
}

func Debugf(format string, args ...interface{}) { logf(Debug, format, args...) }
func Infof(format string, args ...interface{})  { logf(Info, format, args...) }
func Warnf(format string, args ...interface{})  { logf(Warn, format, args...) }
func Errorf(format string, args ...interface{}) { logf(Error, format, args...) }
