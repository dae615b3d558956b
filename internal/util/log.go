// Package util provides logging, id and formatting helpers shared by the
// transfer engine and the command line tools.
package util

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger.
// Output goes to stdout unless LogToStderr is called.

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// LogToStderr moves log and progress output off stdout, which then carries
// only file data.
func LogToStderr() {
	pterm.SetDefaultOutput(os.Stderr)
	pterm.DefaultLogger.Writer = os.Stderr
}

// Logger prefixes every line with a short transfer id, e.g. "[1f0c9a2b] ...".
type Logger struct {
	prefix string
}

// ForTransfer returns a Logger tagged with the short form of id.
func ForTransfer(id string) Logger {
	return Logger{prefix: "[" + ShortID(id) + "] "}
}

func (l Logger) Debug(format string, args ...interface{})   { LogDebug(l.prefix+format, args...) }
func (l Logger) Info(format string, args ...interface{})    { LogInfo(l.prefix+format, args...) }
func (l Logger) Success(format string, args ...interface{}) { LogSuccess(l.prefix+format, args...) }
func (l Logger) Warning(format string, args ...interface{}) { LogWarning(l.prefix+format, args...) }
func (l Logger) Error(format string, args ...interface{})   { LogError(l.prefix+format, args...) }
