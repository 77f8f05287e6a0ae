// Package logger provides the package-level leveled logging used across the
// library. Output goes to stderr by default; embedders can redirect or mute
// it with SetOutput.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu    sync.Mutex
	level = LevelInfo
	out   = log.New(os.Stderr, "m3u8dl ", log.LstdFlags)
)

// SetLevel sets the minimum level that will be written.
func SetLevel(l Level) {
	mu.Lock()
	level = l
	mu.Unlock()
}

// SetOutput redirects log output. Pass io.Discard to silence the library.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = log.New(w, "m3u8dl ", log.LstdFlags)
	mu.Unlock()
}

func logf(l Level, prefix, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}
	out.Output(3, prefix+" "+fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) { logf(LevelDebug, "DEBUG", format, args...) }

func Infof(format string, args ...any) { logf(LevelInfo, "INFO", format, args...) }

func Warnf(format string, args ...any) { logf(LevelWarn, "WARN", format, args...) }

func Errorf(format string, args ...any) { logf(LevelError, "ERROR", format, args...) }
