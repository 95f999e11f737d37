/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logx is the internal leveled logger shared by the shmsync packages.
package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/valyala/bytebufferpool"
)

// Logger writes leveled, colored log lines with the caller's location.
type Logger struct {
	name      string
	out       io.Writer
	callDepth int
}

var (
	internal = &Logger{"", os.Stdout, 4}
	level    int

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

func init() {
	level = LevelWarn
	if os.Getenv("SHMSYNC_LOG_LEVEL") != "" {
		if n, err := strconv.Atoi(os.Getenv("SHMSYNC_LOG_LEVEL")); err == nil {
			if n <= LevelNoPrint {
				level = n
			}
		}
	}
}

// SetLevel changes the process-wide log level. The default level is Warn,
// also settable through the SHMSYNC_LOG_LEVEL environment variable.
func SetLevel(l int) {
	if l <= LevelNoPrint {
		level = l
	}
}

// New returns a named logger writing to out, or os.Stdout when out is nil.
func New(name string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{
		name:      name,
		out:       out,
		callDepth: 4,
	}
}

// Default returns the unnamed package logger.
func Default() *Logger { return internal }

func (l *Logger) Errorf(format string, a ...interface{}) { l.printf(LevelError, format, a...) }

func (l *Logger) Warnf(format string, a ...interface{}) { l.printf(LevelWarn, format, a...) }

func (l *Logger) Infof(format string, a ...interface{}) { l.printf(LevelInfo, format, a...) }

func (l *Logger) Debugf(format string, a ...interface{}) { l.printf(LevelDebug, format, a...) }

func (l *Logger) Tracef(format string, a ...interface{}) { l.printf(LevelTrace, format, a...) }

func (l *Logger) printf(lv int, format string, a ...interface{}) {
	if level > lv {
		return
	}
	buf := bytebufferpool.Get()
	l.prefix(buf, lv)
	_, _ = fmt.Fprintf(buf, format, a...)
	_, _ = buf.WriteString(reset)
	_ = buf.WriteByte('\n')
	if _, err := l.out.Write(buf.Bytes()); err != nil {
		fmt.Fprintf(os.Stderr, "logx write failed: %v\n", err)
	}
	bytebufferpool.Put(buf)
}

func (l *Logger) prefix(buf *bytebufferpool.ByteBuffer, lv int) {
	_, _ = buf.WriteString(colors[lv])
	_, _ = buf.WriteString(levelName[lv])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	if l.name != "" {
		_, _ = buf.WriteString(l.name)
		_ = buf.WriteByte(' ')
	}
}

func (l *Logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}
