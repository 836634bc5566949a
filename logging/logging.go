/*
 * Copyright (c) 2022 Serena Tiede
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging prints levelled, colour coded messages to the terminal and
// optionally mirrors them without colour into a log file.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

const timeLayout = "2006-01-02 15:04:05"

var levelNames = map[Level]string{
	LevelDebug:    "DEBUG",
	LevelInfo:     "INFO",
	LevelWarning:  "WARNING",
	LevelError:    "ERROR",
	LevelCritical: "CRITICAL",
}

var levelStyles = map[Level]lipgloss.Style{
	LevelDebug:    lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
	LevelInfo:     lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
	LevelWarning:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	LevelError:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	LevelCritical: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
}

var stderrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Faint(true)

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel accepts the level names used in the configuration file, case
// insensitive. WARN is accepted as an alias of WARNING.
func ParseLevel(s string) (Level, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	if upper == "WARN" {
		return LevelWarning, nil
	}
	for level, name := range levelNames {
		if name == upper {
			return level, nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q", s)
}

type Logger struct {
	mu       sync.Mutex
	level    Level
	terminal *log.Logger
	file     *log.Logger
	now      func() time.Time
}

func New(w io.Writer, level Level) *Logger {
	return &Logger{
		level:    level,
		terminal: log.New(w, "", 0),
		now:      time.Now,
	}
}

// Discard returns a logger that drops everything, handy in tests.
func Discard() *Logger {
	return New(io.Discard, LevelCritical+1)
}

// WithFile mirrors every emitted line, uncoloured, into w.
func (l *Logger) WithFile(w io.Writer) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.file = log.New(w, "", 0)
	return l
}

func (l *Logger) Level() Level {
	return l.level
}

func (l *Logger) Debugf(format string, args ...any) {
	l.emit(LevelDebug, fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.emit(LevelInfo, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.emit(LevelWarning, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.emit(LevelError, fmt.Sprintf(format, args...))
}

func (l *Logger) Criticalf(format string, args ...any) {
	l.emit(LevelCritical, fmt.Sprintf(format, args...))
}

// Output writes text from an external process verbatim.
func (l *Logger) Output(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminal.Print(text)
	if l.file != nil {
		l.file.Print(text)
	}
}

// Stderr writes captured standard error of an external process in a style
// that sets it apart from regular output.
func (l *Logger) Stderr(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminal.Print(stderrStyle.Render(text))
	if l.file != nil {
		l.file.Print(text)
	}
}

func (l *Logger) emit(level Level, message string) {
	if level < l.level {
		return
	}
	tag := fmt.Sprintf("[%s %s]", level.String()[:1], l.now().Format(timeLayout))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminal.Printf("%s %s", levelStyles[level].Render(tag), message)
	if l.file != nil {
		l.file.Printf("%s %s", tag, message)
	}
}
