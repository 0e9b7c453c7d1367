// SPDX-License-Identifier: GPL-2.0-or-later

package log

// API inspired by zerolog https://github.com/rs/zerolog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Level defines log level.
type Level uint8

// Logging levels, matching ffmpeg.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

// UnixMillisecond .
type UnixMillisecond uint64

// Event defines log event.
type Event struct {
	level Level
	time  UnixMillisecond
	src   string // Source.
	path  string // Mount path the event relates to.

	logger *Logger
}

// Log defines a log entry.
type Log struct {
	Level Level           `json:"level"`
	Time  UnixMillisecond `json:"time"`
	Msg   string          `json:"msg"`
	Src   string          `json:"src"`
	Path  string          `json:"path"`
}

// Src sets event source.
func (e *Event) Src(source string) *Event {
	e.src = source
	return e
}

// Path sets the mount path the event relates to.
func (e *Event) Path(path string) *Event {
	e.path = path
	return e
}

// Time sets event time.
func (e *Event) Time(t time.Time) *Event {
	e.time = UnixMillisecond(t.UnixMilli())
	return e
}

// Msg sends the event with msg added as the message field.
func (e *Event) Msg(msg string) {
	e.logger.feed <- Log{
		Time:  e.time,
		Level: e.level,
		Msg:   msg,
		Src:   e.src,
		Path:  e.path,
	}
}

// Msgf sends the event with formatted msg added as the message field.
func (e *Event) Msgf(format string, v ...interface{}) {
	e.Msg(fmt.Sprintf(format, v...))
}

// ILogger is the subset of Logger components depend on.
type ILogger interface {
	Error() *Event
	Warn() *Event
	Info() *Event
	Debug() *Event
}

type logFeed chan Log

// Logger distributes log entries to subscribers.
type Logger struct {
	feed  logFeed      // feed of logs.
	sub   chan logFeed // subscribe requests.
	unsub chan logFeed // unsubscribe requests.

	wg *sync.WaitGroup
}

// NewLogger returns a Logger. Start must be called before use.
func NewLogger(wg *sync.WaitGroup) *Logger {
	return &Logger{
		feed:  make(logFeed),
		sub:   make(chan logFeed),
		unsub: make(chan logFeed),
		wg:    wg,
	}
}

// NewMockLogger used for testing.
func NewMockLogger() *Logger {
	l := NewLogger(&sync.WaitGroup{})
	go func() {
		for {
			select {
			case <-l.feed:
			case <-l.sub:
			case <-l.unsub:
			}
		}
	}()
	return l
}

// Start the fan-out loop.
func (l *Logger) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		subs := map[logFeed]struct{}{}
		for {
			select {
			case <-ctx.Done():
				l.wg.Done()
				return

			case ch := <-l.sub:
				subs[ch] = struct{}{}

			case ch := <-l.unsub:
				close(ch)
				delete(subs, ch)

			case entry := <-l.feed:
				for ch := range subs {
					ch <- entry
				}
			}
		}
	}()
}

// CancelFunc cancels a log feed subscription.
type CancelFunc func()

// Subscribe returns a new chan with the log feed and a CancelFunc.
func (l *Logger) Subscribe() (<-chan Log, CancelFunc) {
	feed := make(logFeed)
	l.sub <- feed

	cancel := func() {
		l.unSubscribe(feed)
	}
	return feed, cancel
}

func (l *Logger) unSubscribe(feed logFeed) {
	// Read feed until the unsub request is accepted.
	for {
		select {
		case l.unsub <- feed:
			return
		case <-feed:
		}
	}
}

// LogToStdout prints the log feed to stdout until ctx is canceled.
func (l *Logger) LogToStdout(ctx context.Context) {
	feed, cancel := l.Subscribe()
	defer cancel()
	for {
		select {
		case entry := <-feed:
			printLog(entry)
		case <-ctx.Done():
			return
		}
	}
}

func printLog(entry Log) {
	var b strings.Builder

	switch entry.Level {
	case LevelError:
		b.WriteString("[ERROR] ")
	case LevelWarning:
		b.WriteString("[WARNING] ")
	case LevelInfo:
		b.WriteString("[INFO] ")
	case LevelDebug:
		b.WriteString("[DEBUG] ")
	}

	if entry.Src != "" {
		b.WriteString(entry.Src + ": ")
	}
	if entry.Path != "" {
		b.WriteString(entry.Path + ": ")
	}

	b.WriteString(entry.Msg)
	fmt.Println(b.String())
}

func (l *Logger) newEvent(level Level) *Event {
	return &Event{
		level:  level,
		time:   UnixMillisecond(time.Now().UnixMilli()),
		logger: l,
	}
}

// Error starts a new message with error level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Error() *Event {
	return l.newEvent(LevelError)
}

// Warn starts a new message with warn level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Warn() *Event {
	return l.newEvent(LevelWarning)
}

// Info starts a new message with info level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Info() *Event {
	return l.newEvent(LevelInfo)
}

// Debug starts a new message with debug level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Debug() *Event {
	return l.newEvent(LevelDebug)
}
