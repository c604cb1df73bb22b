//  Copyright (c) 2020 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
//  except in compliance with the License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing, software distributed under the
//  License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
//  either express or implied. See the License for the specific language governing permissions
//  and limitations under the License.

package base

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// LogLevel is the console log verbosity.
type LogLevel uint32

const (
	LevelNone LogLevel = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var logLevelNames = []string{"none", "[ERR]", "[WRN]", "[INF]", "[DBG]", "[TRC]"}

func (l LogLevel) String() string {
	if int(l) < len(logLevelNames) {
		return logLevelNames[l]
	}
	return fmt.Sprintf("LogLevel(%d)", l)
}

var consoleLogLevel = uint32(LevelInfo)

var consoleLogger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)

// SetLogLevel sets the console log verbosity.
func SetLogLevel(level LogLevel) {
	atomic.StoreUint32(&consoleLogLevel, uint32(level))
}

// LogDebugEnabled returns true if debug logging is enabled for the given key.
// Used to gate expensive log-only work (e.g. go-blip frame logging).
func LogDebugEnabled(logKey LogKey) bool {
	return shouldLog(LevelDebug, logKey)
}

func shouldLog(level LogLevel, logKey LogKey) bool {
	if LogLevel(atomic.LoadUint32(&consoleLogLevel)) < level {
		return false
	}
	return level <= LevelWarn || logKeyEnabled(logKey)
}

func logTo(level LogLevel, logKey LogKey, format string, args ...interface{}) {
	if !shouldLog(level, logKey) {
		return
	}
	prefix := level.String()
	if key := logKey.String(); key != "" && key != "*" {
		prefix += " " + key + ":"
	}
	consoleLogger.Printf(prefix+" "+format, args...)
}

func Errorf(logKey LogKey, format string, args ...interface{}) {
	logTo(LevelError, logKey, format, args...)
}

func Warnf(logKey LogKey, format string, args ...interface{}) {
	logTo(LevelWarn, logKey, format, args...)
}

func Infof(logKey LogKey, format string, args ...interface{}) {
	logTo(LevelInfo, logKey, format, args...)
}

func Debugf(logKey LogKey, format string, args ...interface{}) {
	logTo(LevelDebug, logKey, format, args...)
}

func Tracef(logKey LogKey, format string, args ...interface{}) {
	logTo(LevelTrace, logKey, format, args...)
}

// LogContextKey is the context key used to store a correlation ID for logging.
type LogContextKey struct{}

// LogContext carries per-connection correlation state through a context.Context.
type LogContext struct {
	CorrelationID string
}

func formatCtx(ctx context.Context, format string) string {
	if ctx == nil {
		return format
	}
	if logCtx, ok := ctx.Value(LogContextKey{}).(LogContext); ok && logCtx.CorrelationID != "" {
		return "c:" + logCtx.CorrelationID + " " + format
	}
	return format
}

func ErrorfCtx(ctx context.Context, logKey LogKey, format string, args ...interface{}) {
	logTo(LevelError, logKey, formatCtx(ctx, format), args...)
}

func WarnfCtx(ctx context.Context, logKey LogKey, format string, args ...interface{}) {
	logTo(LevelWarn, logKey, formatCtx(ctx, format), args...)
}

func InfofCtx(ctx context.Context, logKey LogKey, format string, args ...interface{}) {
	logTo(LevelInfo, logKey, formatCtx(ctx, format), args...)
}

func DebugfCtx(ctx context.Context, logKey LogKey, format string, args ...interface{}) {
	logTo(LevelDebug, logKey, formatCtx(ctx, format), args...)
}

func TracefCtx(ctx context.Context, logKey LogKey, format string, args ...interface{}) {
	logTo(LevelTrace, logKey, formatCtx(ctx, format), args...)
}
