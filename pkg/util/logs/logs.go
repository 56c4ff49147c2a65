/*
 * Copyright (c) 2026 The partmount authors
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

// Package logs
package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/partmount/partmount/pkg/util/bytefmt"
)

var (
	program = filepath.Base(os.Args[0])

	logging loggingT

	noplogger *zap.Logger
	zaplogger *zap.Logger
)

func init() {
	// build default logger to prevent nil pointer
	// actually it's print to nowhere
	noplogger = zap.NewNop()
	zaplogger = noplogger
}

// AddFlags registers the logging flags on the given flag set.
func AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&logging.level, "log-level", "info",
		`log level ("debug", "info", "warn", "error", "panic", and "fatal").`)
	fs.StringVar(&logging.logDir, "log-dir", "", "if non-empty, write log files in this directory")
	fs.BoolVar(&logging.toStderr, "logtostderr", true, "log to standard error instead of files")
	fs.BoolVar(&logging.alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
	fs.BoolVar(&logging.readableLog, "enable-readable-log", true, "print human readable log")
	fs.StringVar(&logging.rotateSize, "log-rotate-size", "",
		"if non-empty, rotate log files once they reach this size, e.g. 512M or 2G")
	fs.Var(&logging.verbosity, "v", "log level for V logs")
}

// InitLogs need to be called explicit in the main application
func InitLogs() {
	if zaplogger != noplogger {
		return
	}
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if err := level.UnmarshalText([]byte(logging.level)); err != nil {
		fmt.Printf("log level '%s' invalid", logging.level)
	}

	var core zapcore.Core
	if logging.toStderr || logging.alsoToStderr {
		core = newStderrCore(level)
	}
	if !logging.toStderr && len(logging.logDir) > 0 {
		// creating log path
		if err := os.MkdirAll(logging.logDir, os.ModePerm); err != nil {
			fmt.Printf("create dir failed, err=%s\n", err.Error())
		} else {
			if core == nil {
				core = newFileCore(level)
			} else {
				core = zapcore.NewTee(core, newFileCore(level))
			}
		}
	}
	if core == nil {
		return
	}
	zaplogger = zap.New(core).WithOptions(zap.AddCallerSkip(1), zap.AddCaller())
}

func newStderrCore(level zap.AtomicLevel) zapcore.Core {
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	if logging.readableLog {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	writer := zapcore.AddSync(os.Stderr)
	return zapcore.NewCore(encoder, writer, level.Level())
}

func newFileCore(level zap.AtomicLevel) zapcore.Core {
	errenabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.WarnLevel
	})
	infoenabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= level.Level()
	})

	var rotateOpts []RotateOpt
	if logging.rotateSize != "" {
		size, err := bytefmt.ToBytes(logging.rotateSize)
		if err != nil {
			fmt.Printf("log rotate size '%s' invalid\n", logging.rotateSize)
		} else {
			rotateOpts = append(rotateOpts, SetRotateSize(int64(size)))
		}
	}

	errfilewriter := zapcore.AddSync(
		NewDiodeWriter(NewRotate(logging.logDir, program, "ERROR", rotateOpts...), 3000, 5*time.Millisecond, func(missed int) {
			fmt.Printf("Logger Dropped %d messages", missed)
		}),
	)
	infofilewriter := zapcore.AddSync(
		NewDiodeWriter(NewRotate(logging.logDir, program, "INFO", rotateOpts...), 3000, 5*time.Millisecond, func(missed int) {
			fmt.Printf("Logger Dropped %d messages", missed)
		}),
	)

	jsonEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	if logging.readableLog {
		jsonEncoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	return zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, infofilewriter, infoenabler),
		zapcore.NewCore(jsonEncoder, errfilewriter, errenabler),
	)
}

// loggingT collects all the global state of the logging setup.
type loggingT struct {
	toStderr     bool // The --logtostderr flag.
	alsoToStderr bool // The --alsologtostderr flag.

	// If non-empty, write log files in this directory
	logDir string

	// mu protects the remaining elements of this structure and is
	// used to synchronize logging.
	mu sync.Mutex

	// These flags are modified only under lock, although verbosity may be fetched
	// safely using atomic.LoadInt32.
	verbosity Level // V logging level, the value of the --v flag

	// zap log level, valid options are
	// ("debug", "info", "warn", "error", "dpanic", "panic", and "fatal").
	level string

	// whether enable human readable log
	readableLog bool

	// If non-empty, rotate log files at this size, e.g. "2G"
	rotateSize string
}

// Level specifies a level of verbosity for V logs. *Level implements
// pflag.Value; the --v flag is of type Level and should be modified
// only through the flag.Value interface.
type Level int32

// get returns the value of the Level.
func (l *Level) get() Level {
	return Level(atomic.LoadInt32((*int32)(l)))
}

// set sets the value of the Level.
func (l *Level) set(val Level) {
	atomic.StoreInt32((*int32)(l), int32(val))
}

// String is part of the flag.Value interface.
func (l *Level) String() string {
	return strconv.FormatInt(int64(*l), 10)
}

// Type is part of the pflag.Value interface.
func (l *Level) Type() string {
	return "Level"
}

// Set is part of the flag.Value interface.
func (l *Level) Set(value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	logging.mu.Lock()
	defer logging.mu.Unlock()
	logging.verbosity.set(Level(v))
	return nil
}

// Logger xxx
type Logger zap.Logger

// NewLogger creates a new log.Logger
func NewLogger() *Logger {
	return (*Logger)(zaplogger)
}

// V is a replacement of glog.V()
func V(level Level) *Logger {
	if logging.verbosity.get() >= level {
		return (*Logger)(zaplogger)
	}
	return nil
}

// V is a replacement of glog.V()
func (l *Logger) V(level Level) *Logger {
	if logging.verbosity.get() >= level {
		return l
	}
	return nil
}

// Check if need to print log
func Check(v *Logger) bool {
	return v != nil
}

// Infof is equivalent to the global Infof function, guarded by the value of v.
// See the documentation of V for usage.
func (l *Logger) Infof(template string, args ...interface{}) {
	if Check(l) {
		(*zap.Logger)(l).Sugar().Infof(template, args...)
	}
}

// Info is equivalent to the global Info function, guarded by the value of v.
// See the documentation of V for usage.
func (l *Logger) Info(msg string, fields ...zap.Field) {
	if Check(l) {
		(*zap.Logger)(l).Info(msg, fields...)
	}
}

// Debugf is equivalent to the global Debugf function, guarded by the value of v.
// See the documentation of V for usage.
func (l *Logger) Debugf(template string, args ...interface{}) {
	if Check(l) {
		(*zap.Logger)(l).Sugar().Debugf(template, args...)
	}
}

// Warn is equivalent to the global Warn function, guarded by the value of v.
// See the documentation of V for usage.
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	if Check(l) {
		(*zap.Logger)(l).Warn(msg, fields...)
	}
}

func (l *Logger) Warnf(template string, args ...interface{}) {
	if Check(l) {
		(*zap.Logger)(l).Sugar().Warnf(template, args...)
	}
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	if Check(l) {
		(*zap.Logger)(l).Error(msg, fields...)
	}
}

func (l *Logger) Errorf(template string, args ...interface{}) {
	if Check(l) {
		(*zap.Logger)(l).Sugar().Errorf(template, args...)
	}
}

func (l *Logger) Fatalf(template string, args ...interface{}) {
	if Check(l) {
		(*zap.Logger)(l).Sugar().Fatalf(template, args...)
	}
}

func (l *Logger) With(fields ...zap.Field) *Logger {
	if Check(l) {
		return (*Logger)((*zap.Logger)(l).With(fields...))
	}
	return nil
}

func (l *Logger) WithField(k, v string) *Logger {
	if Check(l) {
		return (*Logger)((*zap.Logger)(l).With(zap.String(k, v)))
	}
	return nil
}

func FlushLogs() {
	zaplogger.Sync()
}

func Info(msg string, fields ...zap.Field) {
	zaplogger.Info(msg, fields...)
}

// Infof is a repalcement of glog.Infof()
func Infof(template string, args ...interface{}) {
	zaplogger.Sugar().Infof(template, args...)
}

func Warn(msg string, fields ...zap.Field) {
	zaplogger.Warn(msg, fields...)
}

func Warnf(template string, args ...interface{}) {
	zaplogger.Sugar().Warnf(template, args...)
}

func Error(msg string, fields ...zap.Field) {
	zaplogger.Error(msg, fields...)
}

func Errorf(template string, args ...interface{}) {
	zaplogger.Sugar().Errorf(template, args...)
}

func Debugf(template string, args ...interface{}) {
	zaplogger.Sugar().Debugf(template, args...)
}

func Fatalf(template string, args ...interface{}) {
	zaplogger.Sugar().Fatalf(template, args...)
}
