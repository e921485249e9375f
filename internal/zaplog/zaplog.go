// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package zaplog implements a log.Outputter that emits structured
// log entries through a zap logger.
package zaplog

import (
	"fmt"
	"io"
	"path/filepath"
	"runtime"

	"github.com/grailbio/base/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Outputter is a log.Outputter that writes to a zap logger. Entries
// carry the level and the caller of the logging function.
type Outputter struct {
	logger *zap.Logger
	level  log.Level
}

// New returns an outputter that writes messages at or below the
// provided level to logger.
func New(logger *zap.Logger, level log.Level) *Outputter {
	return &Outputter{logger: logger, level: level}
}

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "ts",
	MessageKey:     "msg",
	LevelKey:       "level",
	NameKey:        "logger",
	EncodeLevel:    zapcore.LowercaseLevelEncoder,
	EncodeTime:     zapcore.ISO8601TimeEncoder,
	EncodeDuration: zapcore.StringDurationEncoder,
}

// NewJSON returns an outputter that writes JSON-encoded entries,
// one per line, to w.
func NewJSON(w io.Writer, level log.Level) *Outputter {
	return newOutputter(zapcore.NewJSONEncoder(encoderConfig), w, level)
}

// NewConsole returns an outputter that writes tab-separated,
// human-readable entries to w.
func NewConsole(w io.Writer, level log.Level) *Outputter {
	return newOutputter(zapcore.NewConsoleEncoder(encoderConfig), w, level)
}

func newOutputter(enc zapcore.Encoder, w io.Writer, level log.Level) *Outputter {
	logger := zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), zapcore.DebugLevel))
	return New(logger, level)
}

// Level implements log.Outputter.
func (o *Outputter) Level() log.Level {
	return o.level
}

// Output implements log.Outputter.
func (o *Outputter) Output(calldepth int, level log.Level, s string) error {
	if level > o.level {
		return nil
	}
	ce := o.logger.Check(zapLevel(level), s)
	if ce == nil {
		return nil
	}
	var fields []zap.Field
	if _, file, line, ok := runtime.Caller(calldepth + 1); ok {
		fields = append(fields, zap.String("caller", fmt.Sprintf("%s:%d", filepath.Base(file), line)))
	}
	ce.Write(fields...)
	return nil
}

// Sync flushes any buffered entries.
func (o *Outputter) Sync() error {
	return o.logger.Sync()
}

func zapLevel(level log.Level) zapcore.Level {
	switch {
	case level <= log.Error:
		return zapcore.ErrorLevel
	case level >= log.Debug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
