// Copyright 2024 The TinyDD Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log centralizes structured logging setup so every component logs
// through the same sink and fields, mirroring the teacher's logutil wrapper
// around github.com/pingcap/log and go.uber.org/zap.
package log

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Field re-exports zap.Field so callers only need to import this package.
type Field = zap.Field

var (
	String = zap.String
	Int    = zap.Int
	Int64  = zap.Int64
	Uint64 = zap.Uint64
	Error  = zap.Error
	Bool   = zap.Bool
	Any    = zap.Any
)

// Init installs the process-wide logger at the given level ("debug", "info",
// "warn", "error"). Matches the teacher's cmd/pd-server bootstrap.
func Init(level string) error {
	cfg := &log.Config{Level: level, File: log.FileLogConfig{}}
	logger, props, err := log.InitLogger(cfg)
	if err != nil {
		return err
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

func Debug(msg string, fields ...Field)   { log.Debug(msg, fields...) }
func Info(msg string, fields ...Field)    { log.Info(msg, fields...) }
func Warn(msg string, fields ...Field)    { log.Warn(msg, fields...) }
func ErrorMsg(msg string, fields ...Field) { log.Error(msg, fields...) }

// Fatal logs at fatal level and terminates the process. Used for
// non-retriable invariant violations (see registry.Registry.Check) and for
// startup failures in cmd/dd-server.
func Fatal(msg string, fields ...Field) { log.Fatal(msg, fields...) }

// With returns a child logger scoped with the given fields, e.g. per
// distributor-id or per-shard-range logging.
func With(fields ...Field) *zap.Logger {
	return log.L().With(fields...)
}
