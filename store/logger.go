// Copyright 2022 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
)

// gormLogger sends gorm's own messages to the logger in the statement's
// context. SQL traces are logged at debug level.
type gormLogger struct {
	level         logger.LogLevel
	slowThreshold time.Duration
}

var _ logger.Interface = &gormLogger{}

func newGormLogger() *gormLogger {
	return &gormLogger{level: logger.Warn, slowThreshold: 2 * time.Second}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	l2 := *l
	l2.level = level
	return &l2
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		logging.Infof(ctx, "gorm: "+msg, data...)
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		logging.Warningf(ctx, "gorm: "+msg, data...)
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		logging.Errorf(ctx, "gorm: "+msg, data...)
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		sql, rows := fc()
		logging.Errorf(ctx, "gorm: %s [%s, %d rows]: %s", sql, elapsed, rows, err.Error())
	case l.slowThreshold != 0 && elapsed > l.slowThreshold && l.level >= logger.Warn:
		sql, rows := fc()
		logging.Warningf(ctx, "gorm: slow query %s [%s, %d rows]", sql, elapsed, rows)
	default:
		sql, rows := fc()
		logging.Debugf(ctx, "gorm: %s [%s, %d rows]", sql, elapsed, rows)
	}
}
