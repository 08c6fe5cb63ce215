/*
Copyright © 2024 Metaldeploy Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package system

import (
	"github.com/sirupsen/logrus"

	"github.com/metaldeploy/agent-core/pkg/types"
)

// LogrusLogger adapts *logrus.Entry to types.Logger, the logging library
// the teacher uses throughout its own Config.Logger field.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger returns a types.Logger logging at level through a fresh
// logrus.Logger writing structured text output, matching the teacher's
// default formatter choice.
func NewLogrusLogger(level logrus.Level) *LogrusLogger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

var _ types.Logger = (*LogrusLogger)(nil)

func (l *LogrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *LogrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *LogrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *LogrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *LogrusLogger) WithField(key string, value interface{}) types.Logger {
	return &LogrusLogger{entry: l.entry.WithField(key, value)}
}
