package stream

import (
	"fmt"

	"github.com/go-stomp/stomp/v3"

	"notibell/pkg/logx"
)

// StompLogger routes go-stomp's internal logging through log. Everything is
// demoted one level: the library reports routine disconnects as errors.
func StompLogger(log logx.Logger) stomp.Logger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return stompLog{log: log.With(logx.String("lib", "stomp"))}
}

type stompLog struct{ log logx.Logger }

func (l stompLog) Debugf(format string, v ...interface{})   { l.log.Trace(fmt.Sprintf(format, v...)) }
func (l stompLog) Infof(format string, v ...interface{})    { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l stompLog) Warningf(format string, v ...interface{}) { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l stompLog) Errorf(format string, v ...interface{})   { l.log.Warn(fmt.Sprintf(format, v...)) }

func (l stompLog) Debug(msg string)   { l.log.Trace(msg) }
func (l stompLog) Info(msg string)    { l.log.Debug(msg) }
func (l stompLog) Warning(msg string) { l.log.Debug(msg) }
func (l stompLog) Error(msg string)   { l.log.Warn(msg) }
