package logger

import "go.uber.org/zap"

// CronLogger adapts the global zap logger to the cron.Logger interface.
type CronLogger struct {
	sugar *zap.SugaredLogger
}

// NewCronLogger returns a cron logger backed by the global zap logger.
func NewCronLogger() *CronLogger {
	return &CronLogger{sugar: log.Named("cron").Sugar()}
}

func (c *CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.sugar.Debugw(msg, keysAndValues...)
}

func (c *CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.sugar.Errorw(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
