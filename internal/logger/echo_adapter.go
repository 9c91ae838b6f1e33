package logger

import (
	"fmt"
	"io"

	echo_log "github.com/labstack/gommon/log"
)

// EchoLoggerAdapter routes echo's internal logging through a module logger so
// server messages share the format and destinations of everything else.
//
//	e := echo.New()
//	e.Logger = logger.NewEchoLoggerAdapter(logger.Global().Module("http"))
type EchoLoggerAdapter struct {
	logger Logger
}

// NewEchoLoggerAdapter creates an adapter. A nil logger discards output.
func NewEchoLoggerAdapter(l Logger) *EchoLoggerAdapter {
	if l == nil {
		l = NewSlogLogger(io.Discard, LogLevelInfo, nil)
	}
	return &EchoLoggerAdapter{logger: l}
}

// Output, prefix, level and header are owned by the central logger config.
func (a *EchoLoggerAdapter) Output() io.Writer         { return io.Discard }
func (a *EchoLoggerAdapter) SetOutput(io.Writer)       {}
func (a *EchoLoggerAdapter) Prefix() string            { return "" }
func (a *EchoLoggerAdapter) SetPrefix(string)          {}
func (a *EchoLoggerAdapter) Level() echo_log.Lvl       { return echo_log.INFO }
func (a *EchoLoggerAdapter) SetLevel(echo_log.Lvl)     {}
func (a *EchoLoggerAdapter) SetHeader(string)          {}
func (a *EchoLoggerAdapter) Print(i ...any)            { a.logger.Info(fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Printf(f string, v ...any) { a.logger.Info(fmt.Sprintf(f, v...)) }
func (a *EchoLoggerAdapter) Printj(j echo_log.JSON)    { a.logger.Info("echo", Any("data", j)) }
func (a *EchoLoggerAdapter) Debug(i ...any)            { a.logger.Debug(fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Debugf(f string, v ...any) { a.logger.Debug(fmt.Sprintf(f, v...)) }
func (a *EchoLoggerAdapter) Debugj(j echo_log.JSON)    { a.logger.Debug("echo", Any("data", j)) }
func (a *EchoLoggerAdapter) Info(i ...any)             { a.logger.Info(fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Infof(f string, v ...any)  { a.logger.Info(fmt.Sprintf(f, v...)) }
func (a *EchoLoggerAdapter) Infoj(j echo_log.JSON)     { a.logger.Info("echo", Any("data", j)) }
func (a *EchoLoggerAdapter) Warn(i ...any)             { a.logger.Warn(fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Warnf(f string, v ...any)  { a.logger.Warn(fmt.Sprintf(f, v...)) }
func (a *EchoLoggerAdapter) Warnj(j echo_log.JSON)     { a.logger.Warn("echo", Any("data", j)) }
func (a *EchoLoggerAdapter) Error(i ...any)            { a.logger.Error(fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Errorf(f string, v ...any) { a.logger.Error(fmt.Sprintf(f, v...)) }
func (a *EchoLoggerAdapter) Errorj(j echo_log.JSON)    { a.logger.Error("echo", Any("data", j)) }

// Fatal and Panic log at ERROR and panic; echo only calls them on
// unrecoverable startup errors.
func (a *EchoLoggerAdapter) Fatal(i ...any)            { a.Panic(i...) }
func (a *EchoLoggerAdapter) Fatalf(f string, v ...any) { a.Panicf(f, v...) }
func (a *EchoLoggerAdapter) Fatalj(j echo_log.JSON)    { a.Panicj(j) }

func (a *EchoLoggerAdapter) Panic(i ...any) {
	msg := fmt.Sprint(i...)
	a.logger.Error(msg)
	panic(msg)
}

func (a *EchoLoggerAdapter) Panicf(f string, v ...any) {
	msg := fmt.Sprintf(f, v...)
	a.logger.Error(msg)
	panic(msg)
}

func (a *EchoLoggerAdapter) Panicj(j echo_log.JSON) {
	a.logger.Error("echo panic", Any("data", j))
	panic(fmt.Sprint(j))
}
