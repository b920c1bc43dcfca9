package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// AppLogger is the structured logger shared by every service.
type AppLogger interface {
	Info(message string, args ...slog.Attr)
	Warn(message string, args ...slog.Attr)
	Error(message string, err error, args ...slog.Attr)
	Fatal(message string, err error, args ...slog.Attr)
	With(args ...slog.Attr) AppLogger
}

type SLogger struct {
	l *slog.Logger
}

func NewAppSLogger(appHash string) *SLogger {
	return NewAppSLoggerWithWriter(os.Stdout, appHash)
}

func NewAppSLoggerWithWriter(w io.Writer, appHash string) *SLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	l := slog.New(handler)
	if appHash != "" {
		l = l.With(slog.String("hash", appHash))
	}
	return &SLogger{l: l}
}

func (s *SLogger) Info(message string, args ...slog.Attr) {
	s.l.LogAttrs(context.Background(), slog.LevelInfo, message, args...)
}

func (s *SLogger) Warn(message string, args ...slog.Attr) {
	s.l.LogAttrs(context.Background(), slog.LevelWarn, message, args...)
}

func (s *SLogger) Error(message string, err error, args ...slog.Attr) {
	s.l.LogAttrs(context.Background(), slog.LevelError, message, append(args, errAttr(err))...)
}

func (s *SLogger) Fatal(message string, err error, args ...slog.Attr) {
	s.Error(message, err, args...)
	os.Exit(1)
}

func (s *SLogger) With(args ...slog.Attr) AppLogger {
	anyArgs := make([]any, 0, len(args))
	for _, arg := range args {
		anyArgs = append(anyArgs, arg)
	}
	return &SLogger{l: s.l.With(anyArgs...)}
}

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
