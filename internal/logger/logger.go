package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

const (
	LevelFatal slog.Level = 12
)

// Options 日志初始化参数
type Options struct {
	Debug     bool
	Directory string        // 为空时只输出到标准输出
	Retention time.Duration // 超过该时长的日志文件会被删除
}

// sink 持有真正的输出目标, 所有派生的 handler 共享同一个 sink
type sink struct {
	ch          chan []byte
	wg          sync.WaitGroup
	closeOnce   sync.Once
	stdout      io.Writer
	writer      io.Writer
	currentDay  int      // 当前日志日期（day of year）
	currentFile *os.File // 当前日志文件
	basePath    string   // 日志文件基础路径
	retention   time.Duration
}

type AsyncHandler struct {
	sink     *sink
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

func NewAsyncHandler(opts Options, logLevel slog.Level, stdout io.Writer) *AsyncHandler {
	s := &sink{
		ch:        make(chan []byte, 1024),
		stdout:    stdout,
		writer:    stdout,
		basePath:  opts.Directory,
		retention: opts.Retention,
	}
	if err := s.rotateIfNeeded(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "log file unavailable, writing to stdout only: %v\n", err)
	}
	s.wg.Add(1)
	go s.startWorker()
	return &AsyncHandler{sink: s, logLevel: logLevel}
}

func (s *sink) cleanOldLogs() {
	if s.retention <= 0 {
		return
	}
	files, _ := filepath.Glob(filepath.Join(s.basePath, "*.log"))
	now := time.Now()
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > s.retention {
			_ = os.Remove(f)
		}
	}
}

// 初始化或按天轮转日志文件
func (s *sink) rotateIfNeeded() error {
	if s.basePath == "" {
		return nil
	}
	now := time.Now()
	if now.YearDay() == s.currentDay && s.currentFile != nil {
		return nil
	}

	if s.currentFile != nil {
		if err := s.currentFile.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		s.currentFile = nil
		s.writer = s.stdout
	}

	if err := os.MkdirAll(s.basePath, 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	path := filepath.Join(s.basePath, now.Format("2006-01-02")+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	s.currentFile = f
	s.currentDay = now.YearDay()
	s.writer = io.MultiWriter(s.stdout, f)
	s.cleanOldLogs()
	return nil
}

func (s *sink) startWorker() {
	defer s.wg.Done()
	for data := range s.ch {
		_ = s.rotateIfNeeded()
		_, _ = s.writer.Write(data)
	}
}

func (s *sink) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
		s.wg.Wait()
		if s.currentFile != nil {
			_ = s.currentFile.Sync()
			_ = s.currentFile.Close()
		}
	})
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	case LevelFatal:
		level = color.HiRedString("FATAL")
	}

	var line strings.Builder
	// 时间 | 级别 | 消息
	line.WriteString(fmt.Sprintf("%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05")),
		level,
		color.CyanString(r.Message),
	))

	prefix := ""
	if h.group != "" {
		prefix = h.group + "."
	}
	for _, attr := range h.attrs {
		line.WriteString(color.CyanString(" %s%s=%v", prefix, attr.Key, attr.Value))
	}
	r.Attrs(func(attr slog.Attr) bool {
		line.WriteString(color.CyanString(" %s%s=%v", prefix, attr.Key, attr.Value))
		return true
	})
	line.WriteByte('\n')

	h.Write([]byte(line.String()))
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	newAttrs = append(newAttrs, attrs...)
	return &AsyncHandler{sink: h.sink, attrs: newAttrs, group: h.group, logLevel: h.logLevel}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{sink: h.sink, attrs: h.attrs, group: name, logLevel: h.logLevel}
}

// Write 拷贝数据避免竞态
func (h *AsyncHandler) Write(p []byte) {
	pb := make([]byte, len(p))
	copy(pb, p)
	defer func() {
		// 关闭后写入的日志直接丢弃
		_ = recover()
	}()
	h.sink.ch <- pb
}

func (h *AsyncHandler) Close() error {
	h.sink.close()
	return nil
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(_ context.Context) error {
	return lc.handler.Close()
}

func Init(opts Options) *ShutdownCallback {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	handler := NewAsyncHandler(opts, level, color.Output)
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized")
	return &ShutdownCallback{handler: handler}
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
