package logger

import (
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu           sync.RWMutex
	currentLevel = LevelInfo
	jsonFormat   = false
	logger       = stdlog.New(os.Stdout, "", 0)
	outputFile   *os.File
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel = LevelDebug
	case "INFO":
		currentLevel = LevelInfo
	case "WARN":
		currentLevel = LevelWarn
	case "ERROR":
		currentLevel = LevelError
	}
}

// SetFormat selects the line format: "text" (default) or "json".
func SetFormat(format string) {
	mu.Lock()
	defer mu.Unlock()
	jsonFormat = strings.EqualFold(format, "json")
}

// SetOutput redirects log output to "stdout", "stderr" or a file path.
// A previously opened log file is closed.
func SetOutput(output string) error {
	var w io.Writer
	var f *os.File

	switch strings.ToLower(output) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		var err error
		f, err = os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", output, err)
		}
		w = f
	}

	mu.Lock()
	defer mu.Unlock()
	if outputFile != nil {
		_ = outputFile.Close()
	}
	outputFile = f
	logger = stdlog.New(w, "", 0)
	return nil
}

func enabled(level Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return level >= currentLevel
}

func log(level Level, format string, v ...any) {
	if !enabled(level) {
		return
	}
	write(level.String(), fmt.Sprintf(format, v...))
}

func write(tag, message string) {
	mu.RLock()
	defer mu.RUnlock()

	now := time.Now()
	if jsonFormat {
		line, err := json.Marshal(map[string]string{
			"time":  now.Format(time.RFC3339Nano),
			"level": tag,
			"msg":   message,
		})
		if err == nil {
			logger.Println(string(line))
			return
		}
	}

	timestamp := now.Format("2006-01-02 15:04:05")
	logger.Println(fmt.Sprintf("[%s] [%s] ", timestamp, tag) + message)
}

func Debug(format string, v ...any) {
	log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log(LevelError, format, v...)
}

// Audit writes an audit record regardless of the configured level.
func Audit(format string, v ...any) {
	write("AUDIT", fmt.Sprintf(format, v...))
}
