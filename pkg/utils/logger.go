package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

const (
	logFileName   = "threadrelay.log"
	logMaxBytes   = 10 * 1024 * 1024
	logMaxBackups = 5
)

// RotatableLogger is an io.Writer that appends to a file and rotates it by
// size, keeping numbered backups (file.1 is the newest backup). Safe for
// concurrent writers.
type RotatableLogger struct {
	Filename   string
	MaxSize    int64
	MaxBackups int

	mu   sync.Mutex
	file *os.File
}

// NewRotatableLogger creates a rotating writer for the given file.
func NewRotatableLogger(filename string, maxSize int64, maxBackups int) *RotatableLogger {
	return &RotatableLogger{
		Filename:   filename,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}
}

func (l *RotatableLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		if err := l.open(); err != nil {
			// Keep logging somewhere rather than dropping the line.
			return os.Stderr.Write(p)
		}
	}

	if info, err := l.file.Stat(); err == nil && info.Size() > l.MaxSize {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}

	return l.file.Write(p)
}

func (l *RotatableLogger) open() error {
	file, err := os.OpenFile(l.Filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = file
	return nil
}

func (l *RotatableLogger) close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// rotate shifts every backup up one slot, moves the live file into slot 1,
// and reopens a fresh live file. Rename failures for missing backups are
// ignored.
func (l *RotatableLogger) rotate() error {
	if err := l.close(); err != nil {
		return err
	}

	for i := l.MaxBackups - 1; i >= 1; i-- {
		os.Rename(backupName(l.Filename, i), backupName(l.Filename, i+1))
	}
	if l.MaxBackups > 0 {
		os.Rename(l.Filename, backupName(l.Filename, 1))
	}

	return l.open()
}

func backupName(filename string, n int) string {
	return fmt.Sprintf("%s.%d", filename, n)
}

// SetupLogger points the stdlib logger at a rotating file under logDir,
// mirrored to stderr.
func SetupLogger(logDir string) {
	os.MkdirAll(logDir, 0755)

	logger := NewRotatableLogger(filepath.Join(logDir, logFileName), logMaxBytes, logMaxBackups)
	log.SetOutput(io.MultiWriter(os.Stderr, logger))
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
}
