// Package logs is the leveled logger used across the gossip core: peer
// state transitions, queue drops, and connection failures go through it
// instead of the bare standard log package, so a deployment can dial the
// verbosity up or down without touching call sites.
package logs

import (
	"log"
	"os"
)

// Level gates which package-level calls actually print. Higher values are
// more severe; a call below the configured level is a no-op.
const (
	LevelDebug   = iota // 0, most detailed
	LevelVerbose        // 1
	LevelInfo           // 2
	LevelWarning        // 3
	LevelError          // 4, most severe
)

var logLevel = LevelInfo

var logger *Logger

// Logger holds one standard-library logger per level, each with its own
// prefix and destination stream.
type Logger struct {
	debugLogger   *log.Logger
	verboseLogger *log.Logger
	infoLogger    *log.Logger
	warnLogger    *log.Logger
	errorLogger   *log.Logger
}

func init() {
	flags := log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile
	logger = &Logger{
		debugLogger:   log.New(os.Stdout, "[DEBUG]   ", flags),
		verboseLogger: log.New(os.Stdout, "[VERBOSE] ", flags),
		infoLogger:    log.New(os.Stdout, "[INFO]    ", flags),
		warnLogger:    log.New(os.Stdout, "[WARN]    ", flags),
		errorLogger:   log.New(os.Stderr, "[ERROR]   ", flags),
	}
}

// SetLevel changes the global verbosity threshold. Calls below it become
// no-ops; it defaults to LevelInfo.
func SetLevel(level int) { logLevel = level }

func Debug(format string, v ...interface{}) {
	if logLevel <= LevelDebug {
		logger.debugLogger.Printf(format, v...)
	}
}

func Verbose(format string, v ...interface{}) {
	if logLevel <= LevelVerbose {
		logger.verboseLogger.Printf(format, v...)
	}
}

func Info(format string, v ...interface{}) {
	if logLevel <= LevelInfo {
		logger.infoLogger.Printf(format, v...)
	}
}

func Warn(format string, v ...interface{}) {
	if logLevel <= LevelWarning {
		logger.warnLogger.Printf(format, v...)
	}
}

func Error(format string, v ...interface{}) {
	if logLevel <= LevelError {
		logger.errorLogger.Printf(format, v...)
	}
}
