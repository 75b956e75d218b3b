//go:build !tinygo

package dw1000

import "log"

func init() {
	globalLogger = &stdLogger{}
}

// stdLogger is the default logger on host builds, where the shim's
// bring-up and SPI-error lines go to the standard log until the caller
// installs something structured via SetLogger.
type stdLogger struct{}

func (l *stdLogger) Debug(msg string) { log.Print("[DEBUG] " + msg) }
func (l *stdLogger) Info(msg string)  { log.Print("[INFO]  " + msg) }
func (l *stdLogger) Warn(msg string)  { log.Print("[WARN]  " + msg) }
func (l *stdLogger) Error(msg string) { log.Print("[ERROR] " + msg) }
