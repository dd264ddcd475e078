// Package log provides the logging abstraction used by spokesync components.
//
// Components accept a [Logger] and default to [NoopLogger] when none is
// injected. The CLI wires a [ZerologAdapter].
//
// # Usage
//
//	logger := log.NewZerologAdapter(os.Stderr)
//	if err := logger.SetLevel("debug"); err != nil {
//	    return err
//	}
//
//	peerLog := log.With(logger, log.String("peer", addr))
//	peerLog.Info("connected")
//
// # Custom Loggers
//
// Implement the Logger interface to integrate with existing logging
// infrastructure:
//
//	func (l *MyLogger) Debug(msg string, fields ...log.Field) { ... }
//	func (l *MyLogger) Info(msg string, fields ...log.Field) { ... }
//	func (l *MyLogger) Warn(msg string, fields ...log.Field) { ... }
//	func (l *MyLogger) Error(msg string, fields ...log.Field) { ... }
package log
