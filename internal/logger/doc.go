// Package logger wraps zap for the upgrade tool:
//   - a global sugared logger writing console lines to stderr,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level parsing for the --log-level flag,
//   - key-value helpers per level (DebugKV, InfoKV, WarnKV, ErrorKV).
//
// Every step of the upgrade receives a context and logs through the logger
// stored in it, so step names show up as logger names.
package logger
