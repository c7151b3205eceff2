/*
Package log provides structured logging for sentryd using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

sentryd's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("heartbeat")                │          │
	│  │  - WithDeviceID("dev-abc123")                │          │
	│  │  - WithTaskID("task-def456")                 │          │
	│  │  - WithSessionID("sess-789xyz")               │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "heartbeat",                │          │
	│  │    "time": "2026-07-31T10:30:00Z",          │          │
	│  │    "message": "task received"               │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF task received component=heartbeat │      │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all sentryd packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithDeviceID: Add device ID context
  - WithTaskID: Add task ID context
  - WithSessionID: Add terminal session ID context

# Log Levels

Debug Level:
  - Purpose: Detailed debugging information
  - Usage: Development and troubleshooting
  - Performance: Verbose, may impact production
  - Example: "Polling DoH provider: cloudflare-dns.com"

Info Level:
  - Purpose: General informational messages
  - Usage: Default production level
  - Performance: Moderate volume
  - Example: "Enrollment succeeded: device_id=dev-abc123"

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Usage: Situations that may require attention
  - Performance: Low volume
  - Example: "Heartbeat round-trip exceeded threshold"

Error Level:
  - Purpose: Operation failures that need investigation
  - Usage: Failed operations, exceptions
  - Performance: Low volume
  - Example: "Failed to upload audit batch: connection refused"

Fatal Level:
  - Purpose: Critical errors causing process termination
  - Usage: Unrecoverable errors only
  - Behavior: Logs message and exits process (os.Exit(1))
  - Example: "Failed to load device credentials: %v"

# Usage

Initializing the Logger:

	import "github.com/cuemby/sentryd/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

	// Custom output (file)
	file, _ := os.OpenFile("/var/log/sentryd.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     file,
	})

Simple Logging:

	log.Info("Agent starting")
	log.Debug("Checking reconnect policy")
	log.Warn("Audit cache approaching capacity")
	log.Error("Failed to dial control plane")
	log.Fatal("Cannot start without device credentials") // Exits process

Structured Logging:

	log.Logger.Info().
		Str("task_id", "task-123").
		Str("task_type", "cmd_exec").
		Msg("Task started")

	log.Logger.Error().
		Err(err).
		Str("device_id", "dev-abc").
		Msg("Heartbeat request failed")

Component Loggers:

	// Create component-specific logger
	heartbeatLog := log.WithComponent("heartbeat")
	heartbeatLog.Info().Msg("Starting heartbeat loop")
	heartbeatLog.Debug().Str("task_id", "task-123").Msg("Task dispatched")

	// Multiple context fields
	taskLog := log.WithComponent("task").
		With().Str("device_id", "dev-abc").
		Str("task_id", "task-123").Logger()
	taskLog.Info().Msg("Starting task")
	taskLog.Error().Err(err).Msg("Task failed")

Context Logger Helpers:

	// Device-specific logs
	deviceLog := log.WithDeviceID("dev-abc123")
	deviceLog.Info().Msg("Enrollment confirmed")

	// Task-specific logs
	taskLog := log.WithTaskID("task-def456")
	taskLog.Info().Msg("Task started")

	// Session-specific logs
	sessionLog := log.WithSessionID("sess-789xyz")
	sessionLog.Info().Msg("Terminal session opened")

Complete Example:

	package main

	import (
		"errors"
		"os"
		"github.com/cuemby/sentryd/pkg/log"
	)

	func main() {
		// Initialize logger
		log.Init(log.Config{
			Level:      log.InfoLevel,
			JSONOutput: true,
			Output:     os.Stdout,
		})

		log.Info("sentryd starting")

		// Component-specific logging
		heartbeatLog := log.WithComponent("heartbeat")
		heartbeatLog.Info().
			Str("device_id", "dev-1").
			Int("pending_tasks", 2).
			Msg("Heartbeat sent")

		// Error logging
		err := errors.New("connection refused")
		log.Logger.Error().
			Err(err).
			Str("component", "transport").
			Msg("Failed to dial control plane")

		log.Info("sentryd stopped")
	}

# Integration Points

This package integrates with:

  - pkg/heartbeat: Logs heartbeat round-trips and task dispatch
  - pkg/task: Logs task lifecycle transitions
  - pkg/terminal: Logs session open/close and resize events
  - pkg/transport: Logs TLS handshakes, pinning failures, DoH fallback
  - pkg/audit: Logs batch upload attempts and local persistence fallback
  - cmd/sentryd: Logs process startup and shutdown

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"heartbeat","time":"2026-07-31T10:30:00Z","message":"Agent enrolled"}
	{"level":"info","component":"task","task_id":"task-123","time":"2026-07-31T10:30:01Z","message":"Task scheduled"}
	{"level":"error","component":"terminal","session_id":"sess-abc","time":"2026-07-31T10:30:02Z","message":"Failed to start shell"}

Console Format (Development):

	10:30:00 INF Agent enrolled component=heartbeat
	10:30:01 INF Task scheduled component=task task_id=task-123
	10:30:02 ERR Failed to start shell component=terminal session_id=sess-abc

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to functions
  - Automatically includes context in all logs
  - Avoids repetitive field specification

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err)
  - Enables log aggregation and querying
  - Better than string concatenation
  - Parseable by log analysis tools

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Provides stack trace information
  - Enables error tracking and alerting
  - Consistent error format across codebase

# Security

Log Content:
  - Never log device private keys, enrollment tokens, or session input
  - Redact sensitive command arguments before logging (see pkg/audit)
  - Review logs before sharing externally

Log Access:
  - Restrict log file permissions (0640)
  - Audit log access in production
  - Encrypt logs at rest and in transit

Log Injection:
  - Use structured logging (prevents injection)
  - Never concatenate untrusted input (task payloads, terminal output) into
    log messages
  - Use typed fields (.Str, .Int) for untrusted data

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() for stack traces
  - Include context (device ID, task ID, session ID)

Don't:
  - Log device credentials or enrollment tokens
  - Use Debug level in production
  - Log raw terminal output in tight loops
  - Concatenate strings (use .Str, .Int)
  - Block on log writes (use buffered output)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
