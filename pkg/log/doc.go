/*
Package log provides structured logging for the storage engine using zerolog.

The log package wraps zerolog to provide JSON or console structured logging
with component-specific child loggers and a configurable level. There are
no message-only package-level helpers: every log line goes through a child
logger from one of the With* constructors.

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Level is one of DebugLevel, InfoLevel, WarnLevel, ErrorLevel. JSONOutput
selects JSON lines versus a human-readable console writer; Output defaults
to os.Stdout.

# Component loggers

The engine components that log (wal, snapshot, recovery, engine) derive a
child logger carrying their name and the identifiers relevant to that
component; batch commits log through WithBatchID instead, and the pool and
idindex packages do not log:

	l := log.WithComponent("wal")
	l.Info().Uint32("wal_segment", segmentNumber).Msg("segment rotated")

WithSegment and WithBatchID attach the WAL segment number and batch
identifier that segment rotation and batch commits are organized around;
WithComponentAndLSN combines a component name with a log sequence number
in one call, for recovery's per-record replay logging.
*/
package log
