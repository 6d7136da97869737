/*
Package log provides structured logging for TaskGrid using zerolog.

A single global Logger is configured once by the taskgrid command through
Init. Packages derive child loggers that carry the identifiers an operator
filters on:

	┌───────────── Global Logger (zerolog) ─────────────┐
	│  Level: debug | info | warn | error                │
	│  Output: JSON or console, any io.Writer            │
	└──────────────┬────────────────────────────────────┘
	               │
	  WithComponent("dispatcher")   component=dispatcher
	  WithNodeID(uuid)              node_id=...
	  WithBundle(job, id, node)     job_id=... bundle_id=... node_id=...

# Usage

	log.Init(log.Config{Level: log.ParseLevel("debug"), JSONOutput: true})

	logger := log.WithComponent("queue")
	logger.Info().
		Str("job_id", job.UUID).
		Int("priority", job.SLA.Priority).
		Msg("Job queued")

Until Init runs the global logger discards everything, which keeps unit tests
quiet.

# Conventions

  - Messages start with a capital letter and carry no trailing period
  - Identifiers go in fields, never in the message text
  - Transport and protocol errors on node connections are logged at warn:
    they are recovered by resubmission and are not driver errors
  - Per-bundle traffic is logged at debug
*/
package log
