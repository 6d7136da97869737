// Package timer runs job start and expiration callbacks from one goroutine.
//
// Deadlines live in a min-heap keyed by an arbitrary string (the queue uses
// "start/<job>" and "expire/<job>"). A single time.Timer is reset to the
// earliest deadline, so thousands of jobs with schedules cost one goroutine.
// Callbacks run on the timer goroutine and must not block.
package timer
