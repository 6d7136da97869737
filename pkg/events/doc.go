/*
Package events provides an in-memory event broker for TaskGrid's pub/sub
notifications.

The driver publishes an event whenever a job enters or leaves the queue, a
job's SLA is changed administratively, a node connects or is lost, or a bundle
is sent or returned. Consumers (the WatchEvents RPC behind `taskgrid events`,
tests) subscribe without holding any reference into queue or registry state: each
event is a plain value.

# Architecture

	Queue / Dispatcher / Driver
	          │ Publish (never blocks)
	          ▼
	 ┌────────────────────┐
	 │ event channel (256)│──── full ──▶ dropped counter
	 └─────────┬──────────┘
	           │ delivery loop, per-subscriber type filter
	 ┌─────────┼───────────────┐
	 ▼         ▼               ▼
	sub(64)   sub(64)   ...   sub(64)   (full subscriber: event skipped)

Publish is called from dispatch paths while no lock is held, and must never
stall them, so both the broker channel and subscriber channels drop on
overflow. Dropped reports the number of discarded deliveries.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	// Only job lifecycle events; no arguments means everything
	sub := broker.Subscribe(events.EventJobQueued, events.EventJobCompleted)
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Type, ev.JobUUID)
	}
*/
package events
