/*
Package wire defines what travels between the driver, its nodes and its
clients.

# Node frames

A node session is a bidirectional gRPC stream of frames. Every frame is a
protobuf-compatible envelope holding exactly one message, encoded by hand with
protowire so no generated code is involved:

	envelope
	├─ 1 Hello     uuid, host, threads, properties, reserved job/uuid
	├─ 2 Bundle    job uuid, name, priority, flags, bundle id,
	│              data provider, tasks{position, payload}, task count
	├─ 3 Result    job uuid, bundle id, requeue, node exception,
	│              tasks{position, result, exception}, system info, elapsed
	└─ 4 Control   kind (reconfigure | shutdown), properties, restart

The node opens the stream with a Hello. The driver then sends bundles, one at
a time, and the node answers each with a Result naming the same job and
bundle id. Unknown fields are skipped; a bundle whose task count does not match
the tasks it carries, or any truncated field, yields a *ProtocolError and the
session is dropped.

# Client API

DriverService calls use the same gRPC codec, which passes *Frame values through
untouched and encodes every other message as JSON. The request and response
types live in admin.go.
*/
package wire
