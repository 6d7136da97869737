package wire

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cuemby/taskgrid/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

type protoNumber = protowire.Number

// Envelope fields: exactly one is present in a frame
const (
	fieldHello   protoNumber = 1
	fieldBundle  protoNumber = 2
	fieldResult  protoNumber = 3
	fieldControl protoNumber = 4
)

// MaxTasksPerBundle bounds the task count a decoder accepts
const MaxTasksPerBundle = 1 << 20

// Frame is one encoded message on a node connection
type Frame struct {
	Data []byte
}

// ProtocolError reports a malformed or undecodable frame. The connection that
// produced it is treated as failed.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// SerializationError reports a message the driver or node could not encode
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to serialize message: %v", e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// Encode serializes a message into a frame
func Encode(m Message) (*Frame, error) {
	var body []byte
	switch msg := m.(type) {
	case *Hello:
		body = appendHello(nil, msg)
	case *BundleMessage:
		if len(msg.Tasks) > MaxTasksPerBundle {
			return nil, &SerializationError{Err: fmt.Errorf("bundle has %d tasks, limit is %d", len(msg.Tasks), MaxTasksPerBundle)}
		}
		body = appendBundle(nil, msg)
	case *ResultMessage:
		body = appendResult(nil, msg)
	case *Control:
		body = appendControl(nil, msg)
	default:
		return nil, &SerializationError{Err: fmt.Errorf("unsupported message type %T", m)}
	}

	data := protowire.AppendTag(nil, m.kind(), protowire.BytesType)
	data = protowire.AppendBytes(data, body)
	return &Frame{Data: data}, nil
}

// Decode parses a frame into its message
func Decode(f *Frame) (Message, error) {
	if f == nil || len(f.Data) == 0 {
		return nil, &ProtocolError{Reason: "empty frame"}
	}
	num, typ, n := protowire.ConsumeTag(f.Data)
	if n < 0 {
		return nil, &ProtocolError{Reason: "bad envelope tag", Err: protowire.ParseError(n)}
	}
	if typ != protowire.BytesType {
		return nil, &ProtocolError{Reason: fmt.Sprintf("envelope field %d has wire type %d", num, typ)}
	}
	body, m := protowire.ConsumeBytes(f.Data[n:])
	if m < 0 {
		return nil, &ProtocolError{Reason: "truncated envelope", Err: protowire.ParseError(m)}
	}
	if n+m != len(f.Data) {
		return nil, &ProtocolError{Reason: "trailing bytes after message"}
	}

	var (
		msg Message
		err error
	)
	switch num {
	case fieldHello:
		msg, err = parseHello(body)
	case fieldBundle:
		msg, err = parseBundle(body)
	case fieldResult:
		msg, err = parseResult(body)
	case fieldControl:
		msg, err = parseControl(body)
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown message kind %d", num)}
	}
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid message kind %d", num), Err: err}
	}
	return msg, nil
}

// Hello: 1 uuid, 2 host, 3 threads, 4 property entries, 5 reserved job, 6 reserved uuid
func appendHello(b []byte, h *Hello) []byte {
	b = appendString(b, 1, h.NodeUUID)
	b = appendString(b, 2, h.Host)
	b = appendVarint(b, 3, uint64(h.Threads))
	b = appendProperties(b, 4, h.Properties)
	b = appendString(b, 5, h.ReservedJob)
	b = appendString(b, 6, h.ReservedUUID)
	return b
}

func parseHello(b []byte) (*Hello, error) {
	h := &Hello{Properties: map[string]string{}}
	err := walk(b, func(num protoNumber, typ protowire.Type, v field) error {
		switch num {
		case 1:
			h.NodeUUID = v.str()
		case 2:
			h.Host = v.str()
		case 3:
			n, err := v.int()
			if err != nil {
				return err
			}
			h.Threads = n
		case 4:
			k, val, err := parseProperty(v.bytes)
			if err != nil {
				return err
			}
			h.Properties[k] = val
		case 5:
			h.ReservedJob = v.str()
		case 6:
			h.ReservedUUID = v.str()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if h.NodeUUID == "" {
		return nil, &ProtocolError{Reason: "hello without node uuid"}
	}
	return h, nil
}

// Bundle: 1 job uuid, 2 name, 3 priority (zigzag), 4 flags, 5 bundle id,
// 6 data provider, 7 tasks {1 position, 2 payload, 3 timeout}, 8 task count.
// Timeout: 1 delay nanos, 2 date unix nanos (zigzag)
func appendBundle(b []byte, m *BundleMessage) []byte {
	b = appendString(b, 1, m.JobUUID)
	b = appendString(b, 2, m.JobName)
	b = appendVarint(b, 3, protowire.EncodeZigZag(int64(m.Priority)))
	b = appendVarint(b, 4, m.Flags)
	b = appendVarint(b, 5, uint64(m.BundleID))
	b = appendBytes(b, 6, m.DataProvider)
	for _, t := range m.Tasks {
		var tb []byte
		tb = appendVarint(tb, 1, uint64(t.Position))
		tb = appendBytes(tb, 2, t.Payload)
		if t.Timeout != nil {
			tb = protowire.AppendTag(tb, 3, protowire.BytesType)
			tb = protowire.AppendBytes(tb, appendSchedule(nil, t.Timeout))
		}
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, tb)
	}
	b = appendVarint(b, 8, uint64(len(m.Tasks)))
	return b
}

func parseBundle(b []byte) (*BundleMessage, error) {
	m := &BundleMessage{}
	count := -1
	err := walk(b, func(num protoNumber, typ protowire.Type, v field) error {
		switch num {
		case 1:
			m.JobUUID = v.str()
		case 2:
			m.JobName = v.str()
		case 3:
			m.Priority = int(protowire.DecodeZigZag(v.varint))
		case 4:
			m.Flags = v.varint
		case 5:
			m.BundleID = int64(v.varint)
		case 6:
			m.DataProvider = v.copyBytes()
		case 7:
			if len(m.Tasks) >= MaxTasksPerBundle {
				return &ProtocolError{Reason: "too many tasks in bundle"}
			}
			var t TaskPayload
			err := walk(v.bytes, func(num protoNumber, typ protowire.Type, tv field) error {
				switch num {
				case 1:
					n, err := tv.int()
					if err != nil {
						return err
					}
					t.Position = n
				case 2:
					t.Payload = tv.copyBytes()
				case 3:
					sched, err := parseSchedule(tv.bytes)
					if err != nil {
						return err
					}
					t.Timeout = sched
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.Tasks = append(m.Tasks, t)
		case 8:
			n, err := v.int()
			if err != nil {
				return err
			}
			count = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if count != len(m.Tasks) {
		return nil, &ProtocolError{Reason: fmt.Sprintf("bundle header announces %d tasks, frame carries %d", count, len(m.Tasks))}
	}
	return m, nil
}

func appendSchedule(b []byte, s *types.Schedule) []byte {
	if s.Delay > 0 {
		b = appendVarint(b, 1, uint64(s.Delay))
	}
	if !s.Date.IsZero() {
		b = appendVarint(b, 2, protowire.EncodeZigZag(s.Date.UnixNano()))
	}
	return b
}

func parseSchedule(b []byte) (*types.Schedule, error) {
	s := &types.Schedule{}
	err := walk(b, func(num protoNumber, typ protowire.Type, v field) error {
		switch num {
		case 1:
			if v.varint > math.MaxInt64 {
				return &ProtocolError{Reason: "timeout delay out of range"}
			}
			s.Delay = time.Duration(v.varint)
		case 2:
			s.Date = time.Unix(0, protowire.DecodeZigZag(v.varint))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Result: 1 job uuid, 2 bundle id, 3 requeue, 4 node exception,
// 5 tasks {1 position, 2 result, 3 exception}, 6 system info, 7 elapsed nanos
func appendResult(b []byte, m *ResultMessage) []byte {
	b = appendString(b, 1, m.JobUUID)
	b = appendVarint(b, 2, uint64(m.BundleID))
	if m.Requeue {
		b = appendVarint(b, 3, protowire.EncodeBool(true))
	}
	b = appendString(b, 4, m.NodeException)
	for _, t := range m.Tasks {
		var tb []byte
		tb = appendVarint(tb, 1, uint64(t.Position))
		tb = appendBytes(tb, 2, t.Result)
		tb = appendString(tb, 3, t.Exception)
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, tb)
	}
	if m.SystemInfo != nil {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, appendHello(nil, m.SystemInfo))
	}
	if m.Elapsed > 0 {
		b = appendVarint(b, 7, uint64(m.Elapsed))
	}
	return b
}

func parseResult(b []byte) (*ResultMessage, error) {
	m := &ResultMessage{}
	err := walk(b, func(num protoNumber, typ protowire.Type, v field) error {
		switch num {
		case 1:
			m.JobUUID = v.str()
		case 2:
			m.BundleID = int64(v.varint)
		case 3:
			m.Requeue = protowire.DecodeBool(v.varint)
		case 4:
			m.NodeException = v.str()
		case 5:
			if len(m.Tasks) >= MaxTasksPerBundle {
				return &ProtocolError{Reason: "too many tasks in result"}
			}
			var t TaskResult
			err := walk(v.bytes, func(num protoNumber, typ protowire.Type, tv field) error {
				switch num {
				case 1:
					n, err := tv.int()
					if err != nil {
						return err
					}
					t.Position = n
				case 2:
					t.Result = tv.copyBytes()
				case 3:
					t.Exception = tv.str()
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.Tasks = append(m.Tasks, t)
		case 6:
			h, err := parseHello(v.bytes)
			if err != nil {
				return err
			}
			m.SystemInfo = h
		case 7:
			if v.varint > math.MaxInt64 {
				return &ProtocolError{Reason: "elapsed time overflows"}
			}
			m.Elapsed = time.Duration(v.varint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Control: 1 kind, 2 property entries, 3 restart
func appendControl(b []byte, c *Control) []byte {
	b = appendVarint(b, 1, uint64(c.Kind))
	b = appendProperties(b, 2, c.Properties)
	if c.Restart {
		b = appendVarint(b, 3, protowire.EncodeBool(true))
	}
	return b
}

func parseControl(b []byte) (*Control, error) {
	c := &Control{Properties: map[string]string{}}
	err := walk(b, func(num protoNumber, typ protowire.Type, v field) error {
		switch num {
		case 1:
			c.Kind = ControlKind(v.varint)
		case 2:
			k, val, err := parseProperty(v.bytes)
			if err != nil {
				return err
			}
			c.Properties[k] = val
		case 3:
			c.Restart = protowire.DecodeBool(v.varint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.Kind != ControlReconfigure && c.Kind != ControlShutdown {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown control kind %d", c.Kind)}
	}
	return c, nil
}

func appendProperties(b []byte, num protoNumber, props map[string]string) []byte {
	for _, k := range sortedKeys(props) {
		var eb []byte
		eb = appendString(eb, 1, k)
		eb = appendString(eb, 2, props[k])
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b
}

func parseProperty(b []byte) (string, string, error) {
	var k, v string
	err := walk(b, func(num protoNumber, typ protowire.Type, f field) error {
		switch num {
		case 1:
			k = f.str()
		case 2:
			v = f.str()
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	if k == "" {
		return "", "", &ProtocolError{Reason: "property without key"}
	}
	return k, v, nil
}

func appendString(b []byte, num protoNumber, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protoNumber, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protoNumber, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// field is one decoded value; bytes aliases the frame buffer
type field struct {
	varint uint64
	bytes  []byte
}

func (f field) str() string { return string(f.bytes) }

func (f field) copyBytes() []byte {
	out := make([]byte, len(f.bytes))
	copy(out, f.bytes)
	return out
}

func (f field) int() (int, error) {
	if f.varint > math.MaxInt32 {
		return 0, &ProtocolError{Reason: fmt.Sprintf("integer %d out of range", f.varint)}
	}
	return int(f.varint), nil
}

// walk visits every field of a message, checking wire types for the known
// varint and bytes layouts and skipping anything else.
func walk(b []byte, visit func(num protoNumber, typ protowire.Type, v field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &ProtocolError{Reason: "bad field tag", Err: protowire.ParseError(n)}
		}
		b = b[n:]

		var v field
		switch typ {
		case protowire.VarintType:
			x, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return &ProtocolError{Reason: fmt.Sprintf("bad varint in field %d", num), Err: protowire.ParseError(m)}
			}
			v.varint = x
			b = b[m:]
		case protowire.BytesType:
			x, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return &ProtocolError{Reason: fmt.Sprintf("bad bytes in field %d", num), Err: protowire.ParseError(m)}
			}
			v.bytes = x
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return &ProtocolError{Reason: fmt.Sprintf("bad field %d", num), Err: protowire.ParseError(m)}
			}
			b = b[m:]
			continue
		}
		if err := visit(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}
