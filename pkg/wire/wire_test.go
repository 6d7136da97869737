package wire

import (
	"testing"
	"time"

	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	f, err := Encode(m)
	require.NoError(t, err)
	out, err := Decode(f)
	require.NoError(t, err)
	return out
}

func TestBundleRoundTrip(t *testing.T) {
	in := &BundleMessage{
		JobUUID:      "job-1",
		JobName:      "render",
		Priority:     -3,
		Flags:        FlagBroadcast,
		BundleID:     42,
		DataProvider: []byte("shared"),
		Tasks: []TaskPayload{
			{Position: 0, Payload: []byte("a")},
			{Position: 7, Payload: []byte{}},
		},
	}
	out, ok := roundTrip(t, in).(*BundleMessage)
	require.True(t, ok)
	assert.Equal(t, "job-1", out.JobUUID)
	assert.Equal(t, -3, out.Priority)
	assert.Equal(t, FlagBroadcast, out.Flags)
	assert.Equal(t, int64(42), out.BundleID)
	assert.Equal(t, []byte("shared"), out.DataProvider)
	require.Len(t, out.Tasks, 2)
	assert.Equal(t, 7, out.Tasks[1].Position)
	assert.Equal(t, []byte{}, out.Tasks[1].Payload)
}

func TestBundleCarriesTaskTimeouts(t *testing.T) {
	date := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)
	in := &BundleMessage{
		JobUUID: "job-1",
		Tasks: []TaskPayload{
			{Position: 0, Payload: []byte("a")},
			{Position: 1, Payload: []byte("b"), Timeout: &types.Schedule{Delay: 1500 * time.Millisecond}},
			{Position: 2, Payload: []byte("c"), Timeout: &types.Schedule{Date: date}},
		},
	}
	out, ok := roundTrip(t, in).(*BundleMessage)
	require.True(t, ok)
	require.Len(t, out.Tasks, 3)
	assert.Nil(t, out.Tasks[0].Timeout)
	require.NotNil(t, out.Tasks[1].Timeout)
	assert.Equal(t, 1500*time.Millisecond, out.Tasks[1].Timeout.Delay)
	assert.True(t, out.Tasks[1].Timeout.Date.IsZero())
	require.NotNil(t, out.Tasks[2].Timeout)
	assert.Zero(t, out.Tasks[2].Timeout.Delay)
	assert.True(t, date.Equal(out.Tasks[2].Timeout.Date))
}

func TestResultCarriesSystemInfo(t *testing.T) {
	in := &ResultMessage{
		JobUUID:       "job-1",
		BundleID:      3,
		Requeue:       true,
		NodeException: "out of memory",
		Tasks: []TaskResult{
			{Position: 1, Result: []byte("r1")},
			{Position: 2, Exception: "boom"},
		},
		SystemInfo: &Hello{NodeUUID: "n1", Threads: 8, Properties: map[string]string{"os": "linux"}},
		Elapsed:    1500 * time.Millisecond,
	}
	out, ok := roundTrip(t, in).(*ResultMessage)
	require.True(t, ok)
	assert.True(t, out.Requeue)
	assert.Equal(t, "out of memory", out.NodeException)
	assert.Equal(t, 1500*time.Millisecond, out.Elapsed)
	require.NotNil(t, out.SystemInfo)
	assert.Equal(t, 8, out.SystemInfo.Threads)
	assert.Equal(t, "linux", out.SystemInfo.Properties["os"])

	tasks := out.ReturnedTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, []byte("r1"), tasks[0].Result)
	assert.True(t, tasks[1].Failed())
}

func TestHelloNodeInfo(t *testing.T) {
	h := &Hello{
		NodeUUID:     "new",
		Host:         "worker-1",
		Threads:      4,
		Properties:   map[string]string{"gpu": "on"},
		ReservedJob:  "job-1",
		ReservedUUID: "old",
	}
	out, ok := roundTrip(t, h).(*Hello)
	require.True(t, ok)
	info := out.NodeInfo()
	assert.Equal(t, "new", info.UUID)
	assert.Equal(t, "on", info.Properties["gpu"])
	assert.Equal(t, "job-1", info.Properties[types.PropReservedJob])
	assert.Equal(t, "old", info.Properties[types.PropReservedUUID])
}

func TestControlRoundTrip(t *testing.T) {
	in := &Control{Kind: ControlReconfigure, Properties: map[string]string{"mem": "32g"}, Restart: true}
	out, ok := roundTrip(t, in).(*Control)
	require.True(t, ok)
	assert.Equal(t, in, out)
}

func TestEncodingIsDeterministic(t *testing.T) {
	h := &Hello{NodeUUID: "n", Properties: map[string]string{"b": "2", "a": "1", "c": "3"}}
	f1, err := Encode(h)
	require.NoError(t, err)
	f2, err := Encode(h)
	require.NoError(t, err)
	assert.Equal(t, f1.Data, f2.Data)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	valid, err := Encode(&BundleMessage{JobUUID: "j", Tasks: []TaskPayload{{Position: 0}}})
	require.NoError(t, err)

	// Bundle announcing 3 tasks but carrying none
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.BytesType)
	body = protowire.AppendString(body, "j")
	body = protowire.AppendTag(body, 8, protowire.VarintType)
	body = protowire.AppendVarint(body, 3)
	mismatch := protowire.AppendTag(nil, fieldBundle, protowire.BytesType)
	mismatch = protowire.AppendBytes(mismatch, body)

	unknown := protowire.AppendTag(nil, 9, protowire.BytesType)
	unknown = protowire.AppendBytes(unknown, nil)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "truncated", data: valid.Data[:len(valid.Data)-2]},
		{name: "trailing bytes", data: append(append([]byte{}, valid.Data...), 0x01)},
		{name: "task count mismatch", data: mismatch},
		{name: "unknown kind", data: unknown},
		{name: "hello without uuid", data: mustEncode(t, &Hello{Host: "h"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(&Frame{Data: tt.data})
			var pe *ProtocolError
			assert.ErrorAs(t, err, &pe)
		})
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(ControlShutdown))
	body = protowire.AppendTag(body, 15, protowire.Fixed64Type)
	body = protowire.AppendFixed64(body, 99)
	data := protowire.AppendTag(nil, fieldControl, protowire.BytesType)
	data = protowire.AppendBytes(data, body)

	msg, err := Decode(&Frame{Data: data})
	require.NoError(t, err)
	assert.Equal(t, ControlShutdown, msg.(*Control).Kind)
}

func TestCodec(t *testing.T) {
	c := Codec{}
	assert.Equal(t, CodecName, c.Name())

	data, err := c.Marshal(&Frame{Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	var f Frame
	require.NoError(t, c.Unmarshal(data, &f))
	assert.Equal(t, []byte{1, 2, 3}, f.Data)

	data, err = c.Marshal(&PriorityRequest{UUID: "j", Priority: 4})
	require.NoError(t, err)
	var req PriorityRequest
	require.NoError(t, c.Unmarshal(data, &req))
	assert.Equal(t, 4, req.Priority)

	var pe *ProtocolError
	assert.ErrorAs(t, c.Unmarshal([]byte("{"), &req), &pe)
}

func mustEncode(t *testing.T, m Message) []byte {
	t.Helper()
	f, err := Encode(m)
	require.NoError(t, err)
	return f.Data
}
