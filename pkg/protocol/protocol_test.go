package protocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	writer := NewCodec(bufio.NewReader(&buf), w, 0)

	env, err := BuildEnvelope(MsgHeartbeat, "dev-1", "msg-1", HeartbeatData{
		CPUPercent:    12.5,
		MemoryPercent: 40,
		ActiveTasks:   2,
		UptimeSeconds: 600,
	})
	require.NoError(t, err)

	require.NoError(t, writer.WriteEnvelope(env))

	reader := NewCodec(bufio.NewReader(&buf), bufio.NewWriter(&buf), 0)
	got, err := reader.ReadEnvelope()
	require.NoError(t, err)

	assert.Equal(t, env.MessageType, got.MessageType)
	assert.Equal(t, env.SenderID, got.SenderID)
	assert.Equal(t, env.MessageID, got.MessageID)

	var hb HeartbeatData
	require.NoError(t, DecodeData(got, &hb))
	assert.Equal(t, 12.5, hb.CPUPercent)
	assert.Equal(t, 2, hb.ActiveTasks)
}

func TestCodecRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("10000000\n")
	reader := NewCodec(bufio.NewReader(&buf), bufio.NewWriter(&buf), 1024)
	_, err := reader.ReadEnvelope()
	require.Error(t, err)
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestCodecRejectsMalformedLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("not-a-number\n")
	reader := NewCodec(bufio.NewReader(&buf), bufio.NewWriter(&buf), 0)
	_, err := reader.ReadEnvelope()
	require.Error(t, err)
}

func TestCodecRejectsTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("20\n")
	buf.WriteString("{\"short\":true}")
	reader := NewCodec(bufio.NewReader(&buf), bufio.NewWriter(&buf), 0)
	_, err := reader.ReadEnvelope()
	require.Error(t, err)
}
