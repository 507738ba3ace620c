package stream

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenflow/copilot-stream/internal/copilot/types"
)

// chunkedReader returns its payload in fixed chunks to exercise lines split
// across reads.
type chunkedReader struct {
	data string
	size int
	off  int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	end := r.off + r.size
	if end > len(r.data) {
		end = len(r.data)
	}
	n := copy(p, r.data[r.off:end])
	r.off += n
	return n, nil
}

func drain(t *testing.T, d *Decoder) []*types.Event {
	t.Helper()
	var events []*types.Event
	for {
		ev, err := d.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestDecoderBasicEvents(t *testing.T) {
	raw := "data: {\"type\":\"chat_id\",\"data\":\"c-42\"}\n" +
		"data: {\"type\":\"content\",\"data\":\"hello\"}\n" +
		"data: {\"type\":\"done\"}\n"

	events := drain(t, NewDecoder(strings.NewReader(raw), nil))
	require.Len(t, events, 3)
	assert.Equal(t, types.EventChatID, events[0].Type)
	assert.Equal(t, "c-42", events[0].Text())
	assert.Equal(t, types.EventContent, events[1].Type)
	assert.Equal(t, "hello", events[1].Text())
	assert.Equal(t, types.EventDone, events[2].Type)
}

func TestDecoderLineSplitAcrossChunks(t *testing.T) {
	raw := "data: {\"type\":\"content\",\"data\":\"one\"}\n" +
		"data: {\"type\":\"content\",\"data\":\"two\"}\n"

	// Every chunk size must reassemble the same event sequence.
	for size := 1; size <= len(raw); size++ {
		events := drain(t, NewDecoder(&chunkedReader{data: raw, size: size}, nil))
		require.Len(t, events, 2, "chunk size %d", size)
		assert.Equal(t, "one", events[0].Text(), "chunk size %d", size)
		assert.Equal(t, "two", events[1].Text(), "chunk size %d", size)
	}
}

func TestDecoderSkipsNoise(t *testing.T) {
	raw := ": heartbeat\n" +
		"\n" +
		"event: message\n" +
		"data: not json at all\n" +
		"data: {\"no_type\":true}\n" +
		"data:{\"type\":\"content\",\"data\":\"kept\"}\n"

	events := drain(t, NewDecoder(strings.NewReader(raw), nil))
	require.Len(t, events, 1)
	assert.Equal(t, "kept", events[0].Text())
}

func TestDecoderTrimsCarriageReturn(t *testing.T) {
	raw := "data: {\"type\":\"content\",\"data\":\"crlf\"}\r\n"
	events := drain(t, NewDecoder(strings.NewReader(raw), nil))
	require.Len(t, events, 1)
	assert.Equal(t, "crlf", events[0].Text())
}

func TestDecoderDiscardsPartialTrailingLine(t *testing.T) {
	raw := "data: {\"type\":\"content\",\"data\":\"full\"}\n" +
		"data: {\"type\":\"content\",\"da" // truncated mid-line

	events := drain(t, NewDecoder(strings.NewReader(raw), nil))
	require.Len(t, events, 1)
	assert.Equal(t, "full", events[0].Text())
}
