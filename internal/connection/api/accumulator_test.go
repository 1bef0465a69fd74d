package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/recorder/internal/core"
)

func TestAccumulatorAppendConsume(t *testing.T) {
	a := NewAccumulator(0)
	require.NoError(t, a.Append([]byte("hello ")))
	require.NoError(t, a.Append([]byte("world")))
	assert.Equal(t, "hello world", string(a.Bytes()))

	a.Consume(6)
	assert.Equal(t, "world", string(a.Bytes()))
	assert.Equal(t, 5, a.Len())

	require.NoError(t, a.Append([]byte("!")))
	assert.Equal(t, "world!", string(a.Bytes()))

	a.Consume(100)
	assert.Equal(t, 0, a.Len())
}

func TestAccumulatorLimit(t *testing.T) {
	a := NewAccumulator(8)
	require.NoError(t, a.Append(make([]byte, 5)))
	err := a.Append(make([]byte, 4))
	assert.ErrorIs(t, err, core.ErrBufferLimit)
	assert.Equal(t, 5, a.Len(), "rejected bytes must not be buffered")

	a.Consume(3)
	assert.NoError(t, a.Append(make([]byte, 6)))
}

func TestAccumulatorTake(t *testing.T) {
	a := NewAccumulator(0)
	assert.Nil(t, a.Take())

	require.NoError(t, a.Append([]byte("abcdef")))
	a.Consume(2)
	out := a.Take()
	assert.Equal(t, "cdef", string(out))
	assert.Equal(t, 0, a.Len())

	// The taken slice is no longer shared with the buffer.
	require.NoError(t, a.Append([]byte("zz")))
	assert.Equal(t, "cdef", string(out))
}

func TestEmitBuildsRecord(t *testing.T) {
	boot := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cx := &Context{BootTime: boot}
	var got []core.Record
	sink := SinkFunc(func(sid core.StreamID, rec core.Record) error {
		got = append(got, rec)
		return nil
	})

	id := core.DirectedID{Dir: core.Inbound, Seq: 9, Offset: 2 * time.Second}
	Emit(sink, cx, id, core.ProtocolMinaRPC, core.KindMessage, "payload")

	require.Len(t, got, 1)
	assert.Equal(t, boot.Add(2*time.Second), got[0].Time)
	assert.Equal(t, core.Inbound, got[0].Direction)
	assert.Equal(t, uint64(9), got[0].Seq)
	assert.Equal(t, "payload", got[0].Message)
}
