package grpcstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedWriterBuffersUntilStarted(t *testing.T) {
	var issued [][]byte
	w := newBufferedWriter(func(m []byte) { issued = append(issued, m) })

	w.enqueue([]byte("a"))
	w.enqueue([]byte("b"))
	assert.Empty(t, issued)

	w.start()
	require.Equal(t, [][]byte{[]byte("a")}, issued)
}

func TestBufferedWriterSingleWriteInFlight(t *testing.T) {
	var issued [][]byte
	w := newBufferedWriter(func(m []byte) { issued = append(issued, m) })
	w.start()

	w.enqueue([]byte("a"))
	w.enqueue([]byte("b"))
	w.enqueue([]byte("c"))
	require.Equal(t, [][]byte{[]byte("a")}, issued)

	w.onWriteSettled()
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, issued)
	w.onWriteSettled()
	w.onWriteSettled()
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, issued)
	assert.True(t, w.idle())
}

func TestBufferedWriterDiscardUnissued(t *testing.T) {
	var issued [][]byte
	w := newBufferedWriter(func(m []byte) { issued = append(issued, m) })
	w.start()

	w.enqueue([]byte("a"))
	w.enqueue([]byte("b"))
	w.discardUnissued()

	// The write in flight settles normally; nothing queued remains.
	assert.False(t, w.idle())
	w.onWriteSettled()
	assert.True(t, w.idle())
	require.Equal(t, [][]byte{[]byte("a")}, issued)
}

func TestBufferedWriterIdleWhenEmpty(t *testing.T) {
	w := newBufferedWriter(func([]byte) {})
	assert.True(t, w.idle())
	w.start()
	assert.True(t, w.idle())
}
