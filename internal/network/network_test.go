package network

import (
	"net"
	"testing"
	"time"

	"tftpd/internal/errors"
	"tftpd/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*Transport, *Transport) {
	t.Helper()

	a, err := Ephemeral("127.0.0.1")
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	b, err := Ephemeral("127.0.0.1")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return a, b
}

func TestSendReceive(t *testing.T) {
	a, b := newPair(t)

	err := a.Send(protocol.Data{Block: 9, Payload: []byte("hello")}, b.LocalAddr())
	require.NoError(t, err)

	packet, from, err := b.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.Data{Block: 9, Payload: []byte("hello")}, packet)
	assert.Equal(t, a.LocalAddr().Port, from.Port)
}

func TestEphemeralPortsDiffer(t *testing.T) {
	a, b := newPair(t)

	assert.NotZero(t, a.LocalAddr().Port)
	assert.NotEqual(t, a.LocalAddr().Port, b.LocalAddr().Port)
}

func TestReceiveTimeout(t *testing.T) {
	a, _ := newPair(t)

	start := time.Now()
	_, _, err := a.Receive(20 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.True(t, errors.Is(err, errors.ErrNetwork))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestReceiveMalformedKeepsSender(t *testing.T) {
	_, b := newPair(t)

	raw, err := net.DialUDP("udp", nil, b.LocalAddr())
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write([]byte{0x00, 0x09, 0x00, 0x00})
	require.NoError(t, err)

	packet, from, err := b.Receive(time.Second)
	require.Error(t, err)
	assert.Nil(t, packet)
	assert.True(t, errors.Is(err, errors.ErrUnknownOpcode))
	require.NotNil(t, from)
	assert.Equal(t, raw.LocalAddr().(*net.UDPAddr).Port, from.Port)
}

func TestReceiveOversizedDatagram(t *testing.T) {
	_, b := newPair(t)

	raw, err := net.DialUDP("udp", nil, b.LocalAddr())
	require.NoError(t, err)
	defer raw.Close()

	datagram := make([]byte, protocol.MaxPacketSize+10)
	datagram[1] = byte(protocol.OpData)
	_, err = raw.Write(datagram)
	require.NoError(t, err)

	_, _, err = b.Receive(time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPayloadTooLarge))
}

func TestInterrupt(t *testing.T) {
	a, _ := newPair(t)

	done := make(chan error, 1)
	go func() {
		_, _, err := a.Receive(0)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	a.Interrupt()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, errors.ErrTimeout))
	case <-time.After(2 * time.Second):
		t.Fatal("receive was not interrupted")
	}
}

func TestOptimizeUDPConn(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	assert.NoError(t, OptimizeUDPConn(conn))
	assert.Error(t, OptimizeUDPConn(nil))
}
