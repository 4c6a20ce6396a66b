package relay

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/echomesh/crypto"
	"github.com/opd-ai/echomesh/limits"
	"github.com/opd-ai/echomesh/messaging"
	"github.com/opd-ai/echomesh/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeed = "abcdef0123456789"

func linePipe(t *testing.T) (*transport.LineConn, *transport.LineConn) {
	t.Helper()
	a, b := net.Pipe()
	ca, cb := transport.NewLineConn(a), transport.NewLineConn(b)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func newKeys(t *testing.T) *crypto.KeyMaterial {
	t.Helper()
	keys, err := crypto.NewKeyMaterial(testSeed)
	require.NoError(t, err)
	return keys
}

func collect() (MessageHandler, <-chan messaging.Message) {
	ch := make(chan messaging.Message, 16)
	return func(m messaging.Message) { ch <- m }, ch
}

func runAsync(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	return done
}

func sendEnvelope(t *testing.T, conn *transport.LineConn, text, tag string) {
	t.Helper()
	line, err := messaging.Marshal(messaging.Envelope{Text: text, Tag: tag})
	require.NoError(t, err)
	require.NoError(t, conn.Send(line))
}

func receiveEnvelope(t *testing.T, conn *transport.LineConn) messaging.Envelope {
	t.Helper()
	line, err := conn.Receive()
	require.NoError(t, err)
	env, err := messaging.Unmarshal(line)
	require.NoError(t, err)
	return env
}

func waitMessage(t *testing.T, ch <-chan messaging.Message) messaging.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return messaging.Message{}
	}
}

// The first envelope after the handshake is re-encrypted and sent back as is,
// never delivered. This asymmetry is part of the wire contract.
func TestRelayEchoesFirstEnvelope(t *testing.T) {
	local, peer := linePipe(t)
	keys := newKeys(t)
	handler, received := collect()

	r := NewRelay(local, keys, "192.168.49.23", WithMessageHandler(handler))
	done := runAsync(r.Run)

	sendEnvelope(t, peer, "Welcome", "192.168.49.1")

	echo := receiveEnvelope(t, peer)
	assert.Equal(t, "192.168.49.1", echo.Tag, "first envelope keeps its tag")
	plain, err := keys.Decrypt(echo.Text)
	require.NoError(t, err)
	assert.Equal(t, "Welcome", plain)

	// second envelope: reversed token, decrypted and delivered
	token, err := keys.Encrypt("second")
	require.NoError(t, err)
	sendEnvelope(t, peer, messaging.Reverse(token), "192.168.49.1")

	msg := waitMessage(t, received)
	assert.Equal(t, "second", msg.Text)
	assert.Equal(t, "192.168.49.1", msg.Origin)
	assert.False(t, msg.Timestamp.IsZero())

	select {
	case extra := <-received:
		t.Fatalf("first envelope must not be delivered, got %q", extra.Text)
	default:
	}

	peer.Close()
	assert.NoError(t, <-done)

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, uint64(1), stats.Echoed)
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(0), stats.Dropped)
}

func TestRelayDropsBadMessages(t *testing.T) {
	local, peer := linePipe(t)
	keys := newKeys(t)
	handler, received := collect()

	r := NewRelay(local, keys, "192.168.49.23", WithMessageHandler(handler))
	done := runAsync(r.Run)

	sendEnvelope(t, peer, "Welcome", "192.168.49.1")
	receiveEnvelope(t, peer)

	// malformed JSON, missing tag, undecryptable and unreversed tokens
	require.NoError(t, peer.Send("{not json"))
	require.NoError(t, peer.Send(`{"message":"x"}`))
	sendEnvelope(t, peer, "***", "192.168.49.1")
	token, err := keys.Encrypt("not reversed")
	require.NoError(t, err)
	sendEnvelope(t, peer, token, "192.168.49.1")

	// the loop is still alive
	token, err = keys.Encrypt("still here")
	require.NoError(t, err)
	sendEnvelope(t, peer, messaging.Reverse(token), "192.168.49.1")

	msg := waitMessage(t, received)
	assert.Equal(t, "still here", msg.Text)

	peer.Close()
	require.NoError(t, <-done)

	stats := r.Stats()
	assert.Equal(t, uint64(4), stats.Dropped)
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestRelaySend(t *testing.T) {
	local, peer := linePipe(t)
	keys := newKeys(t)
	r := NewRelay(local, keys, "192.168.49.23")

	sent := runAsync(func() error { return r.Send("hello") })

	env := receiveEnvelope(t, peer)
	assert.Equal(t, "192.168.49.23", env.Tag)
	assert.Equal(t, "weDJevX3hkwS0G6zB4m32g==", env.Text)
	require.NoError(t, <-sent)

	assert.ErrorIs(t, r.Send(""), limits.ErrMessageEmpty)
	assert.Equal(t, uint64(1), r.Stats().Sent)
}

func TestRelaySendAfterWipe(t *testing.T) {
	local, _ := linePipe(t)
	keys := newKeys(t)
	r := NewRelay(local, keys, "192.168.49.23")

	keys.Wipe()
	assert.ErrorIs(t, r.Send("hello"), crypto.ErrKeyWiped)
}

func TestRelayStopsOnLocalClose(t *testing.T) {
	local, _ := linePipe(t)
	r := NewRelay(local, newKeys(t), "192.168.49.23")
	done := runAsync(r.Run)

	require.NoError(t, local.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

type failingConn struct{ err error }

func (f failingConn) Send(string) error        { return f.err }
func (f failingConn) Receive() (string, error) { return "", f.err }
func (f failingConn) Close() error             { return nil }

func TestRelayReturnsTransportError(t *testing.T) {
	boom := errors.New("connection reset")
	r := NewRelay(failingConn{err: boom}, newKeys(t), "192.168.49.23")
	assert.ErrorIs(t, r.Run(), boom)

	e := NewEcho(failingConn{err: boom}, newKeys(t), "192.168.49.1")
	assert.ErrorIs(t, e.Run(), boom)
}
