package handshake

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/opd-ai/echomesh/crypto"
	"github.com/opd-ai/echomesh/limits"
	"github.com/opd-ai/echomesh/messaging"
	"github.com/opd-ai/echomesh/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSeed  = "abcdef0123456789"
	otherSeed = "9876543210fedcba"
)

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

func dialTo(conn *transport.LineConn) DialFunc {
	return func(context.Context) (Conn, error) {
		return conn, nil
	}
}

type runResult struct {
	res *Result
	err error
}

func runResponder(r *Responder, conn Conn) <-chan runResult {
	out := make(chan runResult, 1)
	go func() {
		res, err := r.Run(conn)
		out <- runResult{res, err}
	}()
	return out
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

func TestHandshakeMatchingSeeds(t *testing.T) {
	client, server := linePipe(t)

	seeds, err := NewSeedSet(testSeed)
	require.NoError(t, err)
	responder := NewResponder(seeds, "192.168.49.1")
	listenerDone := runResponder(responder, server)

	initiator, err := NewInitiator(testSeed)
	require.NoError(t, err)

	res, err := initiator.Run(context.Background(), dialTo(client))
	require.NoError(t, err)
	require.NotNil(t, res)

	lr := <-listenerDone
	require.NoError(t, lr.err)

	assert.Equal(t, StateAccepted, initiator.State())
	assert.Equal(t, StateAccepted, responder.State())
	assert.Equal(t, []State{
		StateConnecting,
		StateAwaitGreetingReply,
		StateRespondToChallenge,
		StateSendSeedProof,
		StateAwaitVerdict,
		StateAccepted,
	}, initiator.History())
	assert.Equal(t, []State{
		StateAwaitGreeting,
		StateSendChallenge,
		StateAwaitIdentityClaim,
		StateAwaitSeedProof,
		StateSendVerdict,
		StateAccepted,
	}, responder.History())

	assert.Equal(t, lr.res.Keys.Key, res.Keys.Key)
	assert.Equal(t, lr.res.Keys.IV, res.Keys.IV)
	assert.Equal(t, crypto.DeriveHash(testSeed), initiator.IdentityHash())
	assert.Equal(t, "192.168.49.1", res.RemoteAddr)
	assert.Equal(t, "pipe", res.LocalAddr)
	assert.Equal(t, "pipe", lr.res.RemoteAddr)
	assert.NoError(t, initiator.Err())
}

func TestHandshakeMismatchedSeeds(t *testing.T) {
	client, server := linePipe(t)

	seeds, err := NewSeedSet(otherSeed)
	require.NoError(t, err)
	responder := NewResponder(seeds, "192.168.49.1")
	listenerDone := runResponder(responder, server)

	initiator, err := NewInitiator(testSeed)
	require.NoError(t, err)

	res, err := initiator.Run(context.Background(), dialTo(client))
	assert.Nil(t, res)
	require.Error(t, err)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, StateAwaitVerdict, failure.State)
	assert.True(t,
		errors.Is(err, crypto.ErrCrypto) || errors.Is(err, ErrRejected),
		"verdict under a throwaway key must not read as VALID: %v", err)

	assert.Equal(t, StateRejected, initiator.State())
	assert.Equal(t, err, initiator.Err())

	// transport closed by the initiator
	assert.ErrorIs(t, client.Send("anything"), transport.ErrClosed)

	lr := <-listenerDone
	assert.ErrorIs(t, lr.err, ErrUnknownIdentity)
	assert.Equal(t, StateRejected, responder.State())
}

// TestInitiatorWireFormat plays the listener by hand and checks every
// envelope the initiator sends.
func TestInitiatorWireFormat(t *testing.T) {
	client, server := linePipe(t)
	keys, err := crypto.NewKeyMaterial(testSeed)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)

		g := receiveEnvelope(t, server)
		assert.Equal(t, "Client connected", g.Text)
		assert.Equal(t, "pipe", g.Tag)

		sendEnvelope(t, server, "challenge-text", "192.168.49.1")

		claim := receiveEnvelope(t, server)
		assert.Equal(t, crypto.DeriveHash(testSeed), claim.Tag)
		answer, err := keys.Decrypt(claim.Text)
		assert.NoError(t, err)
		assert.Equal(t, "challenge-text", answer)

		proof := receiveEnvelope(t, server)
		assert.Equal(t, "pipe", proof.Tag)
		seed, err := keys.Decrypt(proof.Text)
		assert.NoError(t, err)
		assert.Equal(t, testSeed, seed)

		token, err := keys.Encrypt("VALID")
		assert.NoError(t, err)
		sendEnvelope(t, server, token, "192.168.49.1")
	}()

	initiator, err := NewInitiator(testSeed)
	require.NoError(t, err)
	_, err = initiator.Run(context.Background(), dialTo(client))
	require.NoError(t, err)
	<-done
}

func TestInitiatorCustomGreeting(t *testing.T) {
	client, server := linePipe(t)

	greetings := make(chan string, 1)
	go func() {
		greetings <- receiveEnvelope(t, server).Text
		server.Close()
	}()

	initiator, err := NewInitiator(testSeed, WithGreeting("I am here"))
	require.NoError(t, err)
	_, err = initiator.Run(context.Background(), dialTo(client))
	require.Error(t, err)
	assert.Equal(t, "I am here", <-greetings)
}

func TestInitiatorDropsSeed(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		client, server := linePipe(t)
		seeds, err := NewSeedSet(testSeed)
		require.NoError(t, err)
		listenerDone := runResponder(NewResponder(seeds, "192.168.49.1"), server)

		initiator, err := NewInitiator(testSeed)
		require.NoError(t, err)
		assert.Equal(t, testSeed, initiator.seed)

		_, err = initiator.Run(context.Background(), dialTo(client))
		require.NoError(t, err)
		require.NoError(t, (<-listenerDone).err)
		assert.Empty(t, initiator.seed)
	})

	t.Run("rejected before proof", func(t *testing.T) {
		initiator, err := NewInitiator(testSeed)
		require.NoError(t, err)

		_, err = initiator.Run(context.Background(), func(context.Context) (Conn, error) {
			return nil, errors.New("no route")
		})
		require.Error(t, err)
		assert.Empty(t, initiator.seed)
	})
}

func TestInitiatorVerdictFailures(t *testing.T) {
	keys, err := crypto.NewKeyMaterial(testSeed)
	require.NoError(t, err)
	invalid, err := keys.Encrypt("INVALID")
	require.NoError(t, err)

	tests := []struct {
		name    string
		verdict string
		wantErr error
	}{
		{"encrypted refusal", invalid, ErrRejected},
		{"plaintext verdict", "VALID", crypto.ErrDecode},
		{"garbage token", "@@@@", crypto.ErrDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := linePipe(t)

			go func() {
				receiveEnvelope(t, server)
				sendEnvelope(t, server, "nonce", "192.168.49.1")
				receiveEnvelope(t, server)
				receiveEnvelope(t, server)
				sendEnvelope(t, server, tt.verdict, "192.168.49.1")
			}()

			initiator, err := NewInitiator(testSeed)
			require.NoError(t, err)
			_, err = initiator.Run(context.Background(), dialTo(client))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, StateRejected, initiator.State())
		})
	}
}

func TestInitiatorFailsEarly(t *testing.T) {
	t.Run("dial error", func(t *testing.T) {
		dialErr := errors.New("no route to listener")
		initiator, err := NewInitiator(testSeed)
		require.NoError(t, err)

		_, err = initiator.Run(context.Background(), func(context.Context) (Conn, error) {
			return nil, dialErr
		})
		assert.ErrorIs(t, err, dialErr)
		assert.Equal(t, []State{StateConnecting, StateRejected}, initiator.History())
	})

	t.Run("peer closes before challenge", func(t *testing.T) {
		client, server := linePipe(t)
		go func() {
			receiveEnvelope(t, server)
			server.Close()
		}()

		initiator, err := NewInitiator(testSeed)
		require.NoError(t, err)
		_, err = initiator.Run(context.Background(), dialTo(client))

		var failure *Failure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, StateAwaitGreetingReply, failure.State)
		assert.ErrorIs(t, err, ErrPeerClosed)
	})

	t.Run("malformed challenge", func(t *testing.T) {
		client, server := linePipe(t)
		go func() {
			receiveEnvelope(t, server)
			server.Send(`{"message":"no tag"}`)
		}()

		initiator, err := NewInitiator(testSeed)
		require.NoError(t, err)
		_, err = initiator.Run(context.Background(), dialTo(client))
		assert.ErrorIs(t, err, messaging.ErrMalformedEnvelope)
	})
}

func TestInitiatorRunsOnce(t *testing.T) {
	initiator, err := NewInitiator(testSeed)
	require.NoError(t, err)

	_, err = initiator.Run(context.Background(), func(context.Context) (Conn, error) {
		return nil, errors.New("unreachable")
	})
	require.Error(t, err)

	_, err = initiator.Run(context.Background(), func(context.Context) (Conn, error) {
		t.Fatal("dial must not be called again")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestInitiatorRejectsShortSeed(t *testing.T) {
	_, err := NewInitiator("810000001")
	assert.ErrorIs(t, err, limits.ErrSeedTooShort)
}

func TestInitiatorWipesKeysOnRejection(t *testing.T) {
	initiator, err := NewInitiator(testSeed)
	require.NoError(t, err)

	_, err = initiator.Run(context.Background(), func(context.Context) (Conn, error) {
		return nil, errors.New("refused")
	})
	require.Error(t, err)
	assert.True(t, initiator.keys.Wiped())
}

func TestInitiatorTransitionHook(t *testing.T) {
	client, server := linePipe(t)
	seeds, err := NewSeedSet(testSeed)
	require.NoError(t, err)
	listenerDone := runResponder(NewResponder(seeds, "listener"), server)

	var mu sync.Mutex
	var seen []State
	initiator, err := NewInitiator(testSeed, WithSessionID("test"), WithTransitionHook(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, to)
	}))
	require.NoError(t, err)

	_, err = initiator.Run(context.Background(), dialTo(client))
	require.NoError(t, err)
	<-listenerDone

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, initiator.History()[1:], seen)
}

func TestResponderChecks(t *testing.T) {
	keys, err := crypto.NewKeyMaterial(testSeed)
	require.NoError(t, err)
	hash := crypto.DeriveHash(testSeed)

	encrypt := func(s string) string {
		token, err := keys.Encrypt(s)
		require.NoError(t, err)
		return token
	}

	tests := []struct {
		name      string
		claimText string
		claimTag  string
		proofText string
		wantErr   error
	}{
		{"valid", encrypt("fixed-nonce"), hash, encrypt(testSeed), nil},
		{"wrong challenge answer", encrypt("other-nonce"), hash, encrypt(testSeed), ErrChallengeMismatch},
		{"undecryptable challenge", "not base64!", hash, encrypt(testSeed), ErrChallengeMismatch},
		{"wrong seed proof", encrypt("fixed-nonce"), hash, encrypt(otherSeed), ErrSeedMismatch},
		{"unknown identity", encrypt("fixed-nonce"), crypto.DeriveHash(otherSeed), encrypt(testSeed), ErrUnknownIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := linePipe(t)
			seeds, err := NewSeedSet(testSeed)
			require.NoError(t, err)

			responder := NewResponder(seeds, "192.168.49.1", WithChallenge(func() string { return "fixed-nonce" }))
			done := runResponder(responder, server)

			sendEnvelope(t, client, GreetingText, "192.168.49.23")
			ch := receiveEnvelope(t, client)
			assert.Equal(t, "fixed-nonce", ch.Text)
			assert.Equal(t, "192.168.49.1", ch.Tag)

			sendEnvelope(t, client, tt.claimText, tt.claimTag)
			sendEnvelope(t, client, tt.proofText, "192.168.49.23")

			v := receiveEnvelope(t, client)
			verdictText, decErr := keys.Decrypt(v.Text)

			r := <-done
			if tt.wantErr == nil {
				require.NoError(t, r.err)
				require.NoError(t, decErr)
				assert.Equal(t, VerdictValid, verdictText)
				assert.Equal(t, "192.168.49.23", r.res.RemoteAddr)
				return
			}

			assert.ErrorIs(t, r.err, tt.wantErr)
			assert.NotEqual(t, VerdictValid, verdictText)
			var failure *Failure
			require.ErrorAs(t, r.err, &failure)
			assert.Equal(t, StateSendVerdict, failure.State)
		})
	}
}

// TestResponderIndependentSessions checks two connections with the same seed
// get separate key material.
func TestResponderIndependentSessions(t *testing.T) {
	seeds, err := NewSeedSet(testSeed)
	require.NoError(t, err)

	var results [2]*Result
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client, server := linePipe(t)
			done := runResponder(NewResponder(seeds, "listener"), server)

			initiator, err := NewInitiator(testSeed)
			if !assert.NoError(t, err) {
				return
			}
			_, err = initiator.Run(context.Background(), dialTo(client))
			assert.NoError(t, err)

			r := <-done
			assert.NoError(t, r.err)
			results[i] = r.res
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.NotSame(t, results[0].Keys, results[1].Keys)

	results[0].Keys.Wipe()
	assert.False(t, results[1].Keys.Wiped())
	assert.Equal(t, []byte(crypto.DeriveHash(testSeed)[:32]), results[1].Keys.Key)
}

func TestResponderPeerCloses(t *testing.T) {
	client, server := linePipe(t)
	seeds, err := NewSeedSet(testSeed)
	require.NoError(t, err)
	done := runResponder(NewResponder(seeds, "listener"), server)

	client.Close()

	r := <-done
	assert.ErrorIs(t, r.err, ErrPeerClosed)
}

func TestSeedSet(t *testing.T) {
	_, err := NewSeedSet("short")
	assert.ErrorIs(t, err, limits.ErrSeedTooShort)

	s, err := NewSeedSet(testSeed, otherSeed)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	seed, ok := s.Lookup(crypto.DeriveHash(testSeed))
	assert.True(t, ok)
	assert.Equal(t, testSeed, seed)

	s.Remove(testSeed)
	_, ok = s.Lookup(crypto.DeriveHash(testSeed))
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AwaitVerdict", StateAwaitVerdict.String())
	assert.Equal(t, "Unknown", State(200).String())
	assert.True(t, StateAccepted.Terminal())
	assert.True(t, StateRejected.Terminal())
	assert.False(t, StateSendSeedProof.Terminal())
}

func TestFailureError(t *testing.T) {
	f := &Failure{State: StateAwaitVerdict, Err: ErrRejected}
	assert.Equal(t, "handshake failed in AwaitVerdict: handshake rejected by listener", f.Error())
	assert.ErrorIs(t, f, ErrRejected)
}
