// Package echomesh implements encrypted chat between two peers on a local
// wireless mesh.
//
// One peer listens and the other connects. Before any chat flows, the
// connecting peer proves it knows a shared seed in a fixed five-step
// handshake. Both sides then derive the same AES-256-CBC key from the seed
// and exchange newline-delimited JSON envelopes over TCP.
//
// # Connecting
//
// Create a session with options and set callbacks before starting it:
//
//	opts := echomesh.NewOptions()
//	opts.Seed = "abcdef0123456789"
//
//	session, err := echomesh.NewSession(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	session.OnHandshakeAccepted(func(localAddr string) {
//	    session.Send("hello")
//	})
//	session.OnHandshakeRejected(func(cause error) {
//	    log.Printf("rejected: %v", cause)
//	})
//	session.OnMessage(func(text, origin string) {
//	    fmt.Printf("%s: %s\n", origin, text)
//	})
//
//	if err := session.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	<-session.Done()
//
// # Listening
//
// A Server accepts any number of peers. Each one gets its own handshake,
// key material and echo relay:
//
//	opts := echomesh.NewServerOptions()
//	opts.Seeds = []string{"abcdef0123456789"}
//
//	server, err := echomesh.NewServer(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.OnMessage(func(text, origin string) {
//	    fmt.Printf("%s: %s\n", origin, text)
//	})
//	log.Fatal(server.ListenAndServe(ctx))
//
// # Core Types
//
//   - [Session]: one connection to a listener, handshake then relay
//   - [Server]: the listening side, one echo relay per peer
//   - [Options], [ServerOptions]: configuration with defaults from
//     [NewOptions] and [NewServerOptions]
//   - [Status]: the session lifecycle
//
// # Errors
//
// A rejected handshake is reported once through OnHandshakeRejected with a
// *handshake.Failure naming the failed step. Transport failures are
// *transport.Error values. Use errors.Is with crypto.ErrCrypto to tell a wrong
// seed from a broken connection.
//
// # Callbacks
//
// Callbacks run in order on a dispatch goroutine owned by the session or
// server, never on the goroutine reading the network. They may call Send and
// Close.
//
// # Security
//
// The protocol has no forward secrecy, no message authentication and no
// replay protection. The identity claim carries the seed hash in the clear.
// It is meant for a closed local group, not for hostile networks.
package echomesh
