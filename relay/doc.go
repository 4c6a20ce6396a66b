// Package relay carries chat over a session once the handshake has accepted
// it.
//
// Both sides exchange envelopes whose text is a base64 cipher token under the
// session key. The listener applies one extra transform: any token it sends
// is reversed character by character, and the connecting side reverses it
// back before decrypting.
//
//	connector                          listener
//	    |   <- welcome (plaintext)        |
//	    |   enc(welcome) ->               |   first envelope, echoed as is
//	    |   <- rev(enc(welcome))          |
//	    |   enc(text) ->                  |
//	    |   <- rev(enc(text))             |
//
// The connecting side never decrypts the first envelope it receives. It is
// sent straight back through the encrypted path, which is how the welcome
// reaches the listener's handler. Peers in the field depend on this, so it is
// kept even though it looks odd.
//
// Relay is the connecting side and Echo is the listening side. Both return
// from Run when the stream ends. A message that cannot be parsed or decrypted
// is logged, counted in Stats and skipped.
package relay
