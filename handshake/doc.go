// Package handshake authenticates a connecting peer against a shared seed
// before any chat is allowed.
//
// The connecting side (Initiator) and the listening side (Responder) exchange
// five envelopes:
//
//	connector                                     listener
//	  {"Client connected", localAddr}      ->
//	                                       <-     {challenge, listenerAddr}
//	  {encrypt(challenge), hash(seed)}     ->
//	  {encrypt(seed), localAddr}           ->
//	                                       <-     {encrypt("VALID"), listenerAddr}
//
// The connector accepts only if the verdict decrypts to "VALID" under its own
// key. A wrong seed shows up as a padding error or a different plaintext, and
// the connector moves to StateRejected with the transport closed.
//
// The identity hash travels unencrypted in the tag of the third envelope. A
// passive observer can read it; this is part of the wire contract and is kept
// for compatibility.
//
//	h, err := handshake.NewInitiator(seed)
//	if err != nil {
//	    return err
//	}
//	res, err := h.Run(ctx, func(ctx context.Context) (handshake.Conn, error) {
//	    return transport.Dial(ctx, "192.168.49.1:9999", 10*time.Second)
//	})
package handshake
