// Package transport carries newline-delimited text between two peers over a
// TCP stream.
//
// LineConn wraps one connection. A single goroutine owns the write side and
// receives lines through a channel, so callers on different goroutines never
// interleave partial lines. Send returns after the line and its newline have
// been flushed to the socket. Receive blocks until a complete line arrives;
// blank lines are skipped, a clean close by the peer returns io.EOF, and a
// local Close unblocks it with an error wrapping ErrClosed.
//
//	conn, err := transport.Dial(ctx, "192.168.49.1:9999", 10*time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	if err := conn.Send(`{"message":"hi","senderIp":"192.168.49.23"}`); err != nil {
//	    log.Fatal(err)
//	}
//	line, err := conn.Receive()
//
// Listener accepts connections and runs a handler per connection in its own
// goroutine; closing the listener closes every connection it handed out.
//
// All failures are reported as *Error, which carries the operation and peer
// address and unwraps to the cause.
package transport
