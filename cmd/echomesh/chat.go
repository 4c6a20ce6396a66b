package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/opd-ai/echomesh"
	"github.com/sirupsen/logrus"
)

// console serializes writes from callback goroutines.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// readLines calls send for each non-empty line of in until in ends or ctx is
// done.
func readLines(ctx context.Context, in io.Reader, send func(string)) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line = strings.TrimSpace(line); line != "" {
				send(line)
			}
		}
	}
}

// runConnect connects to the listener and chats over in and out until the
// session ends or in is exhausted.
func runConnect(ctx context.Context, cfg *Config, in io.Reader, out io.Writer) error {
	session, err := echomesh.NewSession(cfg.sessionOptions())
	if err != nil {
		return err
	}
	defer session.Close()

	con := &console{out: out}
	accepted := make(chan struct{})

	session.OnHandshakeAccepted(func(localAddr string) {
		con.printf("connected to %s as %s\n", cfg.Host, localAddr)
		close(accepted)
	})
	session.OnHandshakeRejected(func(cause error) {
		con.printf("handshake rejected: %v\n", cause)
	})
	session.OnMessage(func(text, origin string) {
		con.printf("[%s] %s\n", origin, text)
	})
	session.OnClosed(func(err error) {
		if err != nil {
			con.printf("connection closed: %v\n", err)
			return
		}
		con.printf("connection closed\n")
	})

	if err := session.Start(ctx); err != nil {
		return err
	}

	select {
	case <-accepted:
	case <-session.Done():
		return session.Err()
	case <-ctx.Done():
		return nil
	}

	chatCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-session.Done()
		cancel()
	}()

	readLines(chatCtx, in, func(line string) {
		if err := session.Send(line); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runConnect",
				"error":    err.Error(),
			}).Warn("Send failed")
		}
	})

	session.Close()
	return session.Err()
}

// runListen serves peers and sends each line of in to every connected peer.
func runListen(ctx context.Context, cfg *Config, in io.Reader, out io.Writer) error {
	server, err := echomesh.NewServer(cfg.serverOptions())
	if err != nil {
		return err
	}
	if err := server.Listen(); err != nil {
		return err
	}

	con := &console{out: out}
	con.printf("listening on %s\n", server.Addr())

	server.OnPeerAccepted(func(remote, addr string) {
		con.printf("peer %s joined as %s\n", remote, addr)
	})
	server.OnPeerRejected(func(remote string, cause error) {
		con.printf("peer %s rejected: %v\n", remote, cause)
	})
	server.OnMessage(func(text, origin string) {
		con.printf("[%s] %s\n", origin, text)
	})

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- server.ListenAndServe(serveCtx) }()

	go readLines(serveCtx, in, func(line string) {
		for _, remote := range server.Peers() {
			if err := server.SendTo(remote, line); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "runListen",
					"remote":   remote,
					"error":    err.Error(),
				}).Warn("Send failed")
			}
		}
	})

	return <-served
}
