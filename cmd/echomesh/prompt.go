package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/term"
)

var errSeedRequired = errors.New("seed is required (use --seed, ECHOMESH_SEED or run in a terminal)")

// terminal is the part of x/term the prompt needs.
type terminal interface {
	IsTerminal(fd int) bool
	ReadPassword(fd int) ([]byte, error)
}

type xterm struct{}

func (xterm) IsTerminal(fd int) bool              { return term.IsTerminal(fd) }
func (xterm) ReadPassword(fd int) ([]byte, error) { return term.ReadPassword(fd) }

// promptSeed reads a seed from the terminal on fd without echoing it.
func promptSeed(t terminal, fd int, out io.Writer) (string, error) {
	if !t.IsTerminal(fd) {
		return "", errSeedRequired
	}

	fmt.Fprint(out, "Seed: ")
	raw, err := t.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read seed: %w", err)
	}

	seed := strings.TrimRight(string(raw), "\r\n")
	if seed == "" {
		return "", errSeedRequired
	}
	return seed, nil
}
