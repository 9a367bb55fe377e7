//go:build !linux

package main

import (
	"bufio"
	"io"
	"os"
	"strings"
)

var promptHistory []string

var stdinIsTTY = func() bool { return false }

func readInteractiveLine(_ string) (string, error) {
	r := bufio.NewReader(os.Stdin)
	s, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	if err == io.EOF && s == "" {
		return "", io.EOF
	}
	return trimTrailingNewline(s), nil
}

func trimTrailingNewline(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
