//go:build linux

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

var promptHistory []string

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}

// readInteractiveLine reads one line of input with basic editing and
// history. Falls back to a plain buffered read when stdin is not a
// terminal.
func readInteractiveLine(prompt string) (string, error) {
	if !stdinIsTTY() {
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

	fd := int(os.Stdin.Fd())
	saved, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return "", err
	}
	raw := *saved
	raw.Lflag &^= unix.ICANON | unix.ECHO
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return "", err
	}
	defer func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, saved)
	}()

	fmt.Print(prompt)
	line := make([]byte, 0, 256)
	cursor := 0
	histPos := len(promptHistory)
	draft := ""

	redraw := func() {
		fmt.Printf("\r%s%s\x1b[K", prompt, string(line))
		if cursor < len(line) {
			fmt.Printf("\r%s%s", prompt, string(line[:cursor]))
		}
	}
	setLine := func(s string) {
		line = append(line[:0], s...)
		cursor = len(line)
		redraw()
	}

	var buf [16]byte
	escState := 0
	var esc strings.Builder
	for {
		n, err := os.Stdin.Read(buf[:])
		if err != nil {
			return "", err
		}
		for i := 0; i < n; i++ {
			b := buf[i]
			if escState == 1 {
				if b == '[' {
					escState = 2
					esc.Reset()
				} else {
					escState = 0
				}
				continue
			}
			if escState == 2 {
				esc.WriteByte(b)
				if (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '~' {
					switch esc.String() {
					case "A":
						if histPos == len(promptHistory) {
							draft = string(line)
						}
						if histPos > 0 {
							histPos--
							setLine(promptHistory[histPos])
						}
					case "B":
						if histPos < len(promptHistory) {
							histPos++
							if histPos == len(promptHistory) {
								setLine(draft)
							} else {
								setLine(promptHistory[histPos])
							}
						}
					case "D":
						if cursor > 0 {
							cursor--
							redraw()
						}
					case "C":
						if cursor < len(line) {
							cursor++
							redraw()
						}
					case "H":
						cursor = 0
						redraw()
					case "F":
						cursor = len(line)
						redraw()
					case "3~":
						if cursor < len(line) {
							line = append(line[:cursor], line[cursor+1:]...)
							redraw()
						}
					}
					escState = 0
				}
				continue
			}

			switch b {
			case 27:
				escState = 1
			case '\r', '\n':
				fmt.Print("\r\n")
				out := string(line)
				if strings.TrimSpace(out) != "" {
					promptHistory = append(promptHistory, out)
				}
				return out, nil
			case 3: // Ctrl+C
				fmt.Print("^C\r\n")
				return "", io.EOF
			case 4: // Ctrl+D
				if len(line) == 0 {
					fmt.Print("\r\n")
					return "", io.EOF
				}
			case 127, 8:
				if cursor > 0 {
					line = append(line[:cursor-1], line[cursor:]...)
					cursor--
					redraw()
				}
			case 1: // Ctrl+A
				cursor = 0
				redraw()
			case 5: // Ctrl+E
				cursor = len(line)
				redraw()
			case 21: // Ctrl+U
				line = line[:0]
				cursor = 0
				redraw()
			default:
				if b >= 32 {
					line = append(line, 0)
					copy(line[cursor+1:], line[cursor:])
					line[cursor] = b
					cursor++
					redraw()
				}
			}
		}
	}
}

func trimTrailingNewline(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
