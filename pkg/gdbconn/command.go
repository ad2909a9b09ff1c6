package gdbconn

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Execute sends an arbitrary command to the GDB server and classifies
// the reply. Console-output replies ('O' followed by hex-encoded ASCII)
// are decoded and returned; servers chain them, so further frames are
// read until the short error-data timeout runs dry. Any reply that is
// neither OK, console output nor an error frame yields ErrBadResponse.
func (conn *Conn) Execute(command string) (string, error) {
	if len(command) == 0 || len(command) > maxCommandLen {
		return "", fmt.Errorf("%w: command length %d", ErrBadInput, len(command))
	}

	resp, err := conn.exec([]byte(command), "command "+command, 0)
	if err != nil {
		return "", err
	}

	if bytes.Equal(resp, []byte("OK")) {
		return "", nil
	}

	if len(resp) == 0 {
		conn.log.Debugf("unsupported command %q", command)
		conn.Drain()
		return "", fmt.Errorf("%w: unsupported command", ErrBadResponse)
	}

	if resp[0] == 'O' {
		var out strings.Builder
		out.WriteString(decodeConsoleOutput(resp[1:]))
		for {
			next, err := conn.recvFrame("console output", errorDataTimeout)
			if errors.Is(err, ErrRecvTimeout) {
				break
			}
			if err != nil {
				return out.String(), err
			}
			if perr := parseErrorReply(command, next); perr != nil {
				return out.String(), perr
			}
			if len(next) > 0 && next[0] == 'O' {
				next = next[1:]
			}
			out.WriteString(decodeConsoleOutput(next))
		}
		return out.String(), nil
	}

	text := string(resp)
	conn.log.Debugf("unexpected reply to %q: %q", command, text)
	conn.Drain()
	return text, fmt.Errorf("%w: %s", ErrBadResponse, text)
}

// decodeConsoleOutput converts a hex-encoded ASCII payload to text,
// replacing newlines with spaces. A trailing odd byte is dropped and
// decoding stops at the first non-hex pair; probe consoles are not
// trusted to be well formed.
func decodeConsoleOutput(hexData []byte) string {
	var b strings.Builder
	for i := 0; i+1 < len(hexData); i += 2 {
		c, err := decodeHexByte(hexData[i], hexData[i+1])
		if err != nil {
			break
		}
		if c == '\n' {
			c = ' '
		}
		b.WriteByte(c)
	}
	return b.String()
}
