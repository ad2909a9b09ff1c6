//go:build linux || darwin

package terminal

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// keyboard reads single keystrokes without waiting for Enter. The
// terminal is kept in raw-ish mode between prompts; Suspend restores
// the saved state so a line editor can take over.
type keyboard struct {
	fd    int
	saved *unix.Termios
}

func openKeyboard() (*keyboard, error) {
	kb := &keyboard{fd: int(os.Stdin.Fd())}
	if err := kb.Resume(); err != nil {
		return nil, err
	}
	return kb, nil
}

// Resume switches the terminal to single-key input.
func (kb *keyboard) Resume() error {
	t, err := unix.IoctlGetTermios(kb.fd, ioctlGetTermios)
	if err != nil {
		return err
	}
	if kb.saved == nil {
		saved := *t
		kb.saved = &saved
	}
	t.Lflag &^= unix.ICANON | unix.ECHO
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(kb.fd, ioctlSetTermios, t)
}

// Suspend restores the terminal state saved at open, for prompts and
// for exit.
func (kb *keyboard) Suspend() {
	if kb.saved != nil {
		unix.IoctlSetTermios(kb.fd, ioctlSetTermios, kb.saved)
	}
}

func (kb *keyboard) Close() {
	kb.Suspend()
}

// Poll waits up to timeout for a keystroke and returns it. ok is false
// when no key arrived.
func (kb *keyboard) Poll(timeout time.Duration) (key byte, ok bool) {
	fds := []unix.PollFd{{Fd: int32(kb.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil || n == 0 {
		return 0, false
	}
	var buf [1]byte
	if n, err := os.Stdin.Read(buf[:]); err != nil || n == 0 {
		return 0, false
	}
	return buf[0], true
}

// Pressed reports whether a key was hit, consuming it.
func (kb *keyboard) Pressed() bool {
	_, ok := kb.Poll(0)
	return ok
}
