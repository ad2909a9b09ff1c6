package transfer

import (
	"fmt"
	"os"
	"os/exec"
)

// RunDecode starts the decoder command configured with -decode after a
// successful transfer. The command runs through the shell so existing
// decoder batch files keep working.
func (t *Transfer) RunDecode(command string) error {
	if command == "" {
		return nil
	}
	fmt.Fprintf(t.out, "\nStarting the decode command: %s\n", command)
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("the decode command %q failed: %w", command, err)
	}
	return nil
}
