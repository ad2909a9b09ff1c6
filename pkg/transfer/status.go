package transfer

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// HeaderSummary formats the loaded header for display: buffer geometry,
// timestamp configuration and the active logging mode.
func (t *Transfer) HeaderSummary() string {
	h := t.header
	var b strings.Builder
	fmt.Fprintf(&b, "Circular buffer size: %d words, last index: %d", h.BufferSize, h.LastIndex)
	fmt.Fprintf(&b, ", timestamp frequency: %g MHz", h.TimestampMHz())
	if h.LongTimestamps() {
		b.WriteString(", long timestamps enabled")
	} else {
		b.WriteString(", long timestamps disabled")
	}
	if h.SingleShotEnabled() && h.SingleShotActive() {
		b.WriteString(", single shot mode")
	} else {
		b.WriteString(", post-mortem mode")
	}
	return b.String()
}

// PrintHeaderInfo loads, validates and prints the header; filter
// information follows when filtering is compiled in.
func (t *Transfer) PrintHeaderInfo() error {
	if err := t.LoadHeader(); err != nil {
		return err
	}
	if err := t.ValidateHeader(); err != nil {
		return fmt.Errorf("%w (incorrect address or firmware init not executed)", err)
	}
	fmt.Fprintf(t.out, "\n%s", t.HeaderSummary())
	if !t.header.FilteringEnabled() {
		fmt.Fprintf(t.out, "\nMessage filtering disabled in the firmware.")
	} else {
		t.printFilterInfo()
	}
	fmt.Fprintln(t.out)
	return nil
}

// printFilterInfo lists the enabled filter bits, by name when a
// filter-names file was given (one name per bit line, empty line means
// the bit is unnamed and omitted), by number otherwise.
func (t *Transfer) printFilterInfo() {
	filter := t.header.Filter
	if filter == 0 {
		fmt.Fprintf(t.out, "\nMessage filter: 0 (data logging disabled).")
		return
	}
	fmt.Fprintf(t.out, "\nEnabled message filters (0x%08X): ", filter)

	var names []string
	if t.params.FilterNames != "" {
		fh, err := os.Open(t.params.FilterNames)
		if err != nil {
			fmt.Fprintf(t.out, "\nCannot open %q: %v", t.params.FilterNames, err)
			return
		}
		defer fh.Close()
		sc := bufio.NewScanner(fh)
		for sc.Scan() {
			names = append(names, strings.TrimRight(sc.Text(), "\r\n"))
		}
	}

	printed := false
	for bit := 0; bit < 32; bit++ {
		enabled := filter&(1<<(31-bit)) != 0
		if len(names) > 0 {
			if enabled && bit < len(names) && names[bit] != "" {
				fmt.Fprintf(t.out, "\n%2d - %s", bit, names[bit])
			}
			continue
		}
		if enabled {
			if printed {
				fmt.Fprintf(t.out, ", ")
			}
			fmt.Fprintf(t.out, "%d", bit)
			printed = true
		}
	}
}

// BufferUsage returns the circular buffer fill level in percent, for
// the single-shot status display.
func (t *Transfer) BufferUsage() uint32 {
	size := t.header.BufferSize - 4
	if size == 0 {
		return 0
	}
	usage := (100*t.header.LastIndex + size/2) / size
	if usage > 100 {
		usage = 100
	}
	return usage
}

// StatusLine formats the one-line logging state for the interactive
// loop's periodic display.
func (t *Transfer) StatusLine() string {
	if t.header.SingleShotActive() && t.header.SingleShotEnabled() {
		return fmt.Sprintf("Index:%6d, filter: 0x%08X, %d%% used", t.header.LastIndex, t.header.Filter, t.BufferUsage())
	}
	return fmt.Sprintf("Index:%6d, filter: 0x%08X", t.header.LastIndex, t.header.Filter)
}
