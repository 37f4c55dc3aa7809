package vmm

import (
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

// Console is the guest's output stream. Writes are serialized so concurrent
// hypercalls from different vCPUs never interleave within a single call's
// payload. When the destination is not a terminal, ANSI escape sequences are
// stripped so logs and pipes stay clean.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	in    io.Reader
	strip bool
}

func NewConsole(out *os.File, in *os.File) *Console {
	return &Console{
		out:   out,
		in:    in,
		strip: !term.IsTerminal(int(out.Fd())),
	}
}

// NewConsoleWriter wraps an arbitrary writer, stripping escapes. Used by
// tests.
func NewConsoleWriter(out io.Writer) *Console {
	return &Console{out: out, strip: true}
}

func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.strip {
		if _, err := io.WriteString(c.out, ansi.Strip(string(p))); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return c.out.Write(p)
}

func (c *Console) Read(p []byte) (int, error) {
	if c.in == nil {
		return 0, io.EOF
	}
	return c.in.Read(p)
}
