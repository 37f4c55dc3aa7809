package gdb

import (
	"bufio"
	"fmt"
	"io"
)

// Remote serial protocol framing: packets travel as $<data>#<checksum>,
// where the checksum is the modulo-256 sum of the data bytes in two hex
// digits. A bare 0x03 byte is the interrupt request.

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// readFrame returns the next packet payload, or interrupt=true for a 0x03
// byte. Acknowledgement bytes from the client are skipped.
func readFrame(r *bufio.Reader) (payload []byte, interrupt bool, err error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, false, err
		}

		switch b {
		case 0x03:
			return nil, true, nil
		case '+', '-':
			continue
		case '$':
		default:
			continue
		}

		data, err := r.ReadBytes('#')
		if err != nil {
			return nil, false, err
		}
		data = data[:len(data)-1]

		var sum [2]byte
		if _, err := io.ReadFull(r, sum[:]); err != nil {
			return nil, false, err
		}

		want := fmt.Sprintf("%02x", checksum(data))
		if string(sum[:]) != want {
			return nil, false, fmt.Errorf("packet checksum %s, want %s", sum, want)
		}

		return data, false, nil
	}
}

func writeFrame(w *bufio.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "$%s#%02x", payload, checksum(payload)); err != nil {
		return err
	}
	return w.Flush()
}
