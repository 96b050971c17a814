// Package sse reads server-sent event payloads from upstream responses.
package sse

import (
	"bufio"
	"bytes"
	"io"
)

const maxLineBytes = 64 * 1024

// Done is the sentinel OpenAI-style streams send as their last data payload.
var Done = []byte("[DONE]")

// Decoder yields the data payload of each event in a text/event-stream body.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, maxLineBytes)}
}

// Next returns the next event's data payload. Multiple data lines within one
// event are joined with "\n". Events without data (comments, bare event:
// lines) are skipped. io.EOF is returned once the body is exhausted.
func (d *Decoder) Next() ([]byte, error) {
	var dataLines [][]byte
	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			line = bytes.TrimRight(line, "\r\n")
			if len(line) > 0 {
				dataLines = appendDataLine(dataLines, line)
			}
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(dataLines) == 0 {
				continue
			}
			return bytes.Join(dataLines, []byte("\n")), nil
		}

		if line[0] == ':' {
			continue
		}
		dataLines = appendDataLine(dataLines, line)
	}
}

func appendDataLine(dst [][]byte, line []byte) [][]byte {
	if !bytes.HasPrefix(line, []byte("data:")) {
		return dst
	}
	val := line[len("data:"):]
	if len(val) > 0 && val[0] == ' ' {
		val = val[1:]
	}
	return append(dst, append([]byte(nil), val...))
}
