package generation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// MaxLineSize caps a single protocol line.
const MaxLineSize = 1 << 20

var (
	dataPrefix = []byte("data:")
	doneToken  = []byte("[DONE]")
)

// streamChunk is the subset of a streaming completion payload we read.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Decoder turns an event-framed completion stream into text fragments.
// Bytes are only pulled from the source while the caller is inside Next.
type Decoder struct {
	r      *bufio.Reader
	logger *slog.Logger

	fragment string
	err      error
	done     bool
	skipped  int
}

// NewDecoder reads the stream from r. A nil logger uses slog.Default.
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{r: bufio.NewReader(r), logger: logger}
}

// Next advances to the next non-empty fragment. It returns false at the end
// of the stream or on a read error; Err distinguishes the two.
func (d *Decoder) Next() bool {
	for !d.done {
		line, readErr := d.readLine()
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			d.fail(readErr)
			return false
		}
		// a trailing line without newline is still decoded at EOF
		if len(line) > 0 {
			fragment, stop := d.decodeLine(line)
			if stop {
				d.done = true
				return false
			}
			if fragment != "" {
				d.fragment = fragment
				if readErr != nil {
					d.done = true
				}
				return true
			}
		}
		if readErr != nil {
			d.done = true
		}
	}
	return false
}

// Fragment returns the fragment produced by the last successful Next.
func (d *Decoder) Fragment() string { return d.fragment }

// Err reports the first non-EOF failure.
func (d *Decoder) Err() error { return d.err }

// Skipped counts malformed payloads that were logged and dropped.
func (d *Decoder) Skipped() int { return d.skipped }

func (d *Decoder) fail(err error) {
	d.err = err
	d.done = true
	d.fragment = ""
}

// readLine returns the next line with its newline, reassembling lines the
// buffer delivered in pieces.
func (d *Decoder) readLine() ([]byte, error) {
	var line []byte
	for {
		part, err := d.r.ReadSlice('\n')
		if len(line)+len(part) > MaxLineSize {
			return nil, newError(KindParse, "decode stream", fmt.Errorf("line exceeds %d bytes", MaxLineSize))
		}
		line = append(line, part...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
}

func (d *Decoder) decodeLine(raw []byte) (fragment string, stop bool) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 || !bytes.HasPrefix(line, dataPrefix) {
		return "", false
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if bytes.Equal(payload, doneToken) {
		return "", true
	}
	if len(payload) == 0 {
		return "", false
	}

	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		d.skipped++
		d.logger.Warn("skipping malformed stream payload", "error", err, "payload_bytes", len(payload))
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	return chunk.Choices[0].Delta.Content, false
}
