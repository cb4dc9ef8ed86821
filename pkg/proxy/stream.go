package proxy

import (
	"bufio"
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/skyfence/skyfence/pkg/detect"
	"github.com/skyfence/skyfence/pkg/token"
)

const (
	// holdback is the rolling-buffer tail kept across chunks. Any single
	// placeholder fits well inside it (opener + type label + hash + closer
	// stays under 64 bytes), so no chunk boundary can split one.
	holdback = 127

	placeholderOpen = "«"
)

// streamDetokenizer restores allowed placeholders across chunk boundaries.
// Feed returns the longest prefix that cannot end in a partial placeholder,
// already detokenized; Flush drains whatever remains at stream end. The
// concatenation of all returned text equals the detokenization of the
// concatenation of all fed text.
type streamDetokenizer struct {
	record  token.Record
	allowed map[detect.Category]bool
	pending string
}

func newStreamDetokenizer(record token.Record, allowed map[detect.Category]bool) *streamDetokenizer {
	return &streamDetokenizer{record: record, allowed: allowed}
}

// Feed appends chunk and returns the emittable detokenized prefix, which
// may be empty while a potential placeholder is still completing.
func (d *streamDetokenizer) Feed(chunk string) string {
	d.pending += chunk

	cut := len(d.pending) - holdback
	if cut <= 0 {
		return ""
	}
	for cut > 0 && !utf8.RuneStart(d.pending[cut]) {
		cut--
	}
	// Never cut through a placeholder opener that has not closed yet.
	if i := strings.LastIndex(d.pending[:cut], placeholderOpen); i >= 0 {
		if !strings.Contains(d.pending[i:cut], "»") && cut-i < holdback {
			cut = i
		}
	}
	if cut <= 0 {
		return ""
	}

	out := d.substitute(d.pending[:cut])
	d.pending = d.pending[cut:]
	return out
}

// Flush detokenizes and returns everything still held back.
func (d *streamDetokenizer) Flush() string {
	out := d.substitute(d.pending)
	d.pending = ""
	return out
}

func (d *streamDetokenizer) substitute(text string) string {
	if text == "" || !strings.Contains(text, placeholderOpen) {
		return text
	}
	for placeholder, entry := range d.record.Entries {
		if entry.Category == detect.CategorySecret {
			continue
		}
		if !d.allowed[entry.Category] {
			continue
		}
		text = strings.ReplaceAll(text, placeholder, entry.Original)
	}
	return text
}

// sseFrame is one server-sent event: raw leading lines (event:, id:, ...)
// plus the data payload, reassembled from possibly multiple data: lines.
type sseFrame struct {
	prefix []string // non-data lines, verbatim
	data   []byte
}

// done reports whether the frame is the stream terminator.
func (f sseFrame) done() bool {
	return bytes.Equal(bytes.TrimSpace(f.data), []byte("[DONE]"))
}

// writeTo renders the frame back to the wire, data last, blank-line
// terminated, matching the upstream's framing.
func (f sseFrame) writeTo(w *bufio.Writer) error {
	for _, line := range f.prefix {
		if _, err := w.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	if f.data != nil {
		if _, err := w.WriteString("data: "); err != nil {
			return err
		}
		if _, err := w.Write(f.data); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.WriteByte('\n')
}

// readSSEFrame reads one blank-line-terminated SSE frame. Multiple data:
// lines are joined with newlines per the SSE spec.
func readSSEFrame(r *bufio.Reader) (sseFrame, error) {
	var frame sseFrame
	var data [][]byte
	seen := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if seen && line == "" {
				// Stream ended mid-frame boundary; treat what we have as
				// a complete frame.
				break
			}
			return frame, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if !seen {
				continue // leading keep-alive blank line
			}
			break
		}
		seen = true
		if rest, ok := strings.CutPrefix(trimmed, "data:"); ok {
			data = append(data, []byte(strings.TrimPrefix(rest, " ")))
		} else {
			frame.prefix = append(frame.prefix, trimmed)
		}
	}
	if len(data) > 0 {
		frame.data = bytes.Join(data, []byte("\n"))
	}
	return frame, nil
}
