// Package stream decodes a worker subprocess's line-delimited JSON
// stdout into typed events, tolerating malformed lines and partial
// writes the way a pipe reader actually delivers them.
package stream

import (
	"bytes"
	"encoding/json"
)

// Kind identifies which typed event a decoded line produced.
type Kind string

const (
	KindAssistantMessage Kind = "assistant_message"
	KindToolUse          Kind = "tool_use"
	KindResult           Kind = "result"
	KindUnknown          Kind = "unknown"
)

// ToolUse is one tool invocation requested by the assistant.
type ToolUse struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Message is a typed, decoded line from the worker's stdout. Fields are
// populated according to Kind; Raw always holds the original line.
type Message struct {
	Kind Kind
	Raw  string

	// assistant_message
	Text       string
	ToolUses   []ToolUse
	StopReason string

	// result
	IsError    bool
	CostUSD    float64
	DurationMS int64
	SessionID  string
}

// HasToolUse reports whether any content block in the message is a
// tool-use block.
func (m Message) HasToolUse() bool {
	return len(m.ToolUses) > 0
}

// MalformedFunc is invoked once per line that fails to parse as JSON.
// The raw line is passed verbatim; it is never dropped silently.
type MalformedFunc func(rawLine string, err error)

// Decoder incrementally splits a byte stream on newlines and decodes
// each complete line into a Message. It is re-entrant for exactly one
// stream owner (one worker's stdout) and must not be shared across
// concurrent streams.
type Decoder struct {
	buf       bytes.Buffer
	onBad     MalformedFunc
}

// NewDecoder returns a Decoder that reports malformed lines to onBad,
// which may be nil.
func NewDecoder(onBad MalformedFunc) *Decoder {
	return &Decoder{onBad: onBad}
}

// Feed appends data to the internal buffer and returns every complete
// line's decoded Message, in arrival order. A trailing partial line (no
// terminating newline yet) is retained until the next Feed or Flush.
func (d *Decoder) Feed(data []byte) []Message {
	d.buf.Write(data)
	return d.drainLines()
}

// Flush decodes any buffered partial line as a final line (the stream
// ended without a trailing newline) and clears the buffer.
func (d *Decoder) Flush() []Message {
	if d.buf.Len() == 0 {
		return nil
	}
	line := d.buf.String()
	d.buf.Reset()
	if msg, ok := d.decodeLine(line); ok {
		return []Message{msg}
	}
	return nil
}

func (d *Decoder) drainLines() []Message {
	var out []Message
	for {
		b := d.buf.Bytes()
		idx := bytes.IndexByte(b, '\n')
		if idx < 0 {
			break
		}
		line := string(b[:idx])
		// Re-slice the buffer down to what remains after the newline.
		rest := make([]byte, len(b)-idx-1)
		copy(rest, b[idx+1:])
		d.buf.Reset()
		d.buf.Write(rest)

		if msg, ok := d.decodeLine(line); ok {
			out = append(out, msg)
		}
	}
	return out
}

// decodeLine parses one line. Blank lines are silently skipped (no
// event, no malformed-line callback); everything else either decodes
// into a Message or is reported as malformed.
func (d *Decoder) decodeLine(line string) (Message, bool) {
	trimmed := bytesTrimSpace(line)
	if trimmed == "" {
		return Message{}, false
	}

	var raw rawLine
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		if d.onBad != nil {
			d.onBad(trimmed, err)
		}
		return Message{}, false
	}

	switch raw.Type {
	case "assistant":
		return decodeAssistant(raw, trimmed), true
	case "result":
		return Message{
			Kind:       KindResult,
			Raw:        trimmed,
			IsError:    raw.IsError,
			CostUSD:    raw.TotalCostUSD,
			DurationMS: raw.DurationMS,
			SessionID:  raw.SessionID,
		}, true
	default:
		return Message{Kind: KindUnknown, Raw: trimmed}, true
	}
}

func decodeAssistant(raw rawLine, trimmed string) Message {
	msg := Message{Kind: KindAssistantMessage, Raw: trimmed}
	if raw.Message == nil {
		return msg
	}
	msg.StopReason = raw.Message.StopReason

	var textBuf bytes.Buffer
	for _, block := range raw.Message.Content {
		switch block.Type {
		case "text":
			if textBuf.Len() > 0 {
				textBuf.WriteByte('\n')
			}
			textBuf.WriteString(block.Text)
		case "tool_use":
			msg.ToolUses = append(msg.ToolUses, ToolUse{Name: block.Name, Input: block.Input})
		}
	}
	msg.Text = textBuf.String()
	return msg
}

// rawLine mirrors the wire shapes documented for the worker subprocess
// contract: assistant messages and result summaries. Unrecognized
// top-level types decode to KindUnknown without further inspection.
type rawLine struct {
	Type string `json:"type"`

	Message *rawAssistantMessage `json:"message,omitempty"`

	IsError      bool    `json:"is_error,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
}

type rawAssistantMessage struct {
	Content    []rawContentBlock `json:"content"`
	StopReason string             `json:"stop_reason,omitempty"`
}

type rawContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

func bytesTrimSpace(s string) string {
	return string(bytes.TrimSpace([]byte(s)))
}
