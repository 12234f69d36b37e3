// Package ami speaks the telephony manager's text protocol: "Key: Value"
// lines grouped into messages that end with a blank line. It parses the
// three call-lifecycle events the tracker consumes into typed values and
// keeps one authenticated connection alive per configured server.
package ami

import (
	"bufio"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const lineTerminator = "\r\n"

// Message is one protocol frame. Keys are matched case-insensitively.
type Message struct {
	fields map[string]string
}

// NewMessage builds a message from alternating key, value pairs.
func NewMessage(pairs ...string) Message {
	message := Message{fields: make(map[string]string, len(pairs)/2)}
	for index := 0; index+1 < len(pairs); index += 2 {
		message.Set(pairs[index], pairs[index+1])
	}
	return message
}

func (message *Message) Set(key, value string) {
	if message.fields == nil {
		message.fields = make(map[string]string)
	}
	message.fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
}

// Get returns the value for key, or "" when absent.
func (message Message) Get(key string) string {
	return message.fields[strings.ToLower(key)]
}

func (message Message) Has(key string) bool {
	_, ok := message.fields[strings.ToLower(key)]
	return ok
}

func (message Message) Len() int { return len(message.fields) }

// IsEvent reports whether the frame is an unsolicited event rather than a
// response to an action.
func (message Message) IsEvent() bool { return message.Has("Event") }

// String renders the frame with sorted keys, for logs.
func (message Message) String() string {
	keys := make([]string, 0, len(message.fields))
	for key := range message.fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	for index, key := range keys {
		if index > 0 {
			builder.WriteString(" ")
		}
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(message.fields[key])
	}
	return builder.String()
}

// Reader decodes frames from a stream. A read that fails part-way, such as
// on a deadline, keeps what was already read so the next call resumes the
// same frame.
type Reader struct {
	reader      *bufio.Reader
	partialLine string
	pending     Message
}

func NewReader(source io.Reader) *Reader {
	return &Reader{reader: bufio.NewReader(source)}
}

// ReadBanner consumes the single greeting line sent on connect.
func (r *Reader) ReadBanner() (string, error) {
	line, err := r.readLine()
	if err != nil {
		return "", errors.Wrap(err, "read banner")
	}
	return line, nil
}

// ReadMessage returns the next non-empty frame. Lines without a colon are
// skipped.
func (r *Reader) ReadMessage() (Message, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return Message{}, err
		}

		if line == "" {
			if r.pending.Len() == 0 {
				continue
			}
			message := r.pending
			r.pending = Message{}
			return message, nil
		}

		key, value, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(key) == "" {
			continue
		}
		r.pending.Set(key, value)
	}
}

func (r *Reader) readLine() (string, error) {
	chunk, err := r.reader.ReadString('\n')
	r.partialLine += chunk
	if err != nil {
		return "", err
	}
	line := strings.TrimRight(r.partialLine, lineTerminator)
	r.partialLine = ""
	return line, nil
}

// Field is one header of an outgoing action.
type Field struct {
	Key   string
	Value string
}

// WriteAction encodes an action frame. The whole frame goes out in one write.
func WriteAction(destination io.Writer, action string, actionID string, fields ...Field) error {
	var builder strings.Builder
	builder.WriteString("Action: " + action + lineTerminator)
	if actionID != "" {
		builder.WriteString("ActionID: " + actionID + lineTerminator)
	}
	for _, field := range fields {
		if strings.ContainsAny(field.Key, lineTerminator) || strings.ContainsAny(field.Value, lineTerminator) {
			return errors.Errorf("action %s: field %q contains a line break", action, field.Key)
		}
		builder.WriteString(field.Key + ": " + field.Value + lineTerminator)
	}
	builder.WriteString(lineTerminator)

	if _, err := io.WriteString(destination, builder.String()); err != nil {
		return errors.Wrapf(err, "write action %s", action)
	}
	return nil
}
