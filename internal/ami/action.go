package ami

import (
	"strings"
)

// Action is an outgoing AMI request. Header order is preserved on the wire;
// Variable headers may repeat.
type Action struct {
	Name    string
	headers []header
}

// NewAction creates an Action with optional key-value pairs.
func NewAction(name string, kvs ...string) Action {
	a := Action{Name: name}
	for i := 0; i+1 < len(kvs); i += 2 {
		a.headers = append(a.headers, header{Key: kvs[i], Value: kvs[i+1]})
	}
	return a
}

// With returns a copy of the action with one more header appended.
func (a Action) With(key, value string) Action {
	hs := make([]header, len(a.headers), len(a.headers)+1)
	copy(hs, a.headers)
	a.headers = append(hs, header{Key: key, Value: value})
	return a
}

// Get returns the first value set for key.
func (a Action) Get(key string) string {
	for _, h := range a.headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Encode renders the action in AMI wire format with the given ActionID.
// Header values are stripped of CR/LF so callers cannot inject headers.
func (a Action) Encode(actionID string) []byte {
	var b strings.Builder
	writeHeader(&b, "Action", a.Name)
	if actionID != "" {
		writeHeader(&b, "ActionID", actionID)
	}
	for _, h := range a.headers {
		writeHeader(&b, h.Key, h.Value)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

var lineBreaks = strings.NewReplacer("\r", "", "\n", "")

func writeHeader(b *strings.Builder, key, value string) {
	b.WriteString(lineBreaks.Replace(key))
	b.WriteString(": ")
	b.WriteString(lineBreaks.Replace(value))
	b.WriteString("\r\n")
}
