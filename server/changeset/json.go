package changeset

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/peercollab/peercollab/server/errors"
)

// ErrMalformed is returned when decoding an invalid change set.
var ErrMalformed = errors.New("changeset: malformed JSON")

// MaxLen bounds the document lengths a decoded change set may cover, in runes.
const MaxLen = 1 << 30

// MarshalJSON encodes c in the CodeMirror ChangeSet.toJSON format: a number is
// a retained length and an array [deleted, line0, line1, ...] replaces deleted
// runes with the given lines joined by newlines.
func (c ChangeSet) MarshalJSON() ([]byte, error) {
	parts := make([]interface{}, 0, len(c.ops))
	for i := 0; i < len(c.ops); i++ {
		if r, ok := c.ops[i].(Retain); ok {
			parts = append(parts, int(r))
			continue
		}
		var ins string
		var del int
		if s, ok := c.ops[i].(Insert); ok {
			ins = string(s)
			if i+1 < len(c.ops) {
				if d, ok := c.ops[i+1].(Delete); ok {
					del = int(d)
					i++
				}
			}
		} else {
			del = int(c.ops[i].(Delete))
		}
		part := []interface{}{del}
		if ins != "" {
			for _, line := range strings.Split(ins, "\n") {
				part = append(part, line)
			}
		}
		parts = append(parts, part)
	}
	return json.Marshal(parts)
}

// UnmarshalJSON decodes the format written by MarshalJSON.
func (c *ChangeSet) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return errors.Wrap(ErrMalformed, "null change set")
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	b := NewBuilder()
	// fits reports whether growing a length of cur by n stays within MaxLen.
	fits := func(cur, n int) bool { return n <= MaxLen-cur }
	for i, part := range parts {
		var n int
		if err := json.Unmarshal(part, &n); err == nil {
			if n < 0 {
				return errors.Wrapf(ErrMalformed, "part %d: negative length", i)
			}
			if !fits(b.cs.len, n) || !fits(b.cs.newLen, n) {
				return errors.Wrapf(ErrMalformed, "part %d: length exceeds %d", i, MaxLen)
			}
			b.Retain(n)
			continue
		}
		var section []json.RawMessage
		if err := json.Unmarshal(part, &section); err != nil || len(section) == 0 {
			return errors.Wrapf(ErrMalformed, "part %d: want number or non-empty array", i)
		}
		if err := json.Unmarshal(section[0], &n); err != nil || n < 0 {
			return errors.Wrapf(ErrMalformed, "part %d: bad deleted length", i)
		}
		lines := make([]string, len(section)-1)
		for j, raw := range section[1:] {
			if err := json.Unmarshal(raw, &lines[j]); err != nil {
				return errors.Wrapf(ErrMalformed, "part %d: line %d is not a string", i, j)
			}
		}
		ins := strings.Join(lines, "\n")
		if !fits(b.cs.len, n) || !fits(b.cs.newLen, utf8.RuneCountInString(ins)) {
			return errors.Wrapf(ErrMalformed, "part %d: length exceeds %d", i, MaxLen)
		}
		b.Insert(ins).Delete(n)
	}
	*c = b.Build()
	return nil
}
