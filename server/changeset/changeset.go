// Package changeset implements change sets: immutable descriptions of edits to
// a document, viewed as a sequence of runes, that can be applied, composed,
// transformed against each other, and used to map positions.
package changeset

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/peercollab/peercollab/server/errors"
)

// ErrLengthMismatch is returned when a change set is used with a document or
// another change set whose length it does not cover.
var ErrLengthMismatch = errors.New("changeset: length mismatch")

// Op is a change set component. It is one of Retain, Delete or Insert.
type Op interface {
	isOp()
}

// Retain keeps the next n runes.
type Retain int

// Delete removes the next n runes.
type Delete int

// Insert inserts text at the current position.
type Insert string

func (Retain) isOp() {}
func (Delete) isOp() {}
func (Insert) isOp() {}

func opLen(op Op) int {
	switch op := op.(type) {
	case Retain:
		return int(op)
	case Delete:
		return int(op)
	case Insert:
		return utf8.RuneCountInString(string(op))
	}
	return 0
}

// ChangeSet maps a document of Len() runes to a document of NewLen() runes.
// The zero value is the identity change set over the empty document.
type ChangeSet struct {
	ops    []Op
	len    int
	newLen int
}

// Len returns the length of the document the change set applies to.
func (c ChangeSet) Len() int { return c.len }

// NewLen returns the length of the document the change set produces.
func (c ChangeSet) NewLen() int { return c.newLen }

// Ops returns the normalized components of c.
func (c ChangeSet) Ops() []Op {
	ops := make([]Op, len(c.ops))
	copy(ops, c.ops)
	return ops
}

// Empty reports whether c leaves every document unchanged.
func (c ChangeSet) Empty() bool {
	for _, op := range c.ops {
		if _, ok := op.(Retain); !ok {
			return false
		}
	}
	return true
}

func (c ChangeSet) String() string {
	parts := make([]string, len(c.ops))
	for i, op := range c.ops {
		switch op := op.(type) {
		case Retain:
			parts[i] = fmt.Sprintf("r%d", int(op))
		case Delete:
			parts[i] = fmt.Sprintf("d%d", int(op))
		case Insert:
			parts[i] = fmt.Sprintf("i%q", string(op))
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Builder accumulates components into a normalized ChangeSet. Adjacent
// components of the same kind are merged and an insert is always kept ahead of
// an adjacent delete, so equal edits have equal representations.
type Builder struct {
	cs ChangeSet
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Retain(n int) *Builder {
	if n <= 0 {
		return b
	}
	b.cs.len += n
	b.cs.newLen += n
	if k := len(b.cs.ops); k > 0 {
		if r, ok := b.cs.ops[k-1].(Retain); ok {
			b.cs.ops[k-1] = r + Retain(n)
			return b
		}
	}
	b.cs.ops = append(b.cs.ops, Retain(n))
	return b
}

func (b *Builder) Delete(n int) *Builder {
	if n <= 0 {
		return b
	}
	b.cs.len += n
	if k := len(b.cs.ops); k > 0 {
		if d, ok := b.cs.ops[k-1].(Delete); ok {
			b.cs.ops[k-1] = d + Delete(n)
			return b
		}
	}
	b.cs.ops = append(b.cs.ops, Delete(n))
	return b
}

func (b *Builder) Insert(s string) *Builder {
	if s == "" {
		return b
	}
	b.cs.newLen += utf8.RuneCountInString(s)
	ops := b.cs.ops
	k := len(ops)
	if k > 0 {
		switch last := ops[k-1].(type) {
		case Insert:
			ops[k-1] = last + Insert(s)
			return b
		case Delete:
			if k > 1 {
				if ins, ok := ops[k-2].(Insert); ok {
					ops[k-2] = ins + Insert(s)
					return b
				}
			}
			ops[k-1] = Insert(s)
			b.cs.ops = append(ops, last)
			return b
		}
	}
	b.cs.ops = append(ops, Insert(s))
	return b
}

// Build returns the accumulated change set. The Builder must not be used
// afterwards.
func (b *Builder) Build() ChangeSet {
	cs := b.cs
	b.cs = ChangeSet{}
	return cs
}

// Identity returns the change set that keeps a document of docLen runes as is.
func Identity(docLen int) ChangeSet {
	return NewBuilder().Retain(docLen).Build()
}

// Replacement returns the change set replacing runes [from, to) of a document
// of docLen runes with text.
func Replacement(docLen, from, to int, text string) (ChangeSet, error) {
	if from < 0 || from > to || to > docLen {
		return ChangeSet{}, errors.Wrapf(ErrLengthMismatch, "range [%d, %d) outside document of length %d", from, to, docLen)
	}
	return NewBuilder().Retain(from).Insert(text).Delete(to - from).Retain(docLen - to).Build(), nil
}

// Insertion returns the change set inserting text at pos.
func Insertion(docLen, pos int, text string) (ChangeSet, error) {
	return Replacement(docLen, pos, pos, text)
}

// Deletion returns the change set deleting runes [from, to).
func Deletion(docLen, from, to int) (ChangeSet, error) {
	return Replacement(docLen, from, to, "")
}

// Apply applies c to doc.
func (c ChangeSet) Apply(doc string) (string, error) {
	rs := []rune(doc)
	if len(rs) != c.len {
		return "", errors.Wrapf(ErrLengthMismatch, "document has length %d, change set expects %d", len(rs), c.len)
	}
	var sb strings.Builder
	pos := 0
	for _, op := range c.ops {
		switch op := op.(type) {
		case Retain:
			if op < 0 || int(op) > len(rs)-pos {
				return "", errors.Wrapf(ErrLengthMismatch, "retain %d at %d overruns length %d", int(op), pos, len(rs))
			}
			sb.WriteString(string(rs[pos : pos+int(op)]))
			pos += int(op)
		case Delete:
			if op < 0 || int(op) > len(rs)-pos {
				return "", errors.Wrapf(ErrLengthMismatch, "delete %d at %d overruns length %d", int(op), pos, len(rs))
			}
			pos += int(op)
		case Insert:
			sb.WriteString(string(op))
		}
	}
	return sb.String(), nil
}

// MapPos maps a position in the document before c to the document after c.
// When an insertion happens exactly at pos, assoc < 0 keeps the position
// before the inserted text and assoc > 0 moves it after. Positions inside a
// deleted range collapse to the start of the deletion.
func (c ChangeSet) MapPos(pos, assoc int) int {
	oldPos, newPos := 0, 0
	for _, op := range c.ops {
		switch op := op.(type) {
		case Retain:
			if pos < oldPos+int(op) {
				return newPos + pos - oldPos
			}
			oldPos += int(op)
			newPos += int(op)
		case Delete:
			if pos < oldPos+int(op) {
				return newPos
			}
			oldPos += int(op)
		case Insert:
			if pos == oldPos && assoc < 0 {
				return newPos
			}
			newPos += opLen(op)
		}
	}
	return newPos + pos - oldPos
}

// Change is one contiguous edit of a change set. [FromA, ToA) is the replaced
// range in the old document and [FromB, ToB) the inserted range in the new one.
type Change struct {
	FromA, ToA int
	FromB, ToB int
	Inserted   string
}

// Changes returns the edits of c in document order.
func (c ChangeSet) Changes() []Change {
	var out []Change
	var cur *Change
	a, b := 0, 0
	for _, op := range c.ops {
		if r, ok := op.(Retain); ok {
			if cur != nil {
				out = append(out, *cur)
				cur = nil
			}
			a += int(r)
			b += int(r)
			continue
		}
		if cur == nil {
			cur = &Change{FromA: a, ToA: a, FromB: b, ToB: b}
		}
		switch op := op.(type) {
		case Delete:
			a += int(op)
			cur.ToA = a
		case Insert:
			b += opLen(op)
			cur.ToB = b
			cur.Inserted += string(op)
		}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// iter walks the components of a change set, allowing partial consumption.
type iter struct {
	ops []Op
	i   int
	cur Op
}

func newIter(ops []Op) *iter {
	it := &iter{ops: ops}
	it.next()
	return it
}

func (it *iter) next() {
	if it.i < len(it.ops) {
		it.cur = it.ops[it.i]
		it.i++
	} else {
		it.cur = nil
	}
}

// take consumes n runes of the current component.
func (it *iter) take(n int) {
	switch op := it.cur.(type) {
	case Retain:
		if int(op) > n {
			it.cur = op - Retain(n)
			return
		}
	case Delete:
		if int(op) > n {
			it.cur = op - Delete(n)
			return
		}
	case Insert:
		if rs := []rune(string(op)); len(rs) > n {
			it.cur = Insert(string(rs[n:]))
			return
		}
	}
	it.next()
}

// Compose returns the change set equivalent to applying a and then b.
func Compose(a, b ChangeSet) (ChangeSet, error) {
	if a.newLen != b.len {
		return ChangeSet{}, errors.Wrapf(ErrLengthMismatch, "compose: first produces %d, second expects %d", a.newLen, b.len)
	}
	out := NewBuilder()
	ia, ib := newIter(a.ops), newIter(b.ops)
	for ia.cur != nil || ib.cur != nil {
		if d, ok := ia.cur.(Delete); ok {
			out.Delete(int(d))
			ia.next()
			continue
		}
		if s, ok := ib.cur.(Insert); ok {
			out.Insert(string(s))
			ib.next()
			continue
		}
		if ia.cur == nil || ib.cur == nil {
			return ChangeSet{}, errors.Wrap(ErrLengthMismatch, "compose")
		}
		n := min(opLen(ia.cur), opLen(ib.cur))
		switch x := ia.cur.(type) {
		case Retain:
			switch ib.cur.(type) {
			case Retain:
				out.Retain(n)
			case Delete:
				out.Delete(n)
			}
		case Insert:
			if _, ok := ib.cur.(Retain); ok {
				out.Insert(string([]rune(string(x))[:n]))
			}
			// Insert followed by delete cancels out.
		}
		ia.take(n)
		ib.take(n)
	}
	return out.Build(), nil
}

// ComposeAll composes a non-empty sequence of change sets in order.
func ComposeAll(sets ...ChangeSet) (ChangeSet, error) {
	if len(sets) == 0 {
		return ChangeSet{}, errors.New("changeset: nothing to compose")
	}
	acc := sets[0]
	for _, cs := range sets[1:] {
		var err error
		if acc, err = Compose(acc, cs); err != nil {
			return ChangeSet{}, err
		}
	}
	return acc, nil
}

// Transform derives the bottom two sides of the OT diamond: given a and b
// applying to the same document, it returns ap, which applies after b, and bp,
// which applies after a, such that a then bp equals b then ap. b takes
// priority: when both insert at the same position, b's text comes first.
func Transform(a, b ChangeSet) (ap, bp ChangeSet, err error) {
	if a.len != b.len {
		return ChangeSet{}, ChangeSet{}, errors.Wrapf(ErrLengthMismatch, "transform: lengths %d and %d", a.len, b.len)
	}
	ao, bo := NewBuilder(), NewBuilder()
	ia, ib := newIter(a.ops), newIter(b.ops)
	for ia.cur != nil || ib.cur != nil {
		if s, ok := ib.cur.(Insert); ok {
			ao.Retain(opLen(s))
			bo.Insert(string(s))
			ib.next()
			continue
		}
		if s, ok := ia.cur.(Insert); ok {
			ao.Insert(string(s))
			bo.Retain(opLen(s))
			ia.next()
			continue
		}
		if ia.cur == nil || ib.cur == nil {
			return ChangeSet{}, ChangeSet{}, errors.Wrap(ErrLengthMismatch, "transform")
		}
		n := min(opLen(ia.cur), opLen(ib.cur))
		switch ia.cur.(type) {
		case Retain:
			switch ib.cur.(type) {
			case Retain:
				ao.Retain(n)
				bo.Retain(n)
			case Delete:
				bo.Delete(n)
			}
		case Delete:
			if _, ok := ib.cur.(Retain); ok {
				ao.Delete(n)
			}
			// Both deleted the same runes.
		}
		ia.take(n)
		ib.take(n)
	}
	return ao.Build(), bo.Build(), nil
}

// Map returns c transformed to apply after over, with over's insertions placed
// first at equal positions.
func (c ChangeSet) Map(over ChangeSet) (ChangeSet, error) {
	ap, _, err := Transform(c, over)
	return ap, err
}
