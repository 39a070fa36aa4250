package narration

import (
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Assembler accumulates text fragments and cuts complete sentences out of
// them. A sentence ends at '.', '!' or '?' immediately followed by
// whitespace. The zero value is ready to use.
type Assembler struct {
	// buf never holds a complete boundary between calls.
	buf string
}

// Push appends a fragment and returns every sentence it completed, in order.
func (a *Assembler) Push(fragment string) []string {
	if fragment == "" {
		return nil
	}
	// the old tail may hold punctuation plus the prefix of a split
	// whitespace rune
	from := max(0, len(a.buf)-utf8.UTFMax)
	a.buf += fragment

	var sentences []string
	for {
		end, next, ok := nextBoundary(a.buf, from)
		if !ok {
			return sentences
		}
		if sentence := strings.TrimSpace(a.buf[:end]); sentence != "" {
			sentences = append(sentences, sentence)
		}
		a.buf = a.buf[next:]
		from = 0
	}
}

// Flush returns the trimmed remainder at end of input, if any, and resets
// the buffer.
func (a *Assembler) Flush() (string, bool) {
	rest := strings.TrimSpace(a.buf)
	a.buf = ""
	return rest, rest != ""
}

// nextBoundary finds the first terminal punctuation at or after from that is
// followed by whitespace. end is the index just past the punctuation, next
// the index just past the whitespace run.
func nextBoundary(s string, from int) (end, next int, ok bool) {
	for i := from; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
		default:
			continue
		}
		j := i + 1
		for j < len(s) {
			r, size := utf8.DecodeRuneInString(s[j:])
			if !unicode.IsSpace(r) {
				break
			}
			j += size
		}
		if j > i+1 {
			return i + 1, j, true
		}
	}
	return 0, 0, false
}

// Sentences assembles a fragment sequence into a sentence sequence. An
// upstream error is forwarded as-is and ends the sequence without flushing.
func Sentences(fragments iter.Seq2[string, error]) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var a Assembler
		for fragment, err := range fragments {
			if err != nil {
				yield("", err)
				return
			}
			for _, sentence := range a.Push(fragment) {
				if !yield(sentence, nil) {
					return
				}
			}
		}
		if rest, ok := a.Flush(); ok {
			yield(rest, nil)
		}
	}
}
