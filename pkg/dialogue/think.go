package dialogue

import (
	"strings"
	"unicode"
)

const thinkOpen = "<think>"

// thinkFilter removes a leading <think>...</think> block from a stream of
// deltas so reasoning never reaches the caller.
type thinkFilter struct {
	buf   strings.Builder
	state int
}

const (
	thinkUndecided = iota
	thinkInside
	thinkTrim // block closed, dropping whitespace before the reply
	thinkPassthrough
)

// push consumes a delta and returns the text that may be emitted now.
func (f *thinkFilter) push(delta string) string {
	switch f.state {
	case thinkPassthrough:
		return delta

	case thinkTrim:
		delta = strings.TrimLeftFunc(delta, unicode.IsSpace)
		if delta != "" {
			f.state = thinkPassthrough
		}
		return delta

	case thinkUndecided:
		f.buf.WriteString(delta)
		head := strings.TrimLeftFunc(f.buf.String(), unicode.IsSpace)
		switch {
		case head == "" || (len(head) < len(thinkOpen) && strings.HasPrefix(thinkOpen, head)):
			return ""
		case strings.HasPrefix(head, thinkOpen):
			f.state = thinkInside
			return f.scan()
		default:
			f.state = thinkPassthrough
			out := f.buf.String()
			f.buf.Reset()
			return out
		}

	default:
		f.buf.WriteString(delta)
		return f.scan()
	}
}

func (f *thinkFilter) scan() string {
	held := f.buf.String()
	i := strings.Index(held, thinkClose)
	if i < 0 {
		return ""
	}
	f.buf.Reset()
	rest := strings.TrimLeftFunc(held[i+len(thinkClose):], unicode.IsSpace)
	if rest == "" {
		f.state = thinkTrim
	} else {
		f.state = thinkPassthrough
	}
	return rest
}

// flush returns held text at end of stream. An unterminated reasoning
// block is dropped.
func (f *thinkFilter) flush() string {
	if f.state != thinkUndecided {
		return ""
	}
	out := f.buf.String()
	f.buf.Reset()
	return out
}
