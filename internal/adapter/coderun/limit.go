package coderun

import "strings"

// limiter forwards output until max bytes have passed, then forwards a
// single truncation note and drops the rest.
type limiter struct {
	max       int
	emit      func(string)
	sb        strings.Builder
	truncated bool
}

func newLimiter(max int, emit func(string)) *limiter {
	if emit == nil {
		emit = func(string) {}
	}
	return &limiter{max: max, emit: emit}
}

func (l *limiter) write(chunk string) {
	if l.truncated {
		return
	}
	if l.max > 0 && l.sb.Len()+len(chunk) > l.max {
		chunk = chunk[:l.max-l.sb.Len()] + truncatedNote
		l.truncated = true
	}
	l.sb.WriteString(chunk)
	l.emit(chunk)
}

func (l *limiter) String() string { return l.sb.String() }
