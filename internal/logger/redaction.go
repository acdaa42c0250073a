package logger

import (
	"io"
	"regexp"
)

// secretExprs matches credential shapes kbridge is likely to see in
// log lines: embedding provider keys, HTTP auth headers, connection
// URLs with inline credentials, and generic key=value secrets.
var secretExprs = []string{
	`sk-[a-zA-Z0-9_-]{20,}`,
	`sk-proj-[a-zA-Z0-9_-]{20,}`,
	`Bearer\s+[a-zA-Z0-9._-]+`,
	`redis://[^@\s]+@`,
	`password["\s:=]+[^\s"]+`,
	`pwd["\s:=]+[^\s"]+`,
	`token["\s:=]+[a-zA-Z0-9._-]{20,}`,
	`AKIA[0-9A-Z]{16}`,
	`secret["\s:=]+[^\s"]+`,
}

const redactedMark = "[REDACTED]"

// Scrubber replaces credential-shaped substrings with a fixed marker
// before log lines reach any sink.
type Scrubber struct {
	exprs []*regexp.Regexp
}

// NewScrubber compiles the built-in secret patterns.
func NewScrubber() *Scrubber {
	s := &Scrubber{exprs: make([]*regexp.Regexp, 0, len(secretExprs))}
	for _, expr := range secretExprs {
		s.exprs = append(s.exprs, regexp.MustCompile(expr))
	}
	return s
}

// AddPattern registers an extra pattern to scrub.
func (s *Scrubber) AddPattern(expr string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return err
	}
	s.exprs = append(s.exprs, re)
	return nil
}

// Scrub returns in with every secret match replaced by the marker.
func (s *Scrubber) Scrub(in string) string {
	for _, re := range s.exprs {
		in = re.ReplaceAllString(in, redactedMark)
	}
	return in
}

// Writer returns an io.Writer that scrubs every write before passing
// it to next.
func (s *Scrubber) Writer(next io.Writer) io.Writer {
	return &scrubWriter{next: next, scrubber: s}
}

type scrubWriter struct {
	next     io.Writer
	scrubber *Scrubber
}

func (w *scrubWriter) Write(p []byte) (int, error) {
	return w.next.Write([]byte(w.scrubber.Scrub(string(p))))
}
