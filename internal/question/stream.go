package question

import (
	"iter"
	"log/slog"
	"strings"
)

// Stream is a finite, single-use sequence of text fragments that also
// accumulates the full message for persistence.
type Stream struct {
	source   iter.Seq2[string, error]
	fallback string

	started bool
	done    bool
	text    strings.Builder
	err     error
	usedFB  bool
}

// Static returns a stream that emits text as a single fragment.
func Static(text string) *Stream {
	return &Stream{
		fallback: text,
		source: func(yield func(string, error) bool) {
			yield(text, nil)
		},
	}
}

// Fragments yields the message as it arrives. A second call yields nothing.
//
// If the source fails before producing anything the fallback text is
// emitted instead. If it fails part-way the partial text is kept. If the
// consumer stops early the rest of the source is still drained so Text
// returns the whole message.
func (s *Stream) Fragments() iter.Seq[string] {
	return func(yield func(string) bool) {
		if s.started {
			return
		}
		s.started = true
		defer func() { s.done = true }()

		consuming := true
		for frag, err := range s.source {
			if err != nil {
				s.err = err
				break
			}
			if frag == "" {
				continue
			}
			s.text.WriteString(frag)
			if consuming && !yield(frag) {
				consuming = false
			}
		}

		if strings.TrimSpace(s.text.String()) != "" {
			if s.err != nil {
				slog.Warn("question stream ended early, keeping partial text", "error", s.err, "chars", s.text.Len())
			}
			return
		}
		if s.err != nil {
			slog.Warn("question generation failed, using fallback", "error", s.err)
		}
		s.usedFB = true
		s.text.Reset()
		s.text.WriteString(s.fallback)
		if consuming {
			yield(s.fallback)
		}
	}
}

// Text returns the accumulated message, draining the stream if needed.
func (s *Stream) Text() string {
	if !s.done {
		for range s.Fragments() {
		}
	}
	return s.text.String()
}

// Err is the source error, if any. A failed stream still has Text.
func (s *Stream) Err() error { return s.err }

// UsedFallback reports whether the fallback text replaced the source output.
func (s *Stream) UsedFallback() bool { return s.usedFB }
