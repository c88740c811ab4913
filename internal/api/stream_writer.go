package api

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

type SSEStreamWriter struct {
	w             io.Writer
	flusher       func()
	startingAfter int
	seq           int
	text          []byte
	begun         bool
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}

	return &SSEStreamWriter{
		w:             res,
		flusher:       flusher.Flush,
		startingAfter: parseStartingAfter(c.QueryParam("starting_after")),
		seq:           1,
	}, nil
}

func (s *SSEStreamWriter) Begin(resp GenerateResponse) error {
	s.begun = true
	return s.event(streamEvent{Type: "generation.created", Response: &resp})
}

func (s *SSEStreamWriter) Started() bool {
	return s.begun
}

func (s *SSEStreamWriter) EmitToken(tok int32, delta string) error {
	s.text = append(s.text, delta...)
	return s.event(streamEvent{Type: "generation.delta", Token: &tok, Delta: delta})
}

// EmitText sends text that no single token owns, such as a rune held back
// until the end of the output.
func (s *SSEStreamWriter) EmitText(delta string) error {
	s.text = append(s.text, delta...)
	return s.event(streamEvent{Type: "generation.delta", Delta: delta})
}

func (s *SSEStreamWriter) Complete(resp GenerateResponse) error {
	return s.event(streamEvent{Type: "generation.completed", Response: &resp})
}

func (s *SSEStreamWriter) Failed(resp GenerateResponse, err error) error {
	resp.Status = "failed"
	if resp.Error == nil {
		resp.Error = &ResponseError{Message: err.Error(), Type: "server_error"}
	}
	return s.event(streamEvent{Type: "generation.failed", Response: &resp})
}

func (s *SSEStreamWriter) Incomplete(resp GenerateResponse, err error) error {
	resp.Status = "incomplete"
	resp.Error = &ResponseError{Message: err.Error(), Type: "cancelled"}
	return s.event(streamEvent{Type: "generation.incomplete", Response: &resp})
}

func (s *SSEStreamWriter) event(ev streamEvent) error {
	ev.SequenceNumber = s.seq
	if err := s.send(ev); err != nil {
		return err
	}
	s.flush()
	s.seq++
	return nil
}

func (s *SSEStreamWriter) send(payload any) error {
	if s.startingAfter >= s.seq {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.w, "data: %s\n\n", b)
	return err
}

func (s *SSEStreamWriter) flush() {
	if s.flusher != nil {
		s.flusher()
	}
}

func parseStartingAfter(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// textDeltas splits decoded output into per-token deltas whose
// concatenation equals the decode of the whole output. A trailing U+FFFD
// is held back until a later token settles it.
type textDeltas struct {
	tok  Tokenizer
	ids  []int32
	sent int
}

func (d *textDeltas) push(id int32) string {
	d.ids = append(d.ids, id)
	text := strings.TrimRight(d.tok.Decode(d.ids), "\uFFFD")
	if len(text) <= d.sent {
		return ""
	}
	delta := text[d.sent:]
	d.sent = len(text)
	return delta
}

// rest returns whatever push has held back.
func (d *textDeltas) rest() string {
	text := d.tok.Decode(d.ids)
	if len(text) <= d.sent {
		return ""
	}
	return text[d.sent:]
}
