package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Decoder reads events framed by Encoder.
type Decoder struct {
	sc *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Decoder{sc: sc}
}

// Next returns the next event, or io.EOF when the input ends.
func (d *Decoder) Next() (Event, error) {
	var data []string
	for d.sc.Scan() {
		line := d.sc.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			var e Event
			if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &e); err != nil {
				return Event{}, fmt.Errorf("decoding event: %w", err)
			}
			return e, nil
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := d.sc.Err(); err != nil {
		return Event{}, err
	}
	if len(data) > 0 {
		return Event{}, fmt.Errorf("decoding event: %w", io.ErrUnexpectedEOF)
	}
	return Event{}, io.EOF
}

// ReadAll decodes every event in r.
func ReadAll(r io.Reader) ([]Event, error) {
	d := NewDecoder(r)
	var out []Event
	for {
		e, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
