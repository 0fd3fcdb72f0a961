package notifyclient

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

type rawEvent struct {
	ID    string
	Event string
	Data  string
	Retry time.Duration
}

// sseReader parses a text/event-stream body.
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next dispatched event. Comment lines and events without
// data or name are skipped.
func (s *sseReader) Next() (rawEvent, error) {
	var (
		ev   rawEvent
		data []string
	)
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return rawEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(data) == 0 && ev.Event == "" {
				if ev.Retry > 0 {
					return ev, nil
				}
				continue
			}
			ev.Data = strings.Join(data, "\n")
			if ev.Event == "" {
				ev.Event = "message"
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				ev.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}
