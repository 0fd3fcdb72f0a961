package broker

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"time"
)

// WriteFrame writes f as one SSE event. Only notification frames carry an
// id line so Last-Event-ID always names a notification.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if f.Type == FrameNotification && f.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(f.ID)
		buf.WriteByte('\n')
	}
	buf.WriteString("event: ")
	buf.WriteString(f.Type)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	_, err = w.Write(buf.Bytes())
	return err
}

// writeRetry tells EventSource clients how long to wait before reconnecting.
func writeRetry(w io.Writer, d time.Duration) error {
	_, err := io.WriteString(w, "retry: "+strconv.FormatInt(d.Milliseconds(), 10)+"\n\n")
	return err
}
