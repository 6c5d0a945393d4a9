package sse

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
)

type message struct {
	Name string
	Data []byte
}

// readMessages parses an event stream until it ends or ctx is done. The
// terminal error, io.EOF on a clean end, is sent on errs.
func readMessages(ctx context.Context, reader io.Reader, out chan<- message, errs chan<- error) {
	defer close(out)

	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	name := ""
	var data bytes.Buffer
	emit := func() bool {
		if name == "" && data.Len() == 0 {
			return true
		}
		msg := message{Name: strings.TrimSpace(name), Data: append([]byte{}, data.Bytes()...)}
		name = ""
		data.Reset()
		select {
		case out <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			if !emit() {
				errs <- ctx.Err()
				return
			}
		case strings.HasPrefix(line, ":"):
			// comment, used by servers as a keepalive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			segment := strings.TrimPrefix(line, "data:")
			if len(segment) > 0 && segment[0] == ' ' {
				segment = segment[1:]
			}
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(segment)
		}
	}

	if !emit() {
		errs <- ctx.Err()
		return
	}
	if scanErr := scanner.Err(); scanErr != nil {
		errs <- scanErr
		return
	}
	errs <- io.EOF
}
