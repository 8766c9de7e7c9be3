package evaluator

import (
	"bufio"
	"io"
	"iter"
	"strings"
)

const maxSSELineSize = 1 << 20

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// readSSE parses a text/event-stream body. Comments and retry hints are skipped;
// events without an explicit type default to "message".
func readSSE(r io.Reader) iter.Seq2[sseEvent, error] {
	return func(yield func(sseEvent, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 4096), maxSSELineSize)

		var (
			current sseEvent
			data    []string
		)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if len(data) == 0 && current.Event == "" {
					continue
				}
				current.Data = strings.Join(data, "\n")
				if current.Event == "" {
					current.Event = "message"
				}
				if !yield(current, nil) {
					return
				}
				current, data = sseEvent{}, nil
				continue
			}
			if strings.HasPrefix(line, ":") {
				continue
			}

			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				current.Event = value
			case "data":
				data = append(data, value)
			case "id":
				current.ID = value
			}
		}
		if err := scanner.Err(); err != nil {
			yield(sseEvent{}, err)
		}
	}
}
