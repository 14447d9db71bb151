package proxy

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// maxEventSize caps a single SSE line.
const maxEventSize = 1 << 20

// readSSE reads server-sent events from r and calls onData with the joined
// data lines of each event. Comments and other fields are ignored. It stops
// at the first error returned by onData, or at EOF.
func readSSE(r io.Reader, onData func(data string) error) error {
	br := bufio.NewReaderSize(r, 4096)
	var dataLines []string

	flush := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		data := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		return onData(data)
	}

	for {
		line, err := br.ReadString('\n')
		if len(line) > maxEventSize {
			return errors.New("stream event exceeds size limit")
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := err != nil

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ferr := flush(); ferr != nil {
				return ferr
			}
		case strings.HasPrefix(line, ":"):
			// Comment / keep-alive.
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if eof {
			return flush()
		}
	}
}
