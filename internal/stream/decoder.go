package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"strings"
)

const readerBufferSize = 64 * 1024

// DefaultMaxLineBytes bounds one line of the stream. A longer line is
// skipped and its frame yielded with Oversized set, so one huge payload
// costs only that frame.
const DefaultMaxLineBytes = 16 * 1024 * 1024

// DefaultChannel is the channel of frames that carry no event name.
const DefaultChannel = "message"

// Frame is one dispatched server-sent event.
type Frame struct {
	Event string // channel name; DefaultChannel when the frame names none
	Data  string // data lines joined with "\n"
	ID    string

	// Oversized reports that a line of the frame exceeded the line limit and
	// was skipped. Data is incomplete.
	Oversized bool
}

// Decode lazily yields the frames read from r, in order. The sequence ends at
// EOF, on the first read error (yielded once), or when ctx is done. A frame
// left incomplete at EOF is discarded.
func Decode(ctx context.Context, r io.Reader) iter.Seq2[Frame, error] {
	return DecodeLimit(ctx, r, DefaultMaxLineBytes)
}

// DecodeLimit is Decode with a line limit of maxLine bytes. maxLine <= 0
// selects DefaultMaxLineBytes.
func DecodeLimit(ctx context.Context, r io.Reader, maxLine int) iter.Seq2[Frame, error] {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return func(yield func(Frame, error) bool) {
		br := bufio.NewReaderSize(r, readerBufferSize)

		var (
			event     string
			id        string
			data      strings.Builder
			hasData   bool
			oversized bool
		)
		reset := func() {
			event = ""
			data.Reset()
			hasData = false
			oversized = false
		}

		for {
			line, tooLong, err := readLine(br, maxLine)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				}
				yield(Frame{}, err)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(Frame{}, err)
				return
			}
			if tooLong {
				oversized = true
				continue
			}

			if line == "" {
				if !hasData && !oversized {
					reset()
					continue
				}
				f := Frame{Event: event, Data: data.String(), ID: id, Oversized: oversized}
				if f.Event == "" {
					f.Event = DefaultChannel
				}
				reset()
				if !yield(f, nil) {
					return
				}
				continue
			}
			if strings.HasPrefix(line, ":") {
				continue
			}

			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				if hasData {
					data.WriteByte('\n')
				}
				data.WriteString(value)
				hasData = true
			case "id":
				if !strings.ContainsRune(value, 0) {
					id = value
				}
			}
		}
	}
}

// readLine returns the next line without its terminator. A line longer than
// maxLine is consumed in full but only reported as too long. A final line
// without a terminator is returned with io.EOF.
func readLine(br *bufio.Reader, maxLine int) (line string, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, rerr := br.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > maxLine+1 {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(rerr, bufio.ErrBufferFull) {
			continue
		}
		if rerr != nil {
			return "", tooLong, rerr
		}
		break
	}
	line = strings.TrimSuffix(string(buf), "\n")
	return strings.TrimSuffix(line, "\r"), tooLong, nil
}
