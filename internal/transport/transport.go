// Package transport holds the plumbing shared by line producers and sinks.
package transport

import (
	"bufio"
	"errors"
	"io"
)

// ErrTxOverflow is returned when a send queue is full and the line was dropped.
var ErrTxOverflow = errors.New("tx overflow")

// LineSink is a text line transmission target.
type LineSink interface {
	SendLine(string) error
}

// SinkFunc adapts a function to LineSink.
type SinkFunc func(string) error

func (f SinkFunc) SendLine(s string) error { return f(s) }

var (
	_ LineSink = (*AsyncTx)(nil)
	_ LineSink = SinkFunc(nil)
)

// WriteLines writes each line followed by ending through a single buffered
// flush and returns the bytes written.
func WriteLines(w io.Writer, lines []string, ending string) (int, error) {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
	}
	n := 0
	for _, s := range lines {
		k, err := bw.WriteString(s)
		n += k
		if err != nil {
			return n, err
		}
		k, err = bw.WriteString(ending)
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}
