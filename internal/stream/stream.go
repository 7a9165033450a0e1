// Package stream runs a whole message through the rewrite engine one line at
// a time.
package stream

import (
	"bufio"
	"io"
	"strings"

	"rwfrom/internal/rewrite"
)

// Rewrite copies the message from r to w, replacing From: header lines as
// the engine decides. Lines are written back terminated with CRLF whatever
// terminator they arrived with; a final line without a terminator is written
// without one. observe, if not nil, is called with every action.
func Rewrite(r io.Reader, w io.Writer, e *rewrite.Engine, tx *rewrite.Transaction, observe func(rewrite.Action)) error {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)

	for {
		raw, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		if raw == "" && err == io.EOF {
			break
		}

		terminated := strings.HasSuffix(raw, "\n")
		line := strings.TrimSuffix(strings.TrimSuffix(raw, "\n"), "\r")

		act := e.OnLine(tx, line)
		if observe != nil {
			observe(act)
		}

		if _, werr := bw.WriteString(act.Line); werr != nil {
			return werr
		}
		if terminated {
			if _, werr := bw.WriteString("\r\n"); werr != nil {
				return werr
			}
		}

		if err == io.EOF {
			break
		}
	}

	return bw.Flush()
}
