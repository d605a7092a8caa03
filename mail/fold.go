package mail

import (
	"bytes"
	"regexp"
)

const foldLength = 78

var rxReduceWS = regexp.MustCompile(`[ \t]+`)

// FoldHeader folds header value according to RFC 5322
// https://tools.ietf.org/html/rfc5322#section-2.2.3
// Each line SHOULD be no more than 78 characters, excluding the CRLF.
// Folding only happens on white space, a single word longer than the limit stays on its own line.
// The result has no trailing CRLF.
func FoldHeader(header *[]byte) {
	raw := bytes.Replace(*header, []byte{'\r'}, nil, -1)
	raw = bytes.Replace(raw, []byte{'\n'}, nil, -1)
	raw = bytes.TrimSpace(rxReduceWS.ReplaceAll(raw, []byte(" ")))
	if len(raw) <= foldLength {
		*header = raw
		return
	}

	out := make([]byte, 0, len(raw)+len(raw)/foldLength*3)
	lineLen := 0
	for i, word := range bytes.Split(raw, []byte{' '}) {
		switch {
		case i == 0:
		case lineLen+1+len(word) > foldLength:
			out = append(out, '\r', '\n', '\t')
			lineLen = 1
		default:
			out = append(out, ' ')
			lineLen++
		}
		out = append(out, word...)
		lineLen += len(word)
	}
	*header = out
}
