// Package frontmatter reads and writes the YAML header of record
// markdown files. Parsing is tolerant (unknown keys are preserved in the
// metadata bag); serialization is canonical so that rewriting an
// unchanged record yields byte-identical output.
package frontmatter

import (
	"bytes"
	"errors"
)

// Style captures formatting details needed for stable rewriting. It
// tracks newline shape only, not original YAML formatting.
type Style struct {
	Newline            string
	HasTrailingNewline bool
}

// DefaultStyle is used for records created by the engine itself.
var DefaultStyle = Style{Newline: "\n", HasTrailingNewline: true}

// ErrMissingClosingDelimiter indicates the document started with a
// frontmatter delimiter but never closed it.
var ErrMissingClosingDelimiter = errors.New("frontmatter opening delimiter found but closing delimiter is missing")

// Split separates the `---` delimited YAML header from the markdown
// body. If the document does not start with a delimiter, had is false
// and body is the full input.
func Split(content []byte) (header []byte, body []byte, had bool, style Style, err error) {
	style = detectStyle(content)

	nl := style.Newline
	open := []byte("---" + nl)
	if !bytes.HasPrefix(content, open) {
		return nil, content, false, style, nil
	}

	start := len(open)
	if bytes.HasPrefix(content[start:], open) {
		// Empty header.
		return []byte{}, content[start+len(open):], true, style, nil
	}

	closeSeq := []byte(nl + "---" + nl)
	idx := bytes.Index(content[start:], closeSeq)
	if idx < 0 {
		return nil, nil, false, style, ErrMissingClosingDelimiter
	}

	headerEnd := start + idx + len(nl)
	bodyStart := start + idx + len(closeSeq)
	return content[start:headerEnd], content[bodyStart:], true, style, nil
}

// Join reassembles a document from a raw header and body.
func Join(header []byte, body []byte, style Style) []byte {
	nl := style.Newline
	if nl == "" {
		nl = "\n"
	}
	delim := []byte("---" + nl)

	out := make([]byte, 0, 2*len(delim)+len(header)+len(body))
	out = append(out, delim...)
	out = append(out, header...)
	out = append(out, delim...)
	out = append(out, body...)
	return out
}

func detectStyle(content []byte) Style {
	newline := "\n"
	for i := 0; i+1 < len(content); i++ {
		if content[i] == '\r' && content[i+1] == '\n' {
			newline = "\r\n"
			break
		}
		if content[i] == '\n' {
			break
		}
	}
	trailing := len(content) > 0 && content[len(content)-1] == '\n'
	return Style{Newline: newline, HasTrailingNewline: trailing}
}
