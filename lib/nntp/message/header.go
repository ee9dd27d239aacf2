package message

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/forever-august/renews/lib/model"
)

// header parse failures
var (
	ErrInvalidArticle = errors.New("invalid article")
	ErrLineTooLong    = errors.New("line exceeds 998 bytes")
)

// maximum content bytes in one line, excluding CRLF
const MaxLineLength = 998

// a single header field
type HeaderField struct {
	Name  string
	Value string
}

// an nntp article header, field order preserved
type Header []HeaderField

// get the first value for key or fallback if absent, key compared
// case insensitively
func (h Header) Get(key, fallback string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, key) {
			return f.Value
		}
	}
	return fallback
}

// get all values for key
func (h Header) GetAll(key string) (vals []string) {
	for _, f := range h {
		if strings.EqualFold(f.Name, key) {
			vals = append(vals, f.Value)
		}
	}
	return
}

// do we have a key in this header?
func (h Header) Has(key string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, key) {
			return true
		}
	}
	return false
}

// append a field
func (h *Header) Add(key, val string) {
	*h = append(*h, HeaderField{Name: key, Value: val})
}

// replace the first field with this key, appending if absent
func (h *Header) Set(key, val string) {
	for i, f := range *h {
		if strings.EqualFold(f.Name, key) {
			(*h)[i].Value = val
			return
		}
	}
	h.Add(key, val)
}

// remove every field with this key
func (h *Header) Del(key string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, key) {
			out = append(out, f)
		}
	}
	*h = out
}

// get message-id header
func (h Header) MessageID() model.MessageID {
	return model.MessageID(h.Get("Message-ID", ""))
}

// newsgroups listed in the Newsgroups header, trimmed, empties dropped
func (h Header) Newsgroups() (groups []model.Newsgroup) {
	for _, part := range strings.Split(h.Get("Newsgroups", ""), ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			groups = append(groups, model.Newsgroup(part))
		}
	}
	return
}

// prepend our name to the Path header
func (h *Header) AppendPath(name string) {
	p := h.Get("Path", "")
	if p == "" {
		h.Set("Path", name)
	} else if first, _, _ := strings.Cut(p, "!"); first != name {
		h.Set("Path", name+"!"+p)
	}
}

// ReadHeader reads a header block from r up to and including the empty
// line separating it from the body. Continuation lines beginning with
// horizontal whitespace are unfolded onto the previous field with a
// single space. Header names must be ASCII.
func ReadHeader(br *bufio.Reader) (hdr Header, err error) {
	for {
		var line string
		line, err = readLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(hdr) == 0 {
				return nil, fmt.Errorf("%w: continuation before first header", ErrInvalidArticle)
			}
			hdr[len(hdr)-1].Value += " " + strings.TrimLeft(line, " \t")
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found || name == "" {
			return nil, fmt.Errorf("%w: malformed header line", ErrInvalidArticle)
		}
		if !asciiName(name) {
			return nil, fmt.Errorf("%w: non-ascii header name", ErrInvalidArticle)
		}
		hdr.Add(name, strings.TrimLeft(value, " \t"))
	}
	return hdr, nil
}

// WriteTo writes the header block including the terminating empty line.
// Folded values are emitted canonically unfolded.
func (h Header) WriteTo(w io.Writer) error {
	for _, f := range h {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", f.Name, f.Value); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// ParseHeaderBlock parses a stored header block, one "Name: value"
// per line. Values are already unfolded so no line limit applies.
func ParseHeaderBlock(block string) (hdr Header, err error) {
	for _, line := range strings.Split(block, "\n") {
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found || name == "" {
			return nil, fmt.Errorf("%w: malformed stored header", ErrInvalidArticle)
		}
		hdr.Add(name, strings.TrimLeft(value, " \t"))
	}
	return hdr, nil
}

// Block renders the header one "Name: value" per line for storage.
func (h Header) Block() string {
	var sb strings.Builder
	for _, f := range h {
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		sb.WriteString(f.Value)
		sb.WriteString("\n")
	}
	return sb.String()
}

func asciiName(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= ' ' || c > '~' || c == ':' {
			return false
		}
	}
	return true
}

// readLine reads one line, tolerating either CRLF or bare LF endings,
// and enforces the 998 byte content limit.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) > MaxLineLength {
		return "", ErrLineTooLong
	}
	return line, nil
}
