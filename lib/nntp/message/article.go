package message

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/forever-august/renews/lib/model"
)

// headers every stored article must carry
var requiredHeaders = []string{"From", "Newsgroups", "Subject", "Date", "Message-ID", "Path"}

// an nntp article, headers plus body lines. the body is kept without
// dot stuffing; stuffing is applied on the wire only.
type Article struct {
	Header Header
	// body lines without line terminators
	Body []string
	// serialized size in bytes as received
	Size int64
}

// get this article's message-id
func (a *Article) MessageID() model.MessageID {
	return a.Header.MessageID()
}

// groups this article is addressed to
func (a *Article) Newsgroups() []model.Newsgroup {
	return a.Header.Newsgroups()
}

// number of body lines
func (a *Article) Lines() int {
	return len(a.Body)
}

// body joined for storage
func (a *Article) BodyString() string {
	return strings.Join(a.Body, "\n")
}

// SetBodyString splits a stored body back into lines.
func (a *Article) SetBodyString(body string) {
	if body == "" {
		a.Body = nil
		return
	}
	a.Body = strings.Split(body, "\n")
}

// ReadArticle reads a dot terminated article from r, stripping
// dot stuffing from body lines. maxBytes of 0 disables the size limit;
// exceeding it fails with ErrInvalidArticle after draining the rest of
// the transfer so the session stays in sync.
func ReadArticle(r io.Reader, maxBytes int64) (*Article, error) {
	br := bufio.NewReader(r)
	hdr, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}
	a := &Article{Header: hdr}
	for _, f := range hdr {
		a.Size += int64(len(f.Name)) + 2 + int64(len(f.Value)) + 2
	}
	a.Size += 2
	tooBig := false
	for {
		line, err := readLine(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if line == "." {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		a.Size += int64(len(line)) + 2
		if maxBytes > 0 && a.Size > maxBytes {
			tooBig = true
			continue
		}
		if !tooBig {
			a.Body = append(a.Body, line)
		}
	}
	if tooBig || (maxBytes > 0 && a.Size > maxBytes) {
		return nil, fmt.Errorf("%w: article exceeds %d bytes", ErrInvalidArticle, maxBytes)
	}
	return a, nil
}

// Validate checks the fields required for acceptance. The message-id,
// when present, must be well formed.
func (a *Article) Validate() error {
	for _, name := range requiredHeaders {
		if !a.Header.Has(name) {
			return fmt.Errorf("%w: missing %s header", ErrInvalidArticle, name)
		}
	}
	if !a.MessageID().Valid() {
		return fmt.Errorf("%w: malformed message-id", ErrInvalidArticle)
	}
	if len(a.Newsgroups()) == 0 {
		return fmt.Errorf("%w: empty Newsgroups header", ErrInvalidArticle)
	}
	return nil
}

// WriteTo writes headers and body without dot stuffing or terminator.
func (a *Article) WriteTo(w io.Writer) error {
	if err := a.Header.WriteTo(w); err != nil {
		return err
	}
	for _, line := range a.Body {
		if _, err := fmt.Fprintf(w, "%s\r\n", line); err != nil {
			return err
		}
	}
	return nil
}

// WriteDotTo writes the article with dot stuffing and the terminating
// dot line, ready for a multi-line data block.
func (a *Article) WriteDotTo(w io.Writer) error {
	if err := a.Header.WriteTo(w); err != nil {
		return err
	}
	if err := WriteDotBody(w, a.Body); err != nil {
		return err
	}
	_, err := io.WriteString(w, ".\r\n")
	return err
}

// WriteDotBody writes body lines with dot stuffing, no terminator.
func WriteDotBody(w io.Writer, body []string) error {
	for _, line := range body {
		if strings.HasPrefix(line, ".") {
			if _, err := io.WriteString(w, "."); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s\r\n", line); err != nil {
			return err
		}
	}
	return nil
}

// Bytes serializes the article without dot stuffing.
func (a *Article) Bytes() []byte {
	var buf bytes.Buffer
	a.WriteTo(&buf)
	return buf.Bytes()
}
