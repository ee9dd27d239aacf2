package nntp

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/forever-august/renews/lib/nntp/message"
)

var (
	ErrPostRejected = errors.New("post rejected")
	// the remote wants the article again later
	ErrTryLater = errors.New("remote asked to retry later")
)

// Client is the outbound side of a peer connection: greeting,
// authentication, capability discovery and article transfer via
// IHAVE or CHECK/TAKETHIS.
type Client struct {
	C    *textproto.Conn
	conn net.Conn
	// greeting said posting is allowed
	PostingAllowed bool
}

// NewClient wraps an established connection and consumes the
// greeting.
func NewClient(conn net.Conn) (*Client, error) {
	c := &Client{C: textproto.NewConn(conn), conn: conn}
	code, line, err := c.C.ReadCodeLine(-1)
	if err != nil {
		return nil, err
	}
	if code != 200 && code != 201 {
		return nil, fmt.Errorf("nntp: unexpected greeting %d %s", code, line)
	}
	c.PostingAllowed = code == 200
	return c, nil
}

// Capabilities asks the remote what it can do.
func (c *Client) Capabilities() ([]string, error) {
	if err := c.C.PrintfLine("CAPABILITIES"); err != nil {
		return nil, err
	}
	code, _, err := c.C.ReadCodeLine(-1)
	if err != nil {
		return nil, err
	}
	if code != 101 {
		return nil, fmt.Errorf("nntp: CAPABILITIES returned %d", code)
	}
	var caps []string
	br := bufio.NewReader(c.C.DotReader())
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			caps = append(caps, strings.ToUpper(strings.TrimRight(line, "\r\n")))
		}
		if err != nil {
			break
		}
	}
	return caps, nil
}

// HasCapability scans a capability list for a label.
func HasCapability(caps []string, label string) bool {
	for _, c := range caps {
		if c == label || strings.HasPrefix(c, label+" ") {
			return true
		}
	}
	return false
}

// Authenticate runs AUTHINFO USER/PASS.
func (c *Client) Authenticate(user, pass string) error {
	if err := c.C.PrintfLine("AUTHINFO USER %s", user); err != nil {
		return err
	}
	code, _, err := c.C.ReadCodeLine(-1)
	if err != nil {
		return err
	}
	if code == 281 {
		return nil
	}
	if code != 381 {
		return fmt.Errorf("nntp: AUTHINFO USER returned %d", code)
	}
	if err := c.C.PrintfLine("AUTHINFO PASS %s", pass); err != nil {
		return err
	}
	code, _, err = c.C.ReadCodeLine(-1)
	if err != nil {
		return err
	}
	if code != 281 {
		return fmt.Errorf("nntp: authentication rejected with %d", code)
	}
	return nil
}

// ModeStream negotiates streaming mode; the caller falls back to
// IHAVE when the remote refuses.
func (c *Client) ModeStream() error {
	if err := c.C.PrintfLine("MODE STREAM"); err != nil {
		return err
	}
	code, _, err := c.C.ReadCodeLine(-1)
	if err != nil {
		return err
	}
	if code != 203 {
		return fmt.Errorf("nntp: MODE STREAM refused with %d", code)
	}
	return nil
}

// Check asks whether the remote wants msgid. deferred means ask
// again later.
func (c *Client) Check(msgid string) (want, deferred bool, err error) {
	if err = c.C.PrintfLine("CHECK %s", msgid); err != nil {
		return
	}
	code, _, err := c.C.ReadCodeLine(-1)
	if err != nil {
		return false, false, err
	}
	switch code {
	case 238:
		return true, false, nil
	case 431:
		return false, true, nil
	case 438:
		return false, false, nil
	}
	return false, false, fmt.Errorf("nntp: CHECK returned %d", code)
}

// SendCheck writes a CHECK without waiting for the reply, for
// windowed pipelining; pair with ReadCheckReply.
func (c *Client) SendCheck(msgid string) error {
	return c.C.PrintfLine("CHECK %s", msgid)
}

// ReadCheckReply reads one pipelined CHECK response.
func (c *Client) ReadCheckReply() (msgid string, want, deferred bool, err error) {
	code, line, err := c.C.ReadCodeLine(-1)
	if err != nil {
		return "", false, false, err
	}
	if fields := strings.Fields(line); len(fields) > 0 {
		msgid = fields[0]
	}
	switch code {
	case 238:
		return msgid, true, false, nil
	case 431:
		return msgid, false, true, nil
	case 438:
		return msgid, false, false, nil
	}
	return msgid, false, false, fmt.Errorf("nntp: CHECK returned %d", code)
}

// TakeThis sends the article unconditionally and reports whether the
// remote kept it.
func (c *Client) TakeThis(msgid string, a *message.Article) (bool, error) {
	if err := c.C.PrintfLine("TAKETHIS %s", msgid); err != nil {
		return false, err
	}
	dw := c.C.DotWriter()
	if err := a.WriteTo(dw); err != nil {
		dw.Close()
		return false, err
	}
	if err := dw.Close(); err != nil {
		return false, err
	}
	code, _, err := c.C.ReadCodeLine(-1)
	if err != nil {
		return false, err
	}
	return code == 239, nil
}

// IHave offers msgid and transfers the article when wanted. An
// already present article counts as delivered.
func (c *Client) IHave(msgid string, a *message.Article) (bool, error) {
	if err := c.C.PrintfLine("IHAVE %s", msgid); err != nil {
		return false, err
	}
	code, _, err := c.C.ReadCodeLine(-1)
	if err != nil {
		return false, err
	}
	switch code {
	case 435:
		// remote already has it
		return true, nil
	case 436:
		return false, ErrTryLater
	case 335:
	default:
		return false, fmt.Errorf("nntp: IHAVE returned %d", code)
	}
	dw := c.C.DotWriter()
	if err := a.WriteTo(dw); err != nil {
		dw.Close()
		return false, err
	}
	if err := dw.Close(); err != nil {
		return false, err
	}
	code, _, err = c.C.ReadCodeLine(-1)
	if err != nil {
		return false, err
	}
	switch code {
	case 235:
		return true, nil
	case 436:
		return false, ErrTryLater
	}
	return false, ErrPostRejected
}

// Quit sends quit and closes the connection.
func (c *Client) Quit() {
	if err := c.C.PrintfLine("QUIT"); err == nil {
		c.C.ReadCodeLine(-1)
	}
	if err := c.conn.Close(); err != nil {
		log.WithFields(log.Fields{"pkg": "nntp-client"}).Debug("close: ", err)
	}
}
