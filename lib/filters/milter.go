package filters

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/forever-august/renews/lib/config"
	"github.com/forever-august/renews/lib/nntp/message"
)

// milter commands we send
const (
	milterConnect    = 'C'
	milterHeader     = 'L'
	milterEndHeaders = 'N'
	milterBody       = 'B'
	milterEndMessage = 'E'
	milterQuit       = 'Q'
)

// milter verdicts we read back
const (
	milterAccept   = 'a'
	milterReject   = 'r'
	milterDiscard  = 'd'
	milterTempfail = 't'
	milterContinue = 'c'
)

const milterBodyChunk = 65535

// MilterFilter hands each article to an external scanner over the
// milter wire protocol. Connection, protocol and TLS errors all map
// to tempfail so the sender retries.
type MilterFilter struct {
	scheme  string
	address string
	timeout time.Duration
	tlsConf *tls.Config
}

// NewMilterFilter parses an address of the form tcp://host:port,
// tls://host:port or unix:///path/to/socket.
func NewMilterFilter(fc config.FilterConfig) (*MilterFilter, error) {
	u, err := url.Parse(fc.Address)
	if err != nil {
		return nil, fmt.Errorf("filters: milter address: %w", err)
	}
	m := &MilterFilter{timeout: 30 * time.Second}
	if fc.TimeoutSecs > 0 {
		m.timeout = time.Duration(fc.TimeoutSecs) * time.Second
	}
	switch u.Scheme {
	case "tcp":
		m.scheme, m.address = "tcp", u.Host
	case "tls":
		m.scheme, m.address = "tls", u.Host
		host := u.Hostname()
		m.tlsConf = &tls.Config{ServerName: host, InsecureSkipVerify: fc.InsecureSkipVerify}
	case "unix":
		m.scheme, m.address = "unix", u.Path
	default:
		return nil, fmt.Errorf("filters: milter scheme %q not supported", u.Scheme)
	}
	if m.address == "" {
		return nil, fmt.Errorf("filters: milter address %q has no host", fc.Address)
	}
	return m, nil
}

func (m *MilterFilter) Name() string { return "MilterFilter" }

func (m *MilterFilter) Apply(ctx *Context, a *message.Article) Verdict {
	conn, err := m.dial()
	if err != nil {
		return tempfail(fmt.Sprintf("milter connect: %v", err))
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(m.timeout))

	verdict, err := m.scan(conn, a)
	if err != nil {
		return tempfail(fmt.Sprintf("milter: %v", err))
	}
	return verdict
}

func (m *MilterFilter) dial() (net.Conn, error) {
	dialer := &net.Dialer{Timeout: m.timeout}
	switch m.scheme {
	case "tcp":
		return dialer.Dial("tcp", m.address)
	case "unix":
		return dialer.Dial("unix", m.address)
	case "tls":
		return tls.DialWithDialer(dialer, "tcp", m.address, m.tlsConf)
	}
	return nil, fmt.Errorf("bad scheme %q", m.scheme)
}

// scan runs one CONNECT / HEADER* / EOH / BODY* / EOM exchange and
// reads the final verdict. Intermediate continue responses after
// header and body packets are consumed and ignored.
func (m *MilterFilter) scan(conn net.Conn, a *message.Article) (Verdict, error) {
	if err := writePacket(conn, milterConnect, []byte(a.MessageID().String())); err != nil {
		return Verdict{}, err
	}
	for _, f := range a.Header {
		data := append([]byte(f.Name), 0)
		data = append(data, f.Value...)
		data = append(data, 0)
		if err := writePacket(conn, milterHeader, data); err != nil {
			return Verdict{}, err
		}
	}
	if err := writePacket(conn, milterEndHeaders, nil); err != nil {
		return Verdict{}, err
	}
	body := []byte(a.BodyString())
	for len(body) > 0 {
		n := len(body)
		if n > milterBodyChunk {
			n = milterBodyChunk
		}
		if err := writePacket(conn, milterBody, body[:n]); err != nil {
			return Verdict{}, err
		}
		body = body[n:]
	}
	if err := writePacket(conn, milterEndMessage, nil); err != nil {
		return Verdict{}, err
	}

	for {
		code, err := readResponse(conn)
		if err != nil {
			return Verdict{}, err
		}
		switch code {
		case milterContinue:
			continue
		case milterAccept, milterDiscard:
			// a discard is a silent drop reported as success
			writePacket(conn, milterQuit, nil)
			if code == milterDiscard {
				return Verdict{Status: Accept, Reason: "discarded by milter"}, nil
			}
			return accepted, nil
		case milterReject:
			writePacket(conn, milterQuit, nil)
			return rejected("rejected by milter"), nil
		case milterTempfail:
			writePacket(conn, milterQuit, nil)
			return tempfail("milter tempfail"), nil
		default:
			return Verdict{}, fmt.Errorf("unexpected milter response %q", code)
		}
	}
}

// packets are a network order uint32 length followed by a command
// byte and its data
func writePacket(w io.Writer, cmd byte, data []byte) error {
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(data)+1))
	if _, err := w.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{cmd}); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readResponse(r io.Reader) (byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return 0, err
	}
	size := binary.BigEndian.Uint32(lenbuf[:])
	if size == 0 || size > 1<<20 {
		return 0, fmt.Errorf("bad milter packet length %d", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, err
	}
	return payload[0], nil
}
