package peers

import (
	"fmt"
	"net"
	"net/textproto"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forever-august/renews/lib/config"
	"github.com/forever-august/renews/lib/nntp/message"
	"github.com/forever-august/renews/lib/storage"
)

func TestParsePeerAddr(t *testing.T) {
	p, err := parsePeerAddr("peer.example.net:119")
	require.NoError(t, err)
	require.Equal(t, "peer.example.net:119", p.host)
	require.False(t, p.useTLS)
	require.Empty(t, p.username)

	p, err = parsePeerAddr("alice:secret@peer.example.net:119")
	require.NoError(t, err)
	require.Equal(t, "peer.example.net:119", p.host)
	require.Equal(t, "alice", p.username)
	require.Equal(t, "secret", p.password)

	p, err = parsePeerAddr("tls://bob:pw@peer.example.net:563")
	require.NoError(t, err)
	require.True(t, p.useTLS)
	require.Equal(t, "bob", p.username)

	p, err = parsePeerAddr("peer.example.net")
	require.NoError(t, err)
	require.Equal(t, "peer.example.net:119", p.host, "default port applied")
}

// a minimal peer-side NNTP server recording what it is offered
type fakePeer struct {
	addr      string
	streaming bool

	mu       sync.Mutex
	checks   []string
	received []string
	ihaves   []string
}

func newFakePeer(t *testing.T, streaming bool) *fakePeer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	p := &fakePeer{addr: l.Addr().String(), streaming: streaming}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go p.serve(conn)
		}
	}()
	return p
}

func (p *fakePeer) serve(conn net.Conn) {
	defer conn.Close()
	tc := textproto.NewConn(conn)
	tc.PrintfLine("200 fake peer ready")
	for {
		line, err := tc.ReadLine()
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "CAPABILITIES":
			tc.PrintfLine("101 capability list follows")
			tc.PrintfLine("VERSION 2")
			if p.streaming {
				tc.PrintfLine("STREAMING")
			}
			tc.PrintfLine("IHAVE")
			tc.PrintfLine(".")
		case "MODE":
			if p.streaming {
				tc.PrintfLine("203 streaming permitted")
			} else {
				tc.PrintfLine("501 unknown mode")
			}
		case "CHECK":
			p.mu.Lock()
			p.checks = append(p.checks, fields[1])
			p.mu.Unlock()
			tc.PrintfLine("238 %s", fields[1])
		case "TAKETHIS":
			tc.ReadDotLines()
			p.mu.Lock()
			p.received = append(p.received, fields[1])
			p.mu.Unlock()
			tc.PrintfLine("239 %s", fields[1])
		case "IHAVE":
			tc.PrintfLine("335 send it")
			tc.ReadDotLines()
			p.mu.Lock()
			p.ihaves = append(p.ihaves, fields[1])
			p.mu.Unlock()
			tc.PrintfLine("235 article transferred")
		case "QUIT":
			tc.PrintfLine("205 closing connection")
			return
		default:
			tc.PrintfLine("500 command not recognized")
		}
	}
}

func storeTestArticle(t *testing.T, st storage.Storage, msgid, group string) {
	t.Helper()
	var hdr message.Header
	hdr.Add("From", "alice@example.org")
	hdr.Add("Newsgroups", group)
	hdr.Add("Subject", "sync me")
	hdr.Add("Date", "Thu, 06 Aug 2026 12:00:00 +0000")
	hdr.Add("Message-ID", msgid)
	hdr.Add("Path", "news.test")
	a := &message.Article{Header: hdr, Body: []string{"payload"}}
	a.Size = int64(len(a.Bytes()))
	require.NoError(t, st.StoreArticle(a, a.Newsgroups()))
}

func newSyncEnv(t *testing.T) (*Supervisor, storage.Storage) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.NewSqlite(filepath.Join(dir, "articles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	db, err := Open("sqlite://" + filepath.Join(dir, "peers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	conf, err := config.Parse(`site_name = "news.test"`)
	require.NoError(t, err)
	sup := &Supervisor{DB: db, Storage: st, Conf: config.NewStore(conf)}
	return sup, st
}

func TestStreamingSync(t *testing.T) {
	peer := newFakePeer(t, true)
	sup, st := newSyncEnv(t)

	require.NoError(t, st.AddGroup("comp.lang.rust", false))
	require.NoError(t, st.AddGroup("misc.test", false))
	for i := 1; i <= 5; i++ {
		storeTestArticle(t, st, fmt.Sprintf("<m%d@x>", i), "comp.lang.rust")
	}
	storeTestArticle(t, st, "<ignored@x>", "misc.test")
	// the peer has already seen up to article 3
	require.NoError(t, sup.DB.SetHighWater(peer.addr, "comp.lang.rust", 3))

	rule := config.PeerRule{Sitename: peer.addr, Patterns: []string{"comp.*"}}
	require.NoError(t, sup.syncPeer(rule))

	peer.mu.Lock()
	defer peer.mu.Unlock()
	require.Equal(t, []string{"<m4@x>", "<m5@x>"}, peer.checks)
	require.Equal(t, []string{"<m4@x>", "<m5@x>"}, peer.received)

	hw, err := sup.DB.HighWater(peer.addr, "comp.lang.rust")
	require.NoError(t, err)
	require.Equal(t, int64(5), hw)
}

func TestIHaveFallback(t *testing.T) {
	peer := newFakePeer(t, false)
	sup, st := newSyncEnv(t)

	require.NoError(t, st.AddGroup("comp.lang.rust", false))
	storeTestArticle(t, st, "<f1@x>", "comp.lang.rust")

	rule := config.PeerRule{Sitename: peer.addr, Patterns: []string{"comp.*"}}
	require.NoError(t, sup.syncPeer(rule))

	peer.mu.Lock()
	defer peer.mu.Unlock()
	require.Empty(t, peer.checks, "no streaming against a peer without it")
	require.Equal(t, []string{"<f1@x>"}, peer.ihaves)

	hw, err := sup.DB.HighWater(peer.addr, "comp.lang.rust")
	require.NoError(t, err)
	require.Equal(t, int64(1), hw)
}

func TestSyncNothingPending(t *testing.T) {
	sup, st := newSyncEnv(t)
	require.NoError(t, st.AddGroup("comp.lang.rust", false))
	// no pending articles, so the unreachable peer is never dialed
	rule := config.PeerRule{Sitename: "127.0.0.1:1", Patterns: []string{"comp.*"}}
	require.NoError(t, sup.syncPeer(rule))
}

func TestConnectErrorKeepsHighWater(t *testing.T) {
	sup, st := newSyncEnv(t)
	require.NoError(t, st.AddGroup("comp.lang.rust", false))
	storeTestArticle(t, st, "<e1@x>", "comp.lang.rust")

	rule := config.PeerRule{Sitename: "127.0.0.1:1", Patterns: []string{"comp.*"}}
	require.Error(t, sup.syncPeer(rule))

	hw, err := sup.DB.HighWater("127.0.0.1:1", "comp.lang.rust")
	require.NoError(t, err)
	require.Zero(t, hw, "failed tick must not advance the mark")
}

func TestHighWaterUpsert(t *testing.T) {
	sup, _ := newSyncEnv(t)
	hw, err := sup.DB.HighWater("peer", "g")
	require.NoError(t, err)
	require.Zero(t, hw)
	require.NoError(t, sup.DB.SetHighWater("peer", "g", 7))
	require.NoError(t, sup.DB.SetHighWater("peer", "g", 9))
	hw, err = sup.DB.HighWater("peer", "g")
	require.NoError(t, err)
	require.Equal(t, int64(9), hw)

	require.NoError(t, sup.DB.RemovePeer("peer"))
	hw, err = sup.DB.HighWater("peer", "g")
	require.NoError(t, err)
	require.Zero(t, hw)
}
