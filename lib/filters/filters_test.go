package filters

import (
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forever-august/renews/lib/auth"
	"github.com/forever-august/renews/lib/config"
	"github.com/forever-august/renews/lib/nntp/message"
	"github.com/forever-august/renews/lib/storage"
)

func testContext(t *testing.T) *Context {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.NewSqlite(filepath.Join(dir, "articles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	au, err := auth.NewSqlite(filepath.Join(dir, "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { au.Close() })
	conf, err := config.Parse(`site_name = "test"` + "\n" + `default_max_article_bytes = 1024`)
	require.NoError(t, err)
	return &Context{Storage: st, Auth: au, Conf: conf}
}

func validArticle(msgid, groups string) *message.Article {
	var hdr message.Header
	hdr.Add("From", "alice@example.org")
	hdr.Add("Newsgroups", groups)
	hdr.Add("Subject", "hi")
	hdr.Add("Date", "Thu, 06 Aug 2026 12:00:00 +0000")
	hdr.Add("Message-ID", msgid)
	hdr.Add("Path", "test")
	a := &message.Article{Header: hdr, Body: []string{"body"}}
	a.Size = int64(len(a.Bytes()))
	return a
}

func TestHeaderFilter(t *testing.T) {
	ctx := testContext(t)
	a := validArticle("<h@x>", "misc.test")
	require.Equal(t, Accept, (HeaderFilter{}).Apply(ctx, a).Status)

	a.Header.Del("Subject")
	require.Equal(t, Reject, (HeaderFilter{}).Apply(ctx, a).Status)
}

func TestSizeFilterBoundary(t *testing.T) {
	ctx := testContext(t)
	a := validArticle("<s@x>", "misc.test")

	a.Size = 1024
	require.Equal(t, Accept, (SizeFilter{}).Apply(ctx, a).Status, "exactly at the limit passes")
	a.Size = 1025
	require.Equal(t, Reject, (SizeFilter{}).Apply(ctx, a).Status, "one byte over is rejected")
}

func TestGroupExistenceFilter(t *testing.T) {
	ctx := testContext(t)
	require.NoError(t, ctx.Storage.AddGroup("misc.test", false))

	a := validArticle("<g@x>", "misc.test")
	require.Equal(t, Accept, (GroupExistenceFilter{}).Apply(ctx, a).Status)

	b := validArticle("<g2@x>", "misc.test,no.such.group")
	require.Equal(t, Reject, (GroupExistenceFilter{}).Apply(ctx, b).Status)
}

func TestModerationFilter(t *testing.T) {
	ctx := testContext(t)
	require.NoError(t, ctx.Storage.AddGroup("mod.group", true))
	require.NoError(t, ctx.Auth.AddUser("mod", "pw"))
	require.NoError(t, ctx.Auth.AddModerator("mod", "mod.*"))

	// no Approved header: rewritten and held for moderation
	a := validArticle("<m1@x>", "mod.group")
	v := (ModerationFilter{}).Apply(ctx, a)
	require.Equal(t, Reject, v.Status)
	require.Equal(t, "moderation required", v.Reason)
	require.Equal(t, "alice@example.org", a.Header.Get("X-Moderate-From", ""))

	// approved by a covering moderator
	b := validArticle("<m2@x>", "mod.group")
	b.Header.Add("Approved", "mod")
	require.Equal(t, Accept, (ModerationFilter{}).Apply(ctx, b).Status)

	// approver must cover every destination group
	require.NoError(t, ctx.Storage.AddGroup("other.group", true))
	c := validArticle("<m3@x>", "mod.group,other.group")
	c.Header.Add("Approved", "mod")
	require.Equal(t, Reject, (ModerationFilter{}).Apply(ctx, c).Status)
}

func TestChainShortCircuit(t *testing.T) {
	ctx := testContext(t)
	a := validArticle("<c@x>", "no.such.group")
	a.Header.Del("From")
	v := Default().Apply(ctx, a)
	require.Equal(t, Reject, v.Status)
	require.Contains(t, v.Reason, "From", "HeaderFilter fires before GroupExistenceFilter")
}

func TestFromConfigUnknownFilter(t *testing.T) {
	_, err := FromConfig([]config.FilterConfig{{Name: "NopeFilter"}})
	require.Error(t, err)
}

func TestFromConfigDefaultOrder(t *testing.T) {
	chain, err := FromConfig(nil)
	require.NoError(t, err)
	require.Equal(t,
		[]string{"HeaderFilter", "SizeFilter", "GroupExistenceFilter", "ModerationFilter"},
		chain.Names())
}

// a minimal milter that replies with one verdict byte after EOM
func fakeMilter(t *testing.T, verdict byte) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var lenbuf [4]byte
			if _, err := io.ReadFull(conn, lenbuf[:]); err != nil {
				return
			}
			payload := make([]byte, binary.BigEndian.Uint32(lenbuf[:]))
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
			switch payload[0] {
			case milterEndMessage:
				resp := []byte{0, 0, 0, 1, verdict}
				conn.Write(resp)
			case milterQuit:
				return
			}
		}
	}()
	return l.Addr().String()
}

func TestMilterVerdicts(t *testing.T) {
	ctx := testContext(t)
	cases := []struct {
		verdict byte
		want    Status
	}{
		{milterAccept, Accept},
		{milterDiscard, Accept},
		{milterReject, Reject},
		{milterTempfail, Tempfail},
	}
	for _, c := range cases {
		addr := fakeMilter(t, c.verdict)
		m, err := NewMilterFilter(config.FilterConfig{Name: "MilterFilter", Address: "tcp://" + addr})
		require.NoError(t, err)
		a := validArticle("<mf@x>", "misc.test")
		require.Equal(t, c.want, m.Apply(ctx, a).Status, "verdict %c", c.verdict)
	}
}

func TestMilterConnectErrorIsTempfail(t *testing.T) {
	ctx := testContext(t)
	m, err := NewMilterFilter(config.FilterConfig{
		Name:        "MilterFilter",
		Address:     "tcp://127.0.0.1:1",
		TimeoutSecs: 1,
	})
	require.NoError(t, err)
	a := validArticle("<mc@x>", "misc.test")
	v := m.Apply(ctx, a)
	require.Equal(t, Tempfail, v.Status)
	require.True(t, strings.Contains(v.Reason, "milter"))
}

func TestMilterAddressParsing(t *testing.T) {
	_, err := NewMilterFilter(config.FilterConfig{Address: "ftp://example.org"})
	require.Error(t, err)
	_, err = NewMilterFilter(config.FilterConfig{Address: "unix:///var/run/milter.sock"})
	require.NoError(t, err)
	_, err = NewMilterFilter(config.FilterConfig{Address: "tls://scanner.example.org:11119"})
	require.NoError(t, err)
}
