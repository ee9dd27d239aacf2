package retention

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forever-august/renews/lib/config"
	"github.com/forever-august/renews/lib/nntp/message"
	"github.com/forever-august/renews/lib/storage"
)

func newSweeper(t *testing.T, confToml string) (*Sweeper, storage.Storage) {
	t.Helper()
	st, err := storage.NewSqlite(filepath.Join(t.TempDir(), "articles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	conf, err := config.Parse(confToml)
	require.NoError(t, err)
	return &Sweeper{Storage: st, Conf: config.NewStore(conf)}, st
}

func store(t *testing.T, st storage.Storage, msgid, group, expires string) {
	t.Helper()
	var hdr message.Header
	hdr.Add("From", "alice@example.org")
	hdr.Add("Newsgroups", group)
	hdr.Add("Subject", "old news")
	hdr.Add("Date", "Thu, 06 Aug 2026 12:00:00 +0000")
	hdr.Add("Message-ID", msgid)
	hdr.Add("Path", "news.test")
	if expires != "" {
		hdr.Add("Expires", expires)
	}
	a := &message.Article{Header: hdr, Body: []string{"x"}}
	a.Size = int64(len(a.Bytes()))
	require.NoError(t, st.StoreArticle(a, a.Newsgroups()))
}

func TestSweepExpiresOldArticles(t *testing.T) {
	s, st := newSweeper(t, `
site_name = "x"
default_retention_days = 7
`)
	require.NoError(t, st.AddGroup("misc.test", false))
	store(t, st, "<old@x>", "misc.test", "")

	// as if run a month from now: everything is past retention
	s.Sweep(time.Now().AddDate(0, 1, 0))
	has, err := st.HasArticle("<old@x>")
	require.NoError(t, err)
	require.False(t, has)
}

func TestSweepKeepsFreshArticles(t *testing.T) {
	s, st := newSweeper(t, `
site_name = "x"
default_retention_days = 7
`)
	require.NoError(t, st.AddGroup("misc.test", false))
	store(t, st, "<fresh@x>", "misc.test", "")

	s.Sweep(time.Now())
	has, err := st.HasArticle("<fresh@x>")
	require.NoError(t, err)
	require.True(t, has)
}

func TestExpiresHeaderOverridesShorter(t *testing.T) {
	s, st := newSweeper(t, `
site_name = "x"
default_retention_days = 365
`)
	require.NoError(t, st.AddGroup("misc.test", false))
	store(t, st, "<exp@x>", "misc.test", "Mon, 01 Jan 2001 00:00:00 +0000")

	s.Sweep(time.Now())
	has, err := st.HasArticle("<exp@x>")
	require.NoError(t, err)
	require.False(t, has, "an earlier Expires beats a longer retention")
}

func TestUnlimitedRetentionStillHonorsExpires(t *testing.T) {
	s, st := newSweeper(t, `site_name = "x"`)
	require.NoError(t, st.AddGroup("misc.test", false))
	store(t, st, "<keep@x>", "misc.test", "")
	store(t, st, "<exp@x>", "misc.test", "Mon, 01 Jan 2001 00:00:00 +0000")

	s.Sweep(time.Now())
	has, err := st.HasArticle("<keep@x>")
	require.NoError(t, err)
	require.True(t, has)
	has, err = st.HasArticle("<exp@x>")
	require.NoError(t, err)
	require.False(t, has)
}

func TestPerGroupRetention(t *testing.T) {
	s, st := newSweeper(t, `
site_name = "x"

[[group]]
pattern = "*"
retention_days = 7

[[group]]
group = "comp.lang.rust"
retention_days = 60
`)
	require.NoError(t, st.AddGroup("comp.lang.rust", false))
	require.NoError(t, st.AddGroup("comp.misc", false))
	store(t, st, "<a@x>", "comp.lang.rust", "")
	store(t, st, "<b@x>", "comp.misc", "")

	// 30 days out: the 7 day group expires, the 60 day group survives
	s.Sweep(time.Now().AddDate(0, 0, 30))
	has, err := st.HasArticle("<a@x>")
	require.NoError(t, err)
	require.True(t, has)
	has, err = st.HasArticle("<b@x>")
	require.NoError(t, err)
	require.False(t, has)
}
