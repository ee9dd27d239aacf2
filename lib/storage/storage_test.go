package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forever-august/renews/lib/model"
	"github.com/forever-august/renews/lib/nntp/message"
)

func openTestStore(t *testing.T) Storage {
	t.Helper()
	st, err := NewSqlite(filepath.Join(t.TempDir(), "articles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testArticle(msgid, groups string) *message.Article {
	var hdr message.Header
	hdr.Add("From", "alice@example.org")
	hdr.Add("Newsgroups", groups)
	hdr.Add("Subject", "test post")
	hdr.Add("Date", "Thu, 06 Aug 2026 12:00:00 +0000")
	hdr.Add("Message-ID", msgid)
	hdr.Add("Path", "news.example.org")
	a := &message.Article{Header: hdr, Body: []string{"hello", "world"}}
	a.Size = int64(len(a.Bytes()))
	return a
}

func TestStoreAndFetch(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.AddGroup("misc.test", false))

	a := testArticle("<a@x>", "misc.test")
	require.NoError(t, st.StoreArticle(a, a.Newsgroups()))

	got, err := st.GetArticleByMessageID("<a@x>")
	require.NoError(t, err)
	require.Equal(t, a.Header, got.Header)
	require.Equal(t, a.Body, got.Body)

	byNum, err := st.GetArticleByNumber("misc.test", 1)
	require.NoError(t, err)
	require.Equal(t, "<a@x>", byNum.MessageID().String())

	_, err = st.GetArticleByNumber("misc.test", 2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateMessageID(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.AddGroup("misc.test", false))

	a := testArticle("<dup@x>", "misc.test")
	require.NoError(t, st.StoreArticle(a, a.Newsgroups()))
	err := st.StoreArticle(a, a.Newsgroups())
	require.ErrorIs(t, err, ErrDuplicate)

	b, err := st.GroupBounds("misc.test")
	require.NoError(t, err)
	require.Equal(t, int64(1), b.High, "duplicate must not allocate a number")
}

func TestStoreMissingGroup(t *testing.T) {
	st := openTestStore(t)
	a := testArticle("<a@x>", "no.such.group")
	err := st.StoreArticle(a, a.Newsgroups())
	require.ErrorIs(t, err, ErrNoSuchGroup)
	has, err := st.HasArticle("<a@x>")
	require.NoError(t, err)
	require.False(t, has, "failed store must be all-or-nothing")
}

func TestCrossPost(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.AddGroup("misc.test", false))
	require.NoError(t, st.AddGroup("comp.lang.go", false))

	a := testArticle("<x@y>", "misc.test,comp.lang.go")
	require.NoError(t, st.StoreArticle(a, a.Newsgroups()))
	for _, g := range []string{"misc.test", "comp.lang.go"} {
		got, err := st.GetArticleByNumber(g, 1)
		require.NoError(t, err)
		require.Equal(t, "<x@y>", got.MessageID().String())
	}
}

func TestNumbersNeverReused(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.AddGroup("misc.test", false))

	for i := 1; i <= 3; i++ {
		a := testArticle(fmt.Sprintf("<n%d@x>", i), "misc.test")
		require.NoError(t, st.StoreArticle(a, a.Newsgroups()))
	}
	require.NoError(t, st.DeleteArticle("<n3@x>"))

	a := testArticle("<n4@x>", "misc.test")
	require.NoError(t, st.StoreArticle(a, a.Newsgroups()))
	got, err := st.GetArticleByNumber("misc.test", 4)
	require.NoError(t, err)
	require.Equal(t, "<n4@x>", got.MessageID().String())
	_, err = st.GetArticleByNumber("misc.test", 3)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGroupBoundsEmpty(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.AddGroup("misc.test", false))
	b, err := st.GroupBounds("misc.test")
	require.NoError(t, err)
	require.Equal(t, GroupBounds{Low: 0, High: 0, Count: 0}, b)

	_, err = st.GroupBounds("no.such.group")
	require.ErrorIs(t, err, ErrNoSuchGroup)
}

func TestListNumbersRange(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.AddGroup("misc.test", false))
	for i := 1; i <= 5; i++ {
		a := testArticle(fmt.Sprintf("<r%d@x>", i), "misc.test")
		require.NoError(t, st.StoreArticle(a, a.Newsgroups()))
	}
	it, err := st.ListNumbers("misc.test", 2, 4)
	require.NoError(t, err)
	defer it.Close()
	var nums []int64
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		nums = append(nums, e.Number)
	}
	require.NoError(t, it.Err())
	require.Equal(t, []int64{2, 3, 4}, nums)
}

func TestListOverview(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.AddGroup("misc.test", false))
	a := testArticle("<ov@x>", "misc.test")
	require.NoError(t, st.StoreArticle(a, a.Newsgroups()))

	it, err := st.ListOverview("misc.test", 1, 0)
	require.NoError(t, err)
	defer it.Close()
	line, ok := it.Next()
	require.True(t, ok)
	require.Contains(t, line, "1\ttest post\talice@example.org")
	require.Contains(t, line, "<ov@x>")
}

func TestIterateSince(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.AddGroup("misc.test", false))
	a := testArticle("<s1@x>", "misc.test")
	require.NoError(t, st.StoreArticle(a, a.Newsgroups()))

	it, err := st.IterateSince("misc.test", time.Unix(0, 0))
	require.NoError(t, err)
	e, ok := it.Next()
	it.Close()
	require.True(t, ok)
	require.Equal(t, "<s1@x>", e.MessageID)

	it, err = st.IterateSince("misc.test", time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, ok = it.Next()
	it.Close()
	require.False(t, ok)
}

func TestDeleteExpired(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.AddGroup("misc.test", false))
	a := testArticle("<old@x>", "misc.test")
	require.NoError(t, st.StoreArticle(a, a.Newsgroups()))

	n, err := st.DeleteExpired("misc.test", time.Now().Add(time.Hour), false)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	has, err := st.HasArticle("<old@x>")
	require.NoError(t, err)
	require.False(t, has, "orphan message rows are garbage collected")
}

func TestExpiresHeaderShorterWins(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.AddGroup("misc.test", false))
	a := testArticle("<exp@x>", "misc.test")
	a.Header.Add("Expires", "Mon, 01 Jan 2001 00:00:00 +0000")
	require.NoError(t, st.StoreArticle(a, a.Newsgroups()))

	// retention alone would keep it, the Expires header does not
	n, err := st.DeleteExpired("misc.test", time.Now().Add(-time.Hour), false)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestRemoveGroup(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.AddGroup("misc.test", false))
	a := testArticle("<rm@x>", "misc.test")
	require.NoError(t, st.StoreArticle(a, a.Newsgroups()))

	require.NoError(t, st.RemoveGroup("misc.test"))
	_, err := st.GroupByName("misc.test")
	require.ErrorIs(t, err, ErrNoSuchGroup)
	has, err := st.HasArticle("<rm@x>")
	require.NoError(t, err)
	require.False(t, has)

	require.ErrorIs(t, st.RemoveGroup("misc.test"), ErrNoSuchGroup)
}

func TestListGroupsWildmat(t *testing.T) {
	st := openTestStore(t)
	for _, g := range []string{"comp.lang.go", "comp.misc", "misc.test"} {
		require.NoError(t, st.AddGroup(g, false))
	}
	it, err := st.ListGroups([]string{"comp.*", "!comp.misc"})
	require.NoError(t, err)
	defer it.Close()
	var names []string
	for g, ok := it.Next(); ok; g, ok = it.Next() {
		names = append(names, g.Name)
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"comp.lang.go"}, names)
}

func TestAddGroupIdempotent(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.AddGroup("misc.test", false))
	require.NoError(t, st.AddGroup("misc.test", true), "re-adding is a no-op")
	g, err := st.GroupByName("misc.test")
	require.NoError(t, err)
	require.False(t, g.Moderated, "re-add does not change the moderated flag")
}

func TestModeratedFlag(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.AddGroup("mod.group", true))
	g, err := st.GroupByName("mod.group")
	require.NoError(t, err)
	require.True(t, g.Moderated)
	require.NoError(t, st.SetModerated("mod.group", false))
	g, err = st.GroupByName("mod.group")
	require.NoError(t, err)
	require.False(t, g.Moderated)
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "articles.db")
	st, err := NewSqlite(path)
	require.NoError(t, err)
	require.NoError(t, st.AddGroup("misc.test", false))
	require.NoError(t, st.Close())

	again, err := NewSqlite(path)
	require.NoError(t, err, "running the migration list twice is a no-op")
	defer again.Close()
	_, err = again.GroupByName("misc.test")
	require.NoError(t, err)
}

func TestCaseInsensitiveGroupNames(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.AddGroup("Comp.Lang.Go", false))
	a := testArticle("<ci@x>", "COMP.lang.go")
	require.NoError(t, st.StoreArticle(a, []model.Newsgroup{"COMP.lang.go"}))
	got, err := st.GetArticleByNumber("comp.LANG.go", 1)
	require.NoError(t, err)
	require.Equal(t, "<ci@x>", got.MessageID().String())
}
