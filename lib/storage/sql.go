package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/forever-august/renews/lib/model"
	"github.com/forever-august/renews/lib/nntp/message"
	"github.com/forever-august/renews/lib/wildmat"
)

// sqlStorage implements Storage for both backends; only the
// placeholder dialect and connection setup differ.
type sqlStorage struct {
	db     *sql.DB
	rebind func(string) string
}

// identity rebind for sqlite's ? placeholders
func bindQuestion(q string) string { return q }

// rewrite ? placeholders to postgres $1..$n
func bindDollar(q string) string {
	var sb strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			sb.WriteString("$")
			sb.WriteString(strconv.Itoa(n))
		} else {
			sb.WriteByte(q[i])
		}
	}
	return sb.String()
}

func (s *sqlStorage) Close() error { return s.db.Close() }

func (s *sqlStorage) StoreArticle(a *message.Article, groups []model.Newsgroup) error {
	msgid := a.MessageID().String()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRow(s.rebind("SELECT 1 FROM messages WHERE message_id = ?"), msgid).Scan(&one)
	if err == nil {
		return ErrDuplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var expires sql.NullInt64
	if v := a.Header.Get("Expires", ""); v != "" {
		if t, err := mail.ParseDate(v); err == nil {
			expires = sql.NullInt64{Int64: t.Unix(), Valid: true}
		}
	}
	now := time.Now().Unix()
	_, err = tx.Exec(s.rebind(
		"INSERT INTO messages (message_id, headers, body, size, overview, expires_at) VALUES (?, ?, ?, ?, ?, ?)"),
		msgid, a.Header.Block(), a.BodyString(), a.Size, OverviewLine(a), expires)
	if err != nil {
		return err
	}

	for _, g := range groups {
		name := g.Norm().String()
		var high int64
		err = tx.QueryRow(s.rebind("SELECT high_water FROM groups WHERE name = ?"), name).Scan(&high)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNoSuchGroup, name)
		}
		if err != nil {
			return err
		}
		high++
		if _, err = tx.Exec(s.rebind("UPDATE groups SET high_water = ? WHERE name = ?"), high, name); err != nil {
			return err
		}
		if _, err = tx.Exec(s.rebind(
			"INSERT INTO group_articles (group_name, number, message_id, inserted_at) VALUES (?, ?, ?, ?)"),
			name, high, msgid, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStorage) scanArticle(row *sql.Row) (*message.Article, error) {
	var headers, body string
	var size int64
	if err := row.Scan(&headers, &body, &size); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	hdr, err := message.ParseHeaderBlock(headers)
	if err != nil {
		return nil, err
	}
	a := &message.Article{Header: hdr, Size: size}
	a.SetBodyString(body)
	return a, nil
}

func (s *sqlStorage) GetArticleByMessageID(msgid string) (*message.Article, error) {
	return s.scanArticle(s.db.QueryRow(s.rebind(
		"SELECT headers, body, size FROM messages WHERE message_id = ?"), msgid))
}

func (s *sqlStorage) GetArticleByNumber(group string, number int64) (*message.Article, error) {
	return s.scanArticle(s.db.QueryRow(s.rebind(
		"SELECT m.headers, m.body, m.size FROM messages m "+
			"JOIN group_articles g ON m.message_id = g.message_id "+
			"WHERE g.group_name = ? AND g.number = ?"),
		strings.ToLower(group), number))
}

func (s *sqlStorage) HasArticle(msgid string) (bool, error) {
	var one int
	err := s.db.QueryRow(s.rebind("SELECT 1 FROM messages WHERE message_id = ?"), msgid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqlStorage) GroupBounds(group string) (b GroupBounds, err error) {
	name := strings.ToLower(group)
	var high int64
	err = s.db.QueryRow(s.rebind("SELECT high_water FROM groups WHERE name = ?"), name).Scan(&high)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNoSuchGroup
	}
	if err != nil {
		return b, err
	}
	var low, count sql.NullInt64
	err = s.db.QueryRow(s.rebind(
		"SELECT MIN(number), COUNT(*) FROM group_articles WHERE group_name = ?"), name).
		Scan(&low, &count)
	if err != nil {
		return b, err
	}
	b.Count = count.Int64
	if b.Count == 0 {
		// empty group reports 0 0 per RFC 3977, high never rewinds
		return GroupBounds{Low: 0, High: high, Count: 0}, nil
	}
	return GroupBounds{Low: low.Int64, High: high, Count: b.Count}, nil
}

func (s *sqlStorage) ListNumbers(group string, lo, hi int64) (*NumberIter, error) {
	q := "SELECT number, message_id FROM group_articles WHERE group_name = ? AND number >= ?"
	args := []any{strings.ToLower(group), lo}
	if hi > 0 {
		q += " AND number <= ?"
		args = append(args, hi)
	}
	rows, err := s.db.Query(s.rebind(q+" ORDER BY number"), args...)
	if err != nil {
		return nil, err
	}
	return &NumberIter{rows: rows}, nil
}

func (s *sqlStorage) ListOverview(group string, lo, hi int64) (*OverviewIter, error) {
	q := "SELECT g.number, m.overview FROM group_articles g " +
		"JOIN messages m ON m.message_id = g.message_id " +
		"WHERE g.group_name = ? AND g.number >= ?"
	args := []any{strings.ToLower(group), lo}
	if hi > 0 {
		q += " AND g.number <= ?"
		args = append(args, hi)
	}
	rows, err := s.db.Query(s.rebind(q+" ORDER BY g.number"), args...)
	if err != nil {
		return nil, err
	}
	return &OverviewIter{rows: rows}, nil
}

func (s *sqlStorage) IterateSince(group string, since time.Time) (*NumberIter, error) {
	rows, err := s.db.Query(s.rebind(
		"SELECT number, message_id FROM group_articles "+
			"WHERE group_name = ? AND inserted_at > ? ORDER BY inserted_at, number"),
		strings.ToLower(group), since.Unix())
	if err != nil {
		return nil, err
	}
	return &NumberIter{rows: rows}, nil
}

func (s *sqlStorage) DeleteArticle(msgid string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err = tx.Exec(s.rebind("DELETE FROM group_articles WHERE message_id = ?"), msgid); err != nil {
		return err
	}
	res, err := tx.Exec(s.rebind("DELETE FROM messages WHERE message_id = ?"), msgid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *sqlStorage) DeleteExpired(group string, cutoff time.Time, expiresMayExtend bool) (int64, error) {
	name := strings.ToLower(group)
	now := time.Now().Unix()
	var q string
	if expiresMayExtend {
		// an Expires header replaces the retention cutoff entirely
		q = `DELETE FROM group_articles WHERE group_name = ? AND (
			(inserted_at < ? AND NOT EXISTS (
				SELECT 1 FROM messages m WHERE m.message_id = group_articles.message_id
				AND m.expires_at IS NOT NULL))
			OR EXISTS (
				SELECT 1 FROM messages m WHERE m.message_id = group_articles.message_id
				AND m.expires_at IS NOT NULL AND m.expires_at < ?))`
	} else {
		// whichever of retention and Expires comes first wins
		q = `DELETE FROM group_articles WHERE group_name = ? AND (
			inserted_at < ?
			OR EXISTS (
				SELECT 1 FROM messages m WHERE m.message_id = group_articles.message_id
				AND m.expires_at IS NOT NULL AND m.expires_at < ?))`
	}
	res, err := s.db.Exec(s.rebind(q), name, cutoff.Unix(), now)
	if err != nil {
		return 0, err
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		if err := s.deleteOrphans(); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// remove message rows no group-article references anymore
func (s *sqlStorage) deleteOrphans() error {
	res, err := s.db.Exec(
		"DELETE FROM messages WHERE message_id NOT IN (SELECT DISTINCT message_id FROM group_articles)")
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.WithFields(log.Fields{"pkg": "storage", "messages": n}).Debug("garbage collected orphan messages")
	}
	return nil
}

func (s *sqlStorage) AddGroup(name string, moderated bool) error {
	name = strings.ToLower(name)
	if !model.Newsgroup(name).Valid() {
		return fmt.Errorf("storage: invalid group name %q", name)
	}
	_, err := s.db.Exec(s.rebind(
		"INSERT INTO groups (name, created_at, moderated, description, high_water) VALUES (?, ?, ?, ?, 0)"),
		name, time.Now().Unix(), moderated, "")
	if err != nil && isUniqueViolation(err) {
		// creating an existing group is a no-op
		return nil
	}
	return err
}

func (s *sqlStorage) RemoveGroup(name string) error {
	name = strings.ToLower(name)
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err = tx.Exec(s.rebind("DELETE FROM group_articles WHERE group_name = ?"), name); err != nil {
		return err
	}
	res, err := tx.Exec(s.rebind("DELETE FROM groups WHERE name = ?"), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSuchGroup
	}
	if _, err = tx.Exec(
		"DELETE FROM messages WHERE message_id NOT IN (SELECT DISTINCT message_id FROM group_articles)"); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStorage) GroupByName(name string) (*Group, error) {
	var g Group
	var created int64
	err := s.db.QueryRow(s.rebind(
		"SELECT name, created_at, moderated, description FROM groups WHERE name = ?"),
		strings.ToLower(name)).Scan(&g.Name, &created, &g.Moderated, &g.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSuchGroup
	}
	if err != nil {
		return nil, err
	}
	g.CreatedAt = time.Unix(created, 0).UTC()
	return &g, nil
}

func (s *sqlStorage) ListGroups(patterns []string) (*GroupIter, error) {
	rows, err := s.db.Query(
		"SELECT name, created_at, moderated, description FROM groups ORDER BY name")
	if err != nil {
		return nil, err
	}
	return &GroupIter{rows: rows, patterns: patterns}, nil
}

func (s *sqlStorage) ListGroupsSince(since time.Time) (*GroupIter, error) {
	rows, err := s.db.Query(s.rebind(
		"SELECT name, created_at, moderated, description FROM groups WHERE created_at > ? ORDER BY name"),
		since.Unix())
	if err != nil {
		return nil, err
	}
	return &GroupIter{rows: rows}, nil
}

func (s *sqlStorage) SetModerated(name string, moderated bool) error {
	res, err := s.db.Exec(s.rebind("UPDATE groups SET moderated = ? WHERE name = ?"),
		moderated, strings.ToLower(name))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSuchGroup
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || // sqlite
		strings.Contains(msg, "duplicate key") // postgres
}

// OverviewLine builds the cached newline free overview string for an
// article: Subject, From, Date, Message-ID, References, byte count and
// line count separated by tabs, without the leading number.
func OverviewLine(a *message.Article) string {
	fields := []string{
		a.Header.Get("Subject", ""),
		a.Header.Get("From", ""),
		a.Header.Get("Date", ""),
		a.Header.Get("Message-ID", ""),
		a.Header.Get("References", ""),
		strconv.FormatInt(a.Size, 10),
		strconv.Itoa(a.Lines()),
	}
	for i, f := range fields {
		fields[i] = sanitizeOverview(f)
	}
	return strings.Join(fields, "\t")
}

func sanitizeOverview(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\r', '\n':
			return ' '
		}
		return r
	}, v)
}

// filter the group stream through the wildmat list client side
func (it *GroupIter) match(name string) bool {
	if len(it.patterns) == 0 {
		return true
	}
	return wildmat.MatchList(it.patterns, name)
}
