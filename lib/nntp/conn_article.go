package nntp

import (
	"errors"
	"strconv"
	"strings"

	"github.com/forever-august/renews/lib/model"
	"github.com/forever-august/renews/lib/nntp/message"
	"github.com/forever-august/renews/lib/storage"
)

// article addressing: a <msgid> argument is looked up globally, a
// number within the selected group, no argument uses the current
// pointer. resolve returns the response to send on failure.
func (c *session) resolveArticle(args []string) (num int64, a *message.Article, failure string) {
	if len(args) > 0 {
		arg := args[0]
		if strings.HasPrefix(arg, "<") {
			if !model.MessageID(arg).Valid() {
				return 0, nil, RPL_SyntaxError + " invalid message-id"
			}
			a, err := c.srv.Storage.GetArticleByMessageID(arg)
			if errors.Is(err, storage.ErrNotFound) {
				return 0, nil, RPL_NoArticleMsgID + " no such article"
			}
			if err != nil {
				return 0, nil, RPL_ServiceUnavailable + " storage error"
			}
			return 0, a, ""
		}
		n, err := parseNumber(arg)
		if err != nil {
			return 0, nil, RPL_SyntaxError + " invalid argument"
		}
		if c.group == "" {
			return 0, nil, RPL_NoGroupSelected + " no newsgroup selected"
		}
		a, err := c.srv.Storage.GetArticleByNumber(c.group, n)
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil, RPL_NoArticleNum + " no such article number in this group"
		}
		if err != nil {
			return 0, nil, RPL_ServiceUnavailable + " storage error"
		}
		c.current = n
		return n, a, ""
	}
	if c.group == "" {
		return 0, nil, RPL_NoGroupSelected + " no newsgroup selected"
	}
	if c.current == 0 {
		return 0, nil, RPL_NoCurrentArticle + " no current article selected"
	}
	a, err := c.srv.Storage.GetArticleByNumber(c.group, c.current)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil, RPL_NoCurrentArticle + " no current article selected"
	}
	if err != nil {
		return 0, nil, RPL_ServiceUnavailable + " storage error"
	}
	return c.current, a, ""
}

func parseNumber(arg string) (int64, error) {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("not an article number")
	}
	return n, nil
}

// handle ARTICLE, HEAD, BODY and STAT; the verb selects what is sent
func sendArticle(c *session, args []string) error {
	verb := c.lastVerb
	num, a, failure := c.resolveArticle(args)
	if failure != "" {
		return c.printfLine("%s", failure)
	}
	msgid := a.MessageID().String()

	// download quota accounting for authenticated readers
	if c.username != "" && (verb == "ARTICLE" || verb == "BODY") {
		userLimits := c.effectiveLimits(c.username)
		if !c.srv.Limits.AddDownload(c.username, a.Size, userLimits.DownloadBytes, userLimits.WindowSecs) {
			return c.printfLine("%s download quota exceeded", RPL_ServiceUnavailable)
		}
	}

	switch verb {
	case "STAT":
		return c.printfLine("%s %d %s article exists", RPL_Stat, num, msgid)
	case "ARTICLE":
		if err := c.printfLine("%s %d %s article follows", RPL_Article, num, msgid); err != nil {
			return err
		}
		dw := c.C.DotWriter()
		if err := a.WriteTo(dw); err != nil {
			dw.Close()
			return err
		}
		return dw.Close()
	case "HEAD":
		if err := c.printfLine("%s %d %s article headers follow", RPL_Head, num, msgid); err != nil {
			return err
		}
		dw := c.C.DotWriter()
		for _, f := range a.Header {
			if _, err := dw.Write([]byte(f.Name + ": " + f.Value + "\r\n")); err != nil {
				dw.Close()
				return err
			}
		}
		return dw.Close()
	case "BODY":
		if err := c.printfLine("%s %d %s article body follows", RPL_Body, num, msgid); err != nil {
			return err
		}
		dw := c.C.DotWriter()
		for _, line := range a.Body {
			if _, err := dw.Write([]byte(line + "\r\n")); err != nil {
				dw.Close()
				return err
			}
		}
		return dw.Close()
	}
	return c.printfLine("%s command not recognized", RPL_UnknownCommand)
}

// advance the current article pointer
func moveNext(c *session, args []string) error {
	return c.movePointer(true)
}

// retreat the current article pointer
func moveLast(c *session, args []string) error {
	return c.movePointer(false)
}

func (c *session) movePointer(forward bool) error {
	if c.group == "" {
		return c.printfLine("%s no newsgroup selected", RPL_NoGroupSelected)
	}
	if c.current == 0 {
		return c.printfLine("%s no current article selected", RPL_NoCurrentArticle)
	}
	var found *storage.NumberEntry
	if forward {
		it, err := c.srv.Storage.ListNumbers(c.group, c.current+1, 0)
		if err != nil {
			return err
		}
		if e, ok := it.Next(); ok {
			found = &e
		}
		it.Close()
	} else if c.current > 1 {
		it, err := c.srv.Storage.ListNumbers(c.group, 0, c.current-1)
		if err != nil {
			return err
		}
		for e, ok := it.Next(); ok; e, ok = it.Next() {
			last := e
			found = &last
		}
		it.Close()
	}
	if found == nil {
		if forward {
			return c.printfLine("%s no next article in this group", RPL_NoNextArticle)
		}
		return c.printfLine("%s no previous article in this group", RPL_NoPrevArticle)
	}
	c.current = found.Number
	return c.printfLine("%s %d %s article exists", RPL_Stat, found.Number, found.MessageID)
}

// handle HDR and XHDR: one header field over a range or message-id
func sendHdr(c *session, args []string) error {
	if len(args) < 1 {
		return c.printfLine("%s not enough arguments", RPL_SyntaxError)
	}
	field := args[0]
	code := RPL_HdrFollows
	if c.lastVerb == "XHDR" {
		code = RPL_Head
	}

	if len(args) > 1 && strings.HasPrefix(args[1], "<") {
		_, a, failure := c.resolveArticle(args[1:])
		if failure != "" {
			return c.printfLine("%s", failure)
		}
		if err := c.printfLine("%s header follows", code); err != nil {
			return err
		}
		if err := c.printfLine("0 %s", hdrValue(a, field)); err != nil {
			return err
		}
		return c.printfLine(".")
	}

	if c.group == "" {
		return c.printfLine("%s no newsgroup selected", RPL_NoGroupSelected)
	}
	bounds, err := c.srv.Storage.GroupBounds(c.group)
	if err != nil {
		return err
	}
	lo, hi := c.current, c.current
	if len(args) > 1 {
		lo, hi, err = parseRange(args[1], bounds.High)
		if err != nil {
			return c.printfLine("%s invalid range", RPL_SyntaxError)
		}
	} else if c.current == 0 {
		return c.printfLine("%s no current article selected", RPL_NoCurrentArticle)
	}
	it, err := c.srv.Storage.ListNumbers(c.group, lo, hi)
	if err != nil {
		return err
	}
	var entries []storage.NumberEntry
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		entries = append(entries, e)
	}
	err = it.Err()
	it.Close()
	if err != nil {
		return err
	}
	if err := c.printfLine("%s header follows", code); err != nil {
		return err
	}
	for _, e := range entries {
		a, err := c.srv.Storage.GetArticleByNumber(c.group, e.Number)
		if err != nil {
			continue
		}
		if err := c.printfLine("%d %s", e.Number, hdrValue(a, field)); err != nil {
			return err
		}
	}
	return c.printfLine(".")
}

func hdrValue(a *message.Article, field string) string {
	switch strings.ToLower(field) {
	case ":bytes":
		return strconv.FormatInt(a.Size, 10)
	case ":lines":
		return strconv.Itoa(a.Lines())
	}
	return a.Header.Get(field, "")
}

// handle OVER and XOVER
func sendOverview(c *session, args []string) error {
	if len(args) > 0 && strings.HasPrefix(args[0], "<") {
		_, a, failure := c.resolveArticle(args)
		if failure != "" {
			return c.printfLine("%s", failure)
		}
		if err := c.printfLine("%s overview information follows", RPL_Overview); err != nil {
			return err
		}
		if err := c.printfLine("0\t%s", storage.OverviewLine(a)); err != nil {
			return err
		}
		return c.printfLine(".")
	}
	if c.group == "" {
		return c.printfLine("%s no newsgroup selected", RPL_NoGroupSelected)
	}
	bounds, err := c.srv.Storage.GroupBounds(c.group)
	if err != nil {
		return err
	}
	lo, hi := c.current, c.current
	if len(args) > 0 {
		lo, hi, err = parseRange(args[0], bounds.High)
		if err != nil {
			return c.printfLine("%s invalid range", RPL_SyntaxError)
		}
	} else if c.current == 0 {
		return c.printfLine("%s no current article selected", RPL_NoCurrentArticle)
	}
	it, err := c.srv.Storage.ListOverview(c.group, lo, hi)
	if err != nil {
		return err
	}
	defer it.Close()
	if err := c.printfLine("%s overview information follows", RPL_Overview); err != nil {
		return err
	}
	for line, ok := it.Next(); ok; line, ok = it.Next() {
		if err := c.printfLine("%s", line); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	return c.printfLine(".")
}
