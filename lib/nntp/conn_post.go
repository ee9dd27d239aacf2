package nntp

import (
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/forever-august/renews/lib/control"
	"github.com/forever-august/renews/lib/filters"
	"github.com/forever-august/renews/lib/model"
	"github.com/forever-august/renews/lib/nntp/message"
	"github.com/forever-august/renews/lib/storage"
)

// read the raw lines of a multi-line data block up to the lone dot,
// without touching dot stuffing. the block is always consumed fully
// so the session stays in sync even when the article is unusable.
func (c *session) readDataBlock() ([]string, error) {
	var lines []string
	for {
		line, err := c.C.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "." {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// parse a consumed data block into an article, enforcing the global
// size ceiling
func (c *session) parseDataBlock(lines []string) (*message.Article, error) {
	raw := strings.Join(lines, "\r\n") + "\r\n.\r\n"
	max := int64(c.srv.Conf.Current().DefaultMaxArticleBytes)
	return message.ReadArticle(strings.NewReader(raw), max)
}

// run the filter pipeline and commit. the returned verdict reflects
// filter rejections; storage conflicts surface as errors.
func (c *session) ingest(a *message.Article) (filters.Verdict, error) {
	release := c.srv.acquireIngest()
	defer release()

	conf := c.srv.Conf.Current()
	ctx := &filters.Context{Storage: c.srv.Storage, Auth: c.srv.Auth, Conf: conf}
	if v := c.srv.Filters.Apply(ctx, a); v.Status != filters.Accept {
		return v, nil
	}
	if err := c.srv.Storage.StoreArticle(a, a.Newsgroups()); err != nil {
		return filters.Verdict{}, err
	}
	log.WithFields(log.Fields{
		"pkg":    "nntp-conn",
		"msgid":  a.MessageID(),
		"groups": a.Header.Get("Newsgroups", ""),
	}).Info("article stored")
	// control actions run strictly after the commit
	if c.srv.Control != nil && control.IsControl(a) {
		c.srv.Control.Handle(a)
	}
	return filters.Verdict{Status: filters.Accept}, nil
}

// stamp headers a client may omit on POST
func (c *session) prepare(a *message.Article, newPost bool) {
	if newPost && a.Header.Get("Message-ID", "") == "" {
		a.Header.Add("Message-ID", model.GenMessageID(c.srv.Name).String())
	}
	if a.Header.Get("Date", "") == "" {
		a.Header.Add("Date", time.Now().UTC().Format(time.RFC1123Z))
	}
	a.Header.AppendPath(c.srv.Name)
}

// handle POST
func postArticle(c *session, args []string) error {
	if !c.postingAllowed() {
		return c.printfLine("%s Posting not permitted", RPL_PostingNotPermitted)
	}
	if !c.authenticated && !c.srv.Conf.Current().AllowPostingInsecure {
		return c.printfLine("%s authentication required", RPL_AuthRequired)
	}
	if err := c.printfLine("%s send article to be posted, end with <CR-LF>.<CR-LF>", RPL_PostAccepted); err != nil {
		return err
	}
	lines, err := c.readDataBlock()
	if err != nil {
		return err
	}
	a, err := c.parseDataBlock(lines)
	if err != nil {
		return c.printfLine("%s posting failed: %s", RPL_PostingFailed, shortReason(err))
	}
	c.prepare(a, true)
	if err := a.Validate(); err != nil {
		return c.printfLine("%s posting failed: %s", RPL_PostingFailed, shortReason(err))
	}

	// upload quota
	if c.username != "" {
		userLimits := c.effectiveLimits(c.username)
		if !c.srv.Limits.AddUpload(c.username, a.Size, userLimits.UploadBytes, userLimits.WindowSecs) {
			return c.printfLine("%s upload quota exceeded", RPL_PostingFailed)
		}
	}

	verdict, err := c.ingest(a)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return c.printfLine("%s duplicate message-id", RPL_PostingFailed)
		}
		return c.printfLine("%s posting failed", RPL_PostingFailed)
	}
	if verdict.Status != filters.Accept {
		return c.printfLine("%s %s", RPL_PostingFailed, verdict.Reason)
	}
	return c.printfLine("%s article received", RPL_PostReceived)
}

// handle IHAVE
func recvArticle(c *session, args []string) error {
	if len(args) != 1 || !model.MessageID(args[0]).Valid() {
		return c.printfLine("%s article not wanted", RPL_TransferNotWanted)
	}
	msgid := args[0]
	has, err := c.srv.Storage.HasArticle(msgid)
	if err != nil {
		return c.printfLine("%s retry later", RPL_TransferDefer)
	}
	if has {
		return c.printfLine("%s article not wanted", RPL_TransferNotWanted)
	}
	if err := c.printfLine("%s send it, end with <CR-LF>.<CR-LF>", RPL_TransferAccepted); err != nil {
		return err
	}
	lines, err := c.readDataBlock()
	if err != nil {
		return err
	}
	a, err := c.parseDataBlock(lines)
	if err != nil {
		return c.printfLine("%s transfer rejected", RPL_TransferReject)
	}
	if a.Header.Get("Message-ID", "") == "" {
		a.Header.Add("Message-ID", msgid)
	}
	c.prepare(a, false)
	if err := a.Validate(); err != nil {
		return c.printfLine("%s transfer rejected", RPL_TransferReject)
	}
	verdict, err := c.ingest(a)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// we gained the article while it was in flight; the peer
			// need not resend
			return c.printfLine("%s article transferred", RPL_TransferOkay)
		}
		return c.printfLine("%s retry later", RPL_TransferDefer)
	}
	switch verdict.Status {
	case filters.Accept:
		return c.printfLine("%s article transferred", RPL_TransferOkay)
	case filters.Tempfail:
		return c.printfLine("%s retry later", RPL_TransferDefer)
	}
	return c.printfLine("%s transfer rejected", RPL_TransferReject)
}

// handle CHECK in streaming mode
func streamCheck(c *session, args []string) error {
	if len(args) != 1 || !model.MessageID(args[0]).Valid() {
		return c.printfLine("%s invalid syntax", RPL_SyntaxError)
	}
	msgid := args[0]
	if c.mode != modeStream {
		return c.printfLine("%s %s", RPL_StreamingDefer, msgid)
	}
	has, err := c.srv.Storage.HasArticle(msgid)
	if err != nil {
		return c.printfLine("%s %s", RPL_StreamingDefer, msgid)
	}
	if has {
		return c.printfLine("%s %s", RPL_StreamingReject, msgid)
	}
	return c.printfLine("%s %s", RPL_StreamingAccept, msgid)
}

// handle TAKETHIS: the article always follows, whatever we answer
func streamTakeThis(c *session, args []string) error {
	var msgid string
	if len(args) == 1 {
		msgid = args[0]
	}
	lines, err := c.readDataBlock()
	if err != nil {
		return err
	}
	if msgid == "" || !model.MessageID(msgid).Valid() {
		return c.printfLine("%s %s", RPL_StreamingFailed, msgid)
	}
	has, err := c.srv.Storage.HasArticle(msgid)
	if err != nil || has {
		return c.printfLine("%s %s", RPL_StreamingFailed, msgid)
	}
	a, err := c.parseDataBlock(lines)
	if err != nil {
		return c.printfLine("%s %s", RPL_StreamingFailed, msgid)
	}
	if a.Header.Get("Message-ID", "") == "" {
		a.Header.Add("Message-ID", msgid)
	}
	c.prepare(a, false)
	if err := a.Validate(); err != nil {
		return c.printfLine("%s %s", RPL_StreamingFailed, msgid)
	}
	verdict, err := c.ingest(a)
	if err != nil || verdict.Status != filters.Accept {
		return c.printfLine("%s %s", RPL_StreamingFailed, msgid)
	}
	return c.printfLine("%s %s", RPL_StreamingTransfered, msgid)
}

// first line of an error for the protocol tail
func shortReason(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
