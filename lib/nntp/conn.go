package nntp

import (
	"errors"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/forever-august/renews/lib/auth"
	"github.com/forever-august/renews/lib/model"
	"github.com/forever-august/renews/lib/storage"
)

// handles one line of input from a connection
type lineHandlerFunc func(c *session, args []string) error

// connection modes
const (
	modeInitial = ""
	modeReader  = "READER"
	modeStream  = "STREAM"
)

// per-connection session state
type session struct {
	srv *Server
	// buffered connection
	C *textproto.Conn
	// underlying network socket
	conn net.Conn
	// transport allows posting (tls or tunneled over tls)
	secure bool

	authenticated bool
	username      string
	// username waiting for AUTHINFO PASS
	pendingUser string

	mode string
	// currently selected group, empty when none
	group string
	// current article pointer, 0 when unset
	current int64

	closing atomic.Bool
	// verb of the command being dispatched, for handlers shared
	// between commands
	lastVerb string
	// command handlers
	cmds map[string]lineHandlerFunc
}

func newSession(s *Server, c net.Conn, secure bool) *session {
	sess := &session{
		srv:    s,
		C:      textproto.NewConn(c),
		conn:   c,
		secure: secure,
	}
	sess.cmds = map[string]lineHandlerFunc{
		"CAPABILITIES": sendCapabilities,
		"MODE":         switchMode,
		"QUIT":         quitSession,
		"DATE":         sendDate,
		"HELP":         sendHelp,
		"AUTHINFO":     handleAuthInfo,
		"GROUP":        selectGroup,
		"LISTGROUP":    listGroup,
		"LIST":         listKeyword,
		"NEWGROUPS":    newGroups,
		"NEWNEWS":      newNews,
		"ARTICLE":      sendArticle,
		"HEAD":         sendArticle,
		"BODY":         sendArticle,
		"STAT":         sendArticle,
		"NEXT":         moveNext,
		"LAST":         moveLast,
		"HDR":          sendHdr,
		"XHDR":         sendHdr,
		"OVER":         sendOverview,
		"XOVER":        sendOverview,
		"POST":         postArticle,
		"IHAVE":        recvArticle,
		"CHECK":        streamCheck,
		"TAKETHIS":     streamTakeThis,
	}
	return sess
}

// is posting permitted on this transport?
func (c *session) postingAllowed() bool {
	return c.secure || c.srv.Conf.Current().AllowPostingInsecure
}

// effectiveLimits merges a user's stored limits with the configured
// defaults; stored values win field by field.
func (c *session) effectiveLimits(user string) auth.UserLimits {
	l, err := c.srv.Auth.GetUserLimits(user)
	if err != nil {
		return auth.UserLimits{}
	}
	def := c.srv.Conf.Current().Limits
	if l.MaxConnections == 0 {
		l.MaxConnections = def.MaxConnections
	}
	if l.UploadBytes == 0 {
		l.UploadBytes = int64(def.UploadBytes)
	}
	if l.DownloadBytes == 0 {
		l.DownloadBytes = int64(def.DownloadBytes)
	}
	if l.WindowSecs == 0 {
		l.WindowSecs = def.WindowSecs
	}
	return l
}

func (c *session) printfLine(format string, args ...interface{}) error {
	log.WithFields(log.Fields{
		"pkg":  "nntp-conn",
		"addr": c.conn.RemoteAddr(),
		"io":   "send",
	}).Debugf(format, args...)
	return c.C.PrintfLine(format, args...)
}

// Process drives the session until quit, timeout, fatal error or
// server shutdown. Commands run strictly sequentially.
func (c *session) Process() {
	defer c.close()
	greeting := Line_PostingNotAllowed
	if c.postingAllowed() {
		greeting = Line_PostingAllowed
	}
	if err := c.printfLine("%s %s NNTP service ready", greeting[:3], c.srv.Name); err != nil {
		return
	}
	for {
		idle := time.Duration(c.srv.Conf.Current().IdleTimeoutSecs) * time.Second
		if idle > 0 {
			c.conn.SetReadDeadline(time.Now().Add(idle))
		}
		line, err := c.C.ReadLine()
		if err != nil {
			if c.closing.Load() {
				return
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				c.printfLine("%s idle timeout", RPL_ServiceUnavailable)
			}
			return
		}
		log.WithFields(log.Fields{
			"pkg":  "nntp-conn",
			"addr": c.conn.RemoteAddr(),
			"io":   "recv",
		}).Debug(line)
		if len(line) == 0 {
			continue
		}
		parts := strings.Fields(line)
		cmd := strings.ToUpper(parts[0])
		// any command but AUTHINFO PASS clears a pending username
		if cmd != "AUTHINFO" || len(parts) < 2 || !strings.EqualFold(parts[1], "PASS") {
			c.pendingUser = ""
		}
		c.lastVerb = cmd
		handler, ok := c.cmds[cmd]
		if !ok {
			if err := c.printfLine("%s command not recognized", RPL_UnknownCommand); err != nil {
				return
			}
			continue
		}
		if err := handler(c, parts[1:]); err != nil {
			if cmd == "QUIT" {
				return
			}
			log.WithFields(log.Fields{
				"pkg":  "nntp-conn",
				"addr": c.conn.RemoteAddr(),
				"cmd":  cmd,
			}).Warn("session error: ", err)
			return
		}
	}
}

// shutdown asks the session to drain with a 400 and closes the
// connection so a blocked read returns.
func (c *session) shutdown() {
	c.closing.Store(true)
	c.printfLine("%s service temporarily unavailable", RPL_ServiceUnavailable)
	c.conn.Close()
}

func (c *session) close() {
	if c.username != "" {
		c.srv.Limits.Release(c.username)
	}
	c.conn.Close()
}

// handle quit command
func quitSession(c *session, args []string) error {
	c.printfLine(Line_RPLQuit)
	return errors.New("quit")
}

// send our capabilities
func sendCapabilities(c *session, args []string) error {
	caps := []string{"VERSION 2", "IMPLEMENTATION renews", "READER"}
	if c.postingAllowed() {
		caps = append(caps, "POST")
	}
	caps = append(caps, "IHAVE", "STREAMING", "NEWNEWS")
	if !c.authenticated {
		caps = append(caps, "AUTHINFO USER")
	}
	caps = append(caps,
		"HDR", "OVER MSGID",
		"LIST ACTIVE NEWSGROUPS ACTIVE.TIMES OVERVIEW.FMT HEADERS",
		"MODE-READER")
	if err := c.printfLine("%s capability list follows", RPL_Capabilities); err != nil {
		return err
	}
	for _, l := range caps {
		if err := c.printfLine("%s", l); err != nil {
			return err
		}
	}
	return c.printfLine(".")
}

// handle switching nntp modes
func switchMode(c *session, args []string) error {
	if len(args) != 1 {
		return c.printfLine("%s missing mode", RPL_SyntaxError)
	}
	switch strings.ToUpper(args[0]) {
	case "READER":
		c.mode = modeReader
		if c.postingAllowed() {
			return c.printfLine(Line_PostingAllowed)
		}
		return c.printfLine(Line_PostingNotAllowed)
	case "STREAM":
		c.mode = modeStream
		return c.printfLine(Line_StreamingAllowed)
	}
	return c.printfLine(Line_InvalidMode)
}

func sendDate(c *session, args []string) error {
	return c.printfLine("%s %s", RPL_Date, time.Now().UTC().Format("20060102150405"))
}

func sendHelp(c *session, args []string) error {
	if err := c.printfLine("%s help text follows", RPL_Help); err != nil {
		return err
	}
	names := []string{
		"CAPABILITIES", "MODE READER", "MODE STREAM", "GROUP", "LISTGROUP",
		"LIST", "ARTICLE", "HEAD", "BODY", "STAT", "NEXT", "LAST", "HDR",
		"OVER", "NEWGROUPS", "NEWNEWS", "POST", "IHAVE", "CHECK", "TAKETHIS",
		"AUTHINFO", "DATE", "HELP", "QUIT",
	}
	for _, n := range names {
		if err := c.printfLine("%s", n); err != nil {
			return err
		}
	}
	return c.printfLine(".")
}

// AUTHINFO USER then AUTHINFO PASS, RFC 4643
func handleAuthInfo(c *session, args []string) error {
	if len(args) < 2 {
		return c.printfLine("%s not enough arguments", RPL_SyntaxError)
	}
	conf := c.srv.Conf.Current()
	if !c.secure && !conf.AllowAuthInsecure {
		return c.printfLine("%s secure connection required", RPL_SecureRequired)
	}
	arg := strings.Join(args[1:], " ")
	switch strings.ToUpper(args[0]) {
	case "USER":
		c.pendingUser = arg
		return c.printfLine("%s password required", RPL_MorePassword)
	case "PASS":
		user := c.pendingUser
		c.pendingUser = ""
		if user == "" {
			return c.printfLine("%s AUTHINFO USER first", RPL_AuthRejected)
		}
		ok, err := c.srv.Auth.VerifyUser(user, arg)
		if err != nil {
			log.WithFields(log.Fields{"pkg": "nntp-conn"}).Error("auth backend: ", err)
			return c.printfLine("%s authentication rejected", RPL_AuthRejected)
		}
		if !ok {
			return c.printfLine("%s authentication rejected", RPL_AuthRejected)
		}
		userLimits := c.effectiveLimits(user)
		if !c.srv.Limits.Acquire(user, userLimits.MaxConnections) {
			return c.printfLine("%s too many connections", RPL_AuthRejected)
		}
		c.authenticated = true
		c.username = user
		log.WithFields(log.Fields{
			"pkg":  "nntp-conn",
			"addr": c.conn.RemoteAddr(),
			"user": user,
		}).Info("authenticated")
		return c.printfLine("%s authentication accepted", RPL_AuthAccepted)
	}
	return c.printfLine("%s unknown AUTHINFO keyword", RPL_SyntaxError)
}

// switch to another newsgroup
func selectGroup(c *session, args []string) error {
	if len(args) != 1 {
		return c.printfLine("%s not enough arguments", RPL_SyntaxError)
	}
	name := model.Newsgroup(args[0]).Norm().String()
	bounds, err := c.srv.Storage.GroupBounds(name)
	if errors.Is(err, storage.ErrNoSuchGroup) {
		return c.printfLine("%s no such newsgroup", RPL_NoSuchGroup)
	}
	if err != nil {
		return c.printfLine("%s storage error", RPL_ServiceUnavailable)
	}
	c.group = name
	c.current = bounds.Low
	if bounds.Count == 0 {
		c.current = 0
		return c.printfLine("%s 0 0 0 %s", RPL_Group, name)
	}
	return c.printfLine("%s %d %d %d %s", RPL_Group, bounds.Count, bounds.Low, bounds.High, name)
}

// parse an article number range: n, n-, n-m
func parseRange(spec string, high int64) (lo, hi int64, err error) {
	if start, end, found := strings.Cut(spec, "-"); found {
		lo, err = strconv.ParseInt(start, 10, 64)
		if err != nil {
			return 0, 0, err
		}
		if end == "" {
			return lo, high, nil
		}
		hi, err = strconv.ParseInt(end, 10, 64)
		if err != nil {
			return 0, 0, err
		}
		if hi > high {
			hi = high
		}
		return lo, hi, nil
	}
	lo, err = strconv.ParseInt(spec, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	// a single number acts as a lower open range
	return lo, high, nil
}

func listGroup(c *session, args []string) error {
	name := c.group
	if len(args) > 0 {
		name = model.Newsgroup(args[0]).Norm().String()
	}
	if name == "" {
		return c.printfLine("%s no newsgroup selected", RPL_NoGroupSelected)
	}
	bounds, err := c.srv.Storage.GroupBounds(name)
	if errors.Is(err, storage.ErrNoSuchGroup) {
		return c.printfLine("%s no such newsgroup", RPL_NoSuchGroup)
	}
	if err != nil {
		return c.printfLine("%s storage error", RPL_ServiceUnavailable)
	}
	lo, hi := bounds.Low, bounds.High
	if len(args) > 1 {
		lo, hi, err = parseRange(args[1], bounds.High)
		if err != nil {
			return c.printfLine("%s invalid range", RPL_SyntaxError)
		}
	}
	c.group = name
	c.current = bounds.Low
	if err := c.printfLine("%s %d %d %d %s list follows", RPL_Group, bounds.Count, bounds.Low, bounds.High, name); err != nil {
		return err
	}
	it, err := c.srv.Storage.ListNumbers(name, lo, hi)
	if err != nil {
		return err
	}
	defer it.Close()
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		if err := c.printfLine("%d", e.Number); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	return c.printfLine(".")
}

func listKeyword(c *session, args []string) error {
	keyword := "ACTIVE"
	if len(args) > 0 {
		keyword = strings.ToUpper(args[0])
	}
	switch keyword {
	case "ACTIVE":
		return c.listActive(args[1:])
	case "NEWSGROUPS":
		return c.listNewsgroups(args[1:])
	case "ACTIVE.TIMES":
		return c.listActiveTimes()
	case "OVERVIEW.FMT":
		return c.listOverviewFmt()
	case "HEADERS":
		return c.listHeaders()
	case "DISTRIB.PATS":
		return c.printfLine("%s feature not supported", RPL_NotSupported)
	}
	return c.printfLine("%s unknown keyword", RPL_SyntaxError)
}

func (c *session) groupPatterns(args []string) []string {
	if len(args) > 0 {
		return strings.Split(args[0], ",")
	}
	return nil
}

func (c *session) listActive(args []string) error {
	it, err := c.srv.Storage.ListGroups(c.groupPatterns(args))
	if err != nil {
		return err
	}
	var groups []storage.Group
	for g, ok := it.Next(); ok; g, ok = it.Next() {
		groups = append(groups, g)
	}
	err = it.Err()
	it.Close()
	if err != nil {
		return err
	}
	if err := c.printfLine("%s list of newsgroups follows", RPL_List); err != nil {
		return err
	}
	for _, g := range groups {
		bounds, err := c.srv.Storage.GroupBounds(g.Name)
		if err != nil {
			return err
		}
		status := "y"
		if g.Moderated {
			status = "m"
		}
		if err := c.printfLine("%s %d %d %s", g.Name, bounds.High, bounds.Low, status); err != nil {
			return err
		}
	}
	return c.printfLine(".")
}

func (c *session) listNewsgroups(args []string) error {
	it, err := c.srv.Storage.ListGroups(c.groupPatterns(args))
	if err != nil {
		return err
	}
	defer it.Close()
	if err := c.printfLine("%s descriptions follow", RPL_List); err != nil {
		return err
	}
	for g, ok := it.Next(); ok; g, ok = it.Next() {
		if err := c.printfLine("%s\t%s", g.Name, g.Description); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	return c.printfLine(".")
}

func (c *session) listActiveTimes() error {
	it, err := c.srv.Storage.ListGroups(nil)
	if err != nil {
		return err
	}
	defer it.Close()
	if err := c.printfLine("%s information follows", RPL_List); err != nil {
		return err
	}
	for g, ok := it.Next(); ok; g, ok = it.Next() {
		if err := c.printfLine("%s %d %s", g.Name, g.CreatedAt.Unix(), c.srv.Name); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	return c.printfLine(".")
}

// the order of fields in the overview database
var overviewFmt = []string{"Subject:", "From:", "Date:", "Message-ID:", "References:", ":bytes", ":lines"}

func (c *session) listOverviewFmt() error {
	if err := c.printfLine("%s order of fields in overview database", RPL_List); err != nil {
		return err
	}
	for _, f := range overviewFmt {
		if err := c.printfLine("%s", f); err != nil {
			return err
		}
	}
	return c.printfLine(".")
}

func (c *session) listHeaders() error {
	if err := c.printfLine("%s metadata items supported:", RPL_List); err != nil {
		return err
	}
	for _, f := range []string{"Subject", "From", "Date", "Message-ID", "References", ":bytes", ":lines"} {
		if err := c.printfLine("%s", f); err != nil {
			return err
		}
	}
	return c.printfLine(".")
}

// parse the date and time arguments of NEWGROUPS and NEWNEWS
func parseDateTime(date, timeStr string, gmt bool) (time.Time, error) {
	layout := "060102 150405"
	if len(date) == 8 {
		layout = "20060102 150405"
	}
	loc := time.Local
	if gmt {
		loc = time.UTC
	}
	return time.ParseInLocation(layout, date+" "+timeStr, loc)
}

func newGroups(c *session, args []string) error {
	if len(args) < 2 {
		return c.printfLine("%s not enough arguments", RPL_SyntaxError)
	}
	gmt := len(args) > 2 && strings.EqualFold(args[2], "GMT")
	since, err := parseDateTime(args[0], args[1], gmt)
	if err != nil {
		return c.printfLine("%s invalid date", RPL_SyntaxError)
	}
	it, err := c.srv.Storage.ListGroupsSince(since)
	if err != nil {
		return err
	}
	var groups []storage.Group
	for g, ok := it.Next(); ok; g, ok = it.Next() {
		groups = append(groups, g)
	}
	err = it.Err()
	it.Close()
	if err != nil {
		return err
	}
	if err := c.printfLine("%s list of new newsgroups follows", RPL_NewGroups); err != nil {
		return err
	}
	for _, g := range groups {
		bounds, err := c.srv.Storage.GroupBounds(g.Name)
		if err != nil {
			return err
		}
		status := "y"
		if g.Moderated {
			status = "m"
		}
		if err := c.printfLine("%s %d %d %s", g.Name, bounds.High, bounds.Low, status); err != nil {
			return err
		}
	}
	return c.printfLine(".")
}

func newNews(c *session, args []string) error {
	if len(args) < 3 {
		return c.printfLine("%s not enough arguments", RPL_SyntaxError)
	}
	gmt := len(args) > 3 && strings.EqualFold(args[3], "GMT")
	since, err := parseDateTime(args[1], args[2], gmt)
	if err != nil {
		return c.printfLine("%s invalid date", RPL_SyntaxError)
	}
	patterns := strings.Split(args[0], ",")
	groups, err := c.srv.Storage.ListGroups(patterns)
	if err != nil {
		return err
	}
	var names []string
	for g, ok := groups.Next(); ok; g, ok = groups.Next() {
		names = append(names, g.Name)
	}
	err = groups.Err()
	groups.Close()
	if err != nil {
		return err
	}
	if err := c.printfLine("%s list of new articles follows", RPL_NewNews); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, name := range names {
		it, err := c.srv.Storage.IterateSince(name, since)
		if err != nil {
			return err
		}
		for e, ok := it.Next(); ok; e, ok = it.Next() {
			if !seen[e.MessageID] {
				seen[e.MessageID] = true
				if err := c.printfLine("%s", e.MessageID); err != nil {
					it.Close()
					return err
				}
			}
		}
		it.Close()
	}
	return c.printfLine(".")
}
