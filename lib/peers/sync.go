package peers

import (
	"crypto/tls"
	"errors"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/forever-august/renews/lib/config"
	"github.com/forever-august/renews/lib/nntp"
	"github.com/forever-august/renews/lib/storage"
)

// how many CHECK commands we pipeline before reading replies
const checkWindow = 8

// credentials and endpoint parsed from a peer sitename
type peerAddr struct {
	host     string
	useTLS   bool
	username string
	password string
}

// parsePeerAddr understands host:port, user:pass@host:port and the
// tls:// prefix on either.
func parsePeerAddr(sitename string) (peerAddr, error) {
	var p peerAddr
	raw := sitename
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return p, err
		}
		switch u.Scheme {
		case "tls", "nntps":
			p.useTLS = true
		case "tcp", "nntp":
		default:
			return p, errors.New("peers: unknown scheme " + u.Scheme)
		}
		p.host = u.Host
		if u.User != nil {
			p.username = u.User.Username()
			p.password, _ = u.User.Password()
		}
		return p, nil
	}
	if creds, rest, found := strings.Cut(raw, "@"); found {
		if user, pass, ok := strings.Cut(creds, ":"); ok {
			p.username, p.password = user, pass
			raw = rest
		}
	}
	p.host = raw
	if _, _, err := net.SplitHostPort(p.host); err != nil {
		p.host = net.JoinHostPort(p.host, "119")
	}
	return p, nil
}

// Supervisor runs one scheduled sync task per configured peer and
// follows peer set changes on config reload.
type Supervisor struct {
	DB      *DB
	Storage storage.Storage
	Conf    *config.Store

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
	running map[string]*sync.Mutex
	stop    chan struct{}
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Start schedules every configured peer and begins following config
// reloads.
func (s *Supervisor) Start() error {
	s.cron = cron.New(cron.WithParser(cronParser))
	s.entries = make(map[string]cron.EntryID)
	s.running = make(map[string]*sync.Mutex)
	s.stop = make(chan struct{})
	if err := s.apply(s.Conf.Current()); err != nil {
		return err
	}
	s.cron.Start()
	go s.followReloads()
	return nil
}

// Stop cancels all peer tasks.
func (s *Supervisor) Stop() {
	close(s.stop)
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Supervisor) followReloads() {
	sub := s.Conf.Subscribe()
	for {
		select {
		case <-s.stop:
			return
		case conf := <-sub:
			if err := s.apply(conf); err != nil {
				log.WithFields(log.Fields{"pkg": "peers"}).Error("apply peer config: ", err)
			}
		}
	}
}

// apply diffs the configured peer set against the scheduled one:
// added peers start immediately, removed peers are cancelled.
func (s *Supervisor) apply(conf *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, rule := range conf.Peers {
		seen[rule.Sitename] = true
		if _, ok := s.entries[rule.Sitename]; ok {
			continue
		}
		schedule := rule.SyncSchedule
		if schedule == "" {
			schedule = conf.PeerSyncSchedule
		}
		rule := rule
		id, err := s.cron.AddFunc(schedule, func() { s.tick(rule) })
		if err != nil {
			return err
		}
		s.entries[rule.Sitename] = id
		s.running[rule.Sitename] = &sync.Mutex{}
		log.WithFields(log.Fields{
			"pkg":      "peers",
			"peer":     rule.Sitename,
			"schedule": schedule,
		}).Info("peer task scheduled")
		// a freshly added peer starts without waiting for the cron
		go s.tick(rule)
	}
	for sitename, id := range s.entries {
		if !seen[sitename] {
			s.cron.Remove(id)
			delete(s.entries, sitename)
			delete(s.running, sitename)
			log.WithFields(log.Fields{
				"pkg":  "peers",
				"peer": sitename,
			}).Info("peer task cancelled")
		}
	}
	return nil
}

// tick runs one synchronization pass for a peer. Failures abort the
// pass without affecting other peers; marks only move past articles
// the peer already answered for before the failure.
func (s *Supervisor) tick(rule config.PeerRule) {
	s.mu.Lock()
	guard, ok := s.running[rule.Sitename]
	s.mu.Unlock()
	if !ok {
		return
	}
	if !guard.TryLock() {
		// previous tick still running
		return
	}
	defer guard.Unlock()

	fields := log.Fields{"pkg": "peers", "peer": rule.Sitename}
	if err := s.syncPeer(rule); err != nil {
		log.WithFields(fields).Warn("peer sync aborted: ", err)
	}
}

func (s *Supervisor) syncPeer(rule config.PeerRule) error {
	groups, err := s.Storage.ListGroups(rule.Patterns)
	if err != nil {
		return err
	}
	var names []string
	for g, ok := groups.Next(); ok; g, ok = groups.Next() {
		names = append(names, g.Name)
	}
	groups.Close()
	if err := groups.Err(); err != nil {
		return err
	}
	var pending []string
	for _, name := range names {
		hw, err := s.DB.HighWater(rule.Sitename, name)
		if err != nil {
			return err
		}
		bounds, err := s.Storage.GroupBounds(name)
		if err != nil {
			return err
		}
		if bounds.High > hw {
			pending = append(pending, name)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	client, streaming, err := s.connect(rule)
	if err != nil {
		return err
	}
	defer client.Quit()

	for _, group := range pending {
		if err := s.syncGroup(client, streaming, rule.Sitename, group); err != nil {
			return err
		}
	}
	return nil
}

// connect dials the peer, authenticates and picks the transfer mode:
// streaming when advertised and accepted, IHAVE otherwise.
func (s *Supervisor) connect(rule config.PeerRule) (*nntp.Client, bool, error) {
	addr, err := parsePeerAddr(rule.Sitename)
	if err != nil {
		return nil, false, err
	}
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	var conn net.Conn
	if addr.useTLS {
		host, _, _ := net.SplitHostPort(addr.host)
		conn, err = tls.DialWithDialer(dialer, "tcp", addr.host, &tls.Config{ServerName: host})
	} else {
		conn, err = dialer.Dial("tcp", addr.host)
	}
	if err != nil {
		return nil, false, err
	}
	client, err := nntp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, false, err
	}
	if addr.username != "" {
		if err := client.Authenticate(addr.username, addr.password); err != nil {
			client.Quit()
			return nil, false, err
		}
	}
	caps, err := client.Capabilities()
	if err != nil {
		client.Quit()
		return nil, false, err
	}
	streaming := false
	if nntp.HasCapability(caps, "STREAMING") {
		// a peer may advertise streaming yet refuse the mode switch;
		// fall back to IHAVE for this tick
		if err := client.ModeStream(); err == nil {
			streaming = true
		} else {
			log.WithFields(log.Fields{
				"pkg":  "peers",
				"peer": rule.Sitename,
			}).Debug("MODE STREAM refused, using IHAVE: ", err)
		}
	}
	return client, streaming, nil
}

// syncGroup streams articles above the stored high-water in ascending
// order and persists the new mark after the batch.
func (s *Supervisor) syncGroup(client *nntp.Client, streaming bool, sitename, group string) error {
	hw, err := s.DB.HighWater(sitename, group)
	if err != nil {
		return err
	}
	it, err := s.Storage.ListNumbers(group, hw+1, 0)
	if err != nil {
		return err
	}
	var entries []storage.NumberEntry
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		entries = append(entries, e)
	}
	it.Close()
	if err := it.Err(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	var newHW int64
	var sent int
	if streaming {
		newHW, sent, err = s.streamEntries(client, group, entries)
	} else {
		newHW, sent, err = s.ihaveEntries(client, group, entries)
	}
	if newHW > hw {
		if perr := s.DB.SetHighWater(sitename, group, newHW); perr != nil && err == nil {
			err = perr
		}
		log.WithFields(log.Fields{
			"pkg":        "peers",
			"peer":       sitename,
			"group":      group,
			"sent":       sent,
			"high_water": newHW,
		}).Info("peer group synced")
	}
	return err
}

// streamEntries pipelines CHECK in a small window, then sends
// TAKETHIS for the wanted articles. The returned mark covers the
// contiguous prefix of handled entries.
func (s *Supervisor) streamEntries(client *nntp.Client, group string, entries []storage.NumberEntry) (int64, int, error) {
	var hw int64
	var sent int
	for start := 0; start < len(entries); start += checkWindow {
		end := start + checkWindow
		if end > len(entries) {
			end = len(entries)
		}
		window := entries[start:end]
		for _, e := range window {
			if err := client.SendCheck(e.MessageID); err != nil {
				return hw, sent, err
			}
		}
		wanted := make(map[string]bool, len(window))
		for range window {
			msgid, want, deferred, err := client.ReadCheckReply()
			if err != nil {
				return hw, sent, err
			}
			if deferred {
				// resend next tick; stop advancing here
				return hw, sent, nil
			}
			wanted[msgid] = want
		}
		for _, e := range window {
			if wanted[e.MessageID] {
				a, err := s.Storage.GetArticleByNumber(group, e.Number)
				if err != nil {
					return hw, sent, err
				}
				if _, err := client.TakeThis(e.MessageID, a); err != nil {
					return hw, sent, err
				}
				sent++
			}
			hw = e.Number
		}
	}
	return hw, sent, nil
}

func (s *Supervisor) ihaveEntries(client *nntp.Client, group string, entries []storage.NumberEntry) (int64, int, error) {
	var hw int64
	var sent int
	for _, e := range entries {
		a, err := s.Storage.GetArticleByNumber(group, e.Number)
		if err != nil {
			return hw, sent, err
		}
		ok, err := client.IHave(e.MessageID, a)
		if errors.Is(err, nntp.ErrTryLater) {
			return hw, sent, nil
		}
		if err != nil {
			return hw, sent, err
		}
		if ok {
			sent++
		}
		hw = e.Number
	}
	return hw, sent, nil
}
