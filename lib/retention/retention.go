// Package retention expires old articles per group on a periodic
// schedule.
package retention

import (
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/forever-august/renews/lib/config"
	"github.com/forever-august/renews/lib/storage"
)

// Sweeper deletes group-articles older than the group's effective
// retention, honoring Expires headers. No locks are held across
// groups; each group is swept in its own transaction.
type Sweeper struct {
	Storage storage.Storage
	Conf    *config.Store

	cron *cron.Cron
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Start schedules the sweep; the schedule comes from
// retention_sweep_schedule and defaults to daily.
func (s *Sweeper) Start() error {
	s.cron = cron.New(cron.WithParser(cronParser))
	_, err := s.cron.AddFunc(s.Conf.Current().RetentionSweepSchedule, func() {
		s.Sweep(time.Now())
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

// Sweep runs one pass over every group. Failures are logged per
// group and never stop the pass.
func (s *Sweeper) Sweep(now time.Time) {
	conf := s.Conf.Current()
	it, err := s.Storage.ListGroups(nil)
	if err != nil {
		log.WithFields(log.Fields{"pkg": "retention"}).Error("list groups: ", err)
		return
	}
	var names []string
	for g, ok := it.Next(); ok; g, ok = it.Next() {
		names = append(names, g.Name)
	}
	if err := it.Err(); err != nil {
		log.WithFields(log.Fields{"pkg": "retention"}).Error("group iteration: ", err)
	}
	it.Close()
	var groups, deleted int64
	for _, name := range names {
		groups++
		// zero retention keeps articles forever; Expires headers
		// still apply through the zero cutoff
		days := conf.RetentionDays(name)
		var cutoff time.Time
		if days > 0 {
			cutoff = now.AddDate(0, 0, -int(days))
		}
		n, err := s.Storage.DeleteExpired(name, cutoff, conf.ExpiresMayExtend(name))
		if err != nil {
			log.WithFields(log.Fields{
				"pkg":   "retention",
				"group": name,
			}).Warn("sweep failed: ", err)
			continue
		}
		deleted += n
	}
	log.WithFields(log.Fields{
		"pkg":      "retention",
		"groups":   groups,
		"articles": deleted,
	}).Info("retention sweep complete")
}
