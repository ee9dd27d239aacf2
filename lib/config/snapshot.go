package config

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Store holds the current config snapshot and fans reloads out to
// subscribers. Readers get an immutable *Config that stays valid for
// as long as they hold it; a reload swaps the pointer atomically.
type Store struct {
	current atomic.Pointer[Config]

	mu   sync.Mutex
	subs []chan *Config
}

func NewStore(conf *Config) *Store {
	s := new(Store)
	s.current.Store(conf)
	return s
}

// Current returns the live snapshot.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Subscribe returns a channel that receives each new snapshot. The
// channel is buffered; a subscriber that lags only misses intermediate
// snapshots, never the final one.
func (s *Store) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Swap validates reload restrictions against the running snapshot,
// installs next and notifies subscribers. Settings that need a restart
// are kept at their old values and reported.
func (s *Store) Swap(next *Config) {
	old := s.current.Load()
	if frozen := old.Restartable(next); len(frozen) > 0 {
		log.WithFields(log.Fields{
			"pkg":      "config",
			"settings": frozen,
		}).Warn("changed settings need a restart, keeping old values")
		next.Addr = old.Addr
		next.TLSAddr = old.TLSAddr
		next.WSAddr = old.WSAddr
		next.DBPath = old.DBPath
		next.AuthDBPath = old.AuthDBPath
		next.PeerDBPath = old.PeerDBPath
		next.RuntimeThreads = old.RuntimeThreads
	}
	s.current.Store(next)
	s.mu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- next:
		default:
			// drop the stale snapshot so the latest one fits
			select {
			case <-ch:
			default:
			}
			ch <- next
		}
	}
	s.mu.Unlock()
	log.WithFields(log.Fields{"pkg": "config"}).Info("configuration reloaded")
}
