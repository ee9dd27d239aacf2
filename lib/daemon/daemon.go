// Package daemon wires storage, auth, the session engine and the
// background tasks together and owns the process lifecycle.
package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/forever-august/renews/lib/auth"
	"github.com/forever-august/renews/lib/config"
	"github.com/forever-august/renews/lib/control"
	"github.com/forever-august/renews/lib/filters"
	"github.com/forever-august/renews/lib/limits"
	"github.com/forever-august/renews/lib/nntp"
	"github.com/forever-august/renews/lib/peers"
	"github.com/forever-august/renews/lib/retention"
	"github.com/forever-august/renews/lib/storage"
)

type Daemon struct {
	ConfPath string
	Store    *config.Store

	storage storage.Storage
	auth    auth.Provider
	peerDB  *peers.DB
	server  *nntp.Server
	sup     *peers.Supervisor
	sweeper *retention.Sweeper
}

// New opens every backend, runs migrations and builds the component
// graph. Fatal on schema downgrades and unreachable stores.
func New(confPath string, conf *config.Config) (*Daemon, error) {
	st, err := storage.Open(conf.DBPath)
	if err != nil {
		return nil, err
	}
	au, err := auth.Open(conf.AuthDBPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	pdb, err := peers.Open(conf.PeerDBPath)
	if err != nil {
		st.Close()
		au.Close()
		return nil, err
	}
	// the control pseudo group always exists so control articles can
	// commit before their action runs
	if err := st.AddGroup("control", false); err != nil {
		return nil, fmt.Errorf("daemon: ensure control group: %w", err)
	}

	chain, err := filters.FromConfig(conf.Filters)
	if err != nil {
		return nil, err
	}
	store := config.NewStore(conf)
	d := &Daemon{
		ConfPath: confPath,
		Store:    store,
		storage:  st,
		auth:     au,
		peerDB:   pdb,
	}
	d.server = &nntp.Server{
		Name:    conf.SiteName,
		Storage: st,
		Auth:    au,
		Conf:    store,
		Filters: chain,
		Limits:  limits.NewTracker(),
		Control: &control.Processor{
			Storage: st,
			Auth:    au,
			Keys:    auth.NewKeyDiscovery(conf.PGPKeyServers),
		},
	}
	d.server.SetupIngestLimit(conf.ArticleWorkerCount)
	d.sup = &peers.Supervisor{DB: pdb, Storage: st, Conf: store}
	d.sweeper = &retention.Sweeper{Storage: st, Conf: store}
	return d, nil
}

// Run serves until SIGINT or SIGTERM. SIGHUP reloads the config.
func (d *Daemon) Run() error {
	conf := d.Store.Current()
	listeners, err := d.startListeners(conf)
	if err != nil {
		return err
	}
	if err := d.sup.Start(); err != nil {
		return err
	}
	if err := d.sweeper.Start(); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			d.reload()
			continue
		}
		log.WithFields(log.Fields{"pkg": "daemon", "signal": sig}).Info("shutting down")
		break
	}

	for _, l := range listeners {
		l.Close()
	}
	d.server.Shutdown()
	d.sup.Stop()
	d.sweeper.Stop()
	d.peerDB.Close()
	d.auth.Close()
	return d.storage.Close()
}

// reload parses the config file again and swaps the shared snapshot.
// A file that fails to parse keeps the old snapshot.
func (d *Daemon) reload() {
	next, err := config.Load(d.ConfPath)
	if err != nil {
		log.WithFields(log.Fields{"pkg": "daemon"}).Error("reload failed, keeping old config: ", err)
		return
	}
	d.Store.Swap(next)
}
