package daemon

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"github.com/coreos/go-systemd/v22/activation"
	log "github.com/sirupsen/logrus"

	"github.com/forever-august/renews/lib/config"
)

// listen binds an address, consuming a named inherited descriptor for
// systemd://<name> addresses.
func listen(addr string) (net.Listener, error) {
	if name, ok := strings.CutPrefix(addr, "systemd://"); ok {
		listeners, err := activation.ListenersWithNames()
		if err != nil {
			return nil, fmt.Errorf("daemon: socket activation: %w", err)
		}
		if ls := listeners[name]; len(ls) > 0 {
			return ls[0], nil
		}
		return nil, fmt.Errorf("daemon: no inherited socket named %q", name)
	}
	return net.Listen("tcp", addr)
}

// certHolder serves the current certificate and swaps it on SIGHUP
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func (h *certHolder) load(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return err
	}
	h.cert.Store(&cert)
	return nil
}

func (h *certHolder) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return h.cert.Load(), nil
}

func (d *Daemon) startListeners(conf *config.Config) ([]net.Listener, error) {
	var listeners []net.Listener

	if conf.Addr != "" {
		l, err := listen(conf.Addr)
		if err != nil {
			return nil, fmt.Errorf("daemon: bind %s: %w", conf.Addr, err)
		}
		listeners = append(listeners, l)
		go d.server.Serve(l, false)
	}

	if conf.TLSAddr != "" {
		holder := &certHolder{}
		if err := holder.load(conf.TLSCert, conf.TLSKey); err != nil {
			return nil, fmt.Errorf("daemon: tls keypair: %w", err)
		}
		inner, err := listen(conf.TLSAddr)
		if err != nil {
			return nil, fmt.Errorf("daemon: bind %s: %w", conf.TLSAddr, err)
		}
		tlsListener := tls.NewListener(inner, &tls.Config{
			GetCertificate: holder.getCertificate,
			MinVersion:     tls.VersionTLS12,
		})
		listeners = append(listeners, tlsListener)
		go d.server.Serve(tlsListener, true)
		// reload the certificate on each config swap
		go func() {
			sub := d.Store.Subscribe()
			for next := range sub {
				if err := holder.load(next.TLSCert, next.TLSKey); err != nil {
					log.WithFields(log.Fields{"pkg": "daemon"}).Error("tls cert reload: ", err)
				} else {
					log.WithFields(log.Fields{"pkg": "daemon"}).Info("tls certificate reloaded")
				}
			}
		}()
	}

	if conf.WSAddr != "" {
		l, err := d.startWebsocketBridge(conf.WSAddr)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
	}

	return listeners, nil
}
