package auth

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// KeyDiscovery fetches armored public keys from configured HKP
// lookup URLs. Fetched keys are cached for the process lifetime in a
// bounded LRU; stale entries are harmless because verification still
// requires a valid signature over the article bytes.
type KeyDiscovery struct {
	servers []string
	client  *http.Client
	cache   *lru.Cache[string, string]
}

const keyCacheSize = 256

// NewKeyDiscovery builds a discovery client for lookup URL templates
// containing an <email> token.
func NewKeyDiscovery(servers []string) *KeyDiscovery {
	cache, _ := lru.New[string, string](keyCacheSize)
	return &KeyDiscovery{
		servers: servers,
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   cache,
	}
}

// DiscoverKey looks user up on each key server in order and returns
// the first armored key that parses. Returns "" when no server knows
// the user.
func (d *KeyDiscovery) DiscoverKey(user string) (string, error) {
	if key, ok := d.cache.Get(user); ok {
		return key, nil
	}
	var lastErr error
	for _, tmpl := range d.servers {
		lookup := strings.ReplaceAll(tmpl, "<email>", url.QueryEscape(user))
		key, err := d.fetch(lookup)
		if err != nil {
			log.WithFields(log.Fields{
				"pkg":    "auth",
				"server": tmpl,
			}).Debug("key discovery failed: ", err)
			lastErr = err
			continue
		}
		if key != "" {
			d.cache.Add(user, key)
			return key, nil
		}
	}
	return "", lastErr
}

func (d *KeyDiscovery) fetch(lookup string) (string, error) {
	resp, err := d.client.Get(lookup)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth: key server returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	armored := string(body)
	if !ValidKey(armored) {
		return "", fmt.Errorf("auth: key server returned an unparseable key")
	}
	return armored, nil
}

// ValidKey reports whether armored parses as a PGP public key ring.
func ValidKey(armored string) bool {
	ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	return err == nil && len(ring) > 0
}
