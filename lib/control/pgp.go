package control

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	log "github.com/sirupsen/logrus"

	"github.com/forever-august/renews/lib/auth"
	"github.com/forever-august/renews/lib/nntp/message"
)

// CanonicalText builds the signed text per the pgpcontrol convention:
// an X-Signed-Headers preamble, the named headers in order, a blank
// line and the dash escaped body.
func CanonicalText(a *message.Article, signedHeaders string) string {
	var sb strings.Builder
	sb.WriteString("X-Signed-Headers: ")
	sb.WriteString(signedHeaders)
	sb.WriteString("\n")
	for _, name := range strings.Split(signedHeaders, ",") {
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(a.Header.Get(name, ""))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	for _, line := range a.Body {
		if strings.HasPrefix(line, "-") {
			sb.WriteString("- ")
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

// parseSigHeader splits an X-PGP-Sig value into its version word, the
// signed header list and the base64 signature material.
func parseSigHeader(v string) (version, signedHeaders, sigData string, err error) {
	words := strings.Fields(v)
	if len(words) < 3 {
		return "", "", "", fmt.Errorf("%w: truncated X-PGP-Sig", ErrBadSignature)
	}
	return words[0], words[1], strings.Join(words[2:], "\n"), nil
}

func armorSignature(version, sigData string) string {
	return "-----BEGIN PGP SIGNATURE-----\nVersion: " + version +
		"\n\n" + sigData + "\n-----END PGP SIGNATURE-----\n"
}

// verifySignature checks the X-PGP-Sig header against the signer's
// stored key, falling back to HKP key discovery when the stored key
// is missing or does not verify.
func (p *Processor) verifySignature(a *message.Article, user string) error {
	sigHeader := a.Header.Get("X-PGP-Sig", "")
	if sigHeader == "" {
		return fmt.Errorf("%w: missing X-PGP-Sig header", ErrBadSignature)
	}
	version, signedHeaders, sigData, err := parseSigHeader(sigHeader)
	if err != nil {
		return err
	}
	data := CanonicalText(a, signedHeaders)
	armored := armorSignature(version, sigData)

	stored, err := p.Auth.GetPGPKey(user)
	if err != nil && !errors.Is(err, auth.ErrNoSuchUser) {
		return err
	}
	if stored != "" && checkDetached(stored, data, armored) == nil {
		return nil
	}

	if p.Keys == nil {
		return ErrBadSignature
	}
	discovered, err := p.Keys.DiscoverKey(user)
	if err != nil || discovered == "" {
		return fmt.Errorf("%w: no key for %s", ErrBadSignature, user)
	}
	if err := checkDetached(discovered, data, armored); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	// remember the key that worked; verification already succeeded so
	// a store failure is not fatal
	if stored == "" {
		if err := p.Auth.UpdatePGPKey(user, discovered); err != nil {
			log.WithFields(log.Fields{"pkg": "control"}).Info("could not store discovered key: ", err)
		}
	}
	return nil
}

func checkDetached(armoredKey, data, armoredSig string) error {
	ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armoredKey))
	if err != nil {
		return err
	}
	_, err = openpgp.CheckArmoredDetachedSignature(
		ring, strings.NewReader(data), strings.NewReader(armoredSig), nil)
	return err
}

// cancelByKey deletes the target when the cancel carries a Cancel-Key
// whose hash matches the original article's Cancel-Lock. Returns true
// when the Cancel-Key path handled the request, matched or not.
func (p *Processor) cancelByKey(a *message.Article, target string) bool {
	keyVal := a.Header.Get("Cancel-Key", "")
	if keyVal == "" {
		return false
	}
	orig, err := p.Storage.GetArticleByMessageID(target)
	if err != nil {
		return true
	}
	lockVal := orig.Header.Get("Cancel-Lock", "")
	if lockVal == "" {
		return true
	}
	if verifyCancelKey(parseElements(keyVal), parseElements(lockVal)) {
		if err := p.Storage.DeleteArticle(target); err != nil {
			log.WithFields(log.Fields{
				"pkg":    "control",
				"target": target,
			}).Warn("cancel-key delete failed: ", err)
		} else {
			log.WithFields(log.Fields{
				"pkg":    "control",
				"target": target,
			}).Info("article cancelled via cancel-key")
		}
	}
	return true
}

type element struct{ scheme, value string }

// parse "sha256:base64, sha1:base64" style header values
func parseElements(v string) (out []element) {
	for _, part := range strings.Fields(v) {
		part = strings.Trim(part, ",")
		scheme, val, found := strings.Cut(part, ":")
		if found {
			out = append(out, element{scheme: strings.ToLower(scheme), value: val})
		}
	}
	return
}

func hashKey(scheme, key string) (string, bool) {
	var h hash.Hash
	switch scheme {
	case "sha1":
		h = sha1.New()
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return "", false
	}
	h.Write([]byte(key))
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), true
}

func verifyCancelKey(keys, locks []element) bool {
	for _, k := range keys {
		digest, ok := hashKey(k.scheme, k.value)
		if !ok {
			continue
		}
		for _, l := range locks {
			if l.scheme == k.scheme && l.value == digest {
				return true
			}
		}
	}
	return false
}
