// Package control parses and executes newgroup, rmgroup and cancel
// control messages. Actions run only after the carrying article has
// been committed to storage, and only when the PGP signature and the
// signer's authority both check out.
package control

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/forever-august/renews/lib/auth"
	"github.com/forever-august/renews/lib/model"
	"github.com/forever-august/renews/lib/nntp/message"
	"github.com/forever-august/renews/lib/storage"
)

var (
	ErrUnknownVerb   = errors.New("unknown control verb")
	ErrNotAuthorized = errors.New("signer not authorized for control action")
	ErrBadSignature  = errors.New("control signature verification failed")
)

type Verb int

const (
	VerbCancel Verb = iota
	VerbNewgroup
	VerbRmgroup
)

// a parsed control command
type Command struct {
	Verb      Verb
	Target    string
	Moderated bool
}

// IsControl reports whether an article is routed to the control
// processor: posted to the control group, carrying a Control header,
// or with a Subject starting with "cmsg ".
func IsControl(a *message.Article) bool {
	if strings.TrimSpace(a.Header.Get("Control", "")) != "" {
		return true
	}
	for _, g := range a.Newsgroups() {
		if g.Norm() == "control" {
			return true
		}
	}
	return strings.HasPrefix(a.Header.Get("Subject", ""), "cmsg ")
}

// commandText extracts the verb line from the Control header or the
// cmsg Subject convention.
func commandText(a *message.Article) string {
	if v := strings.TrimSpace(a.Header.Get("Control", "")); v != "" {
		return v
	}
	if s := a.Header.Get("Subject", ""); strings.HasPrefix(s, "cmsg ") {
		return strings.TrimSpace(strings.TrimPrefix(s, "cmsg "))
	}
	return ""
}

// ParseCommand parses "cancel <msgid>", "newgroup name [moderated]"
// and "rmgroup name".
func ParseCommand(text string) (*Command, error) {
	parts := strings.Fields(text)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVerb, text)
	}
	switch strings.ToLower(parts[0]) {
	case "cancel":
		return &Command{Verb: VerbCancel, Target: parts[1]}, nil
	case "newgroup":
		moderated := len(parts) > 2 && strings.EqualFold(parts[2], "moderated")
		return &Command{Verb: VerbNewgroup, Target: parts[1], Moderated: moderated}, nil
	case "rmgroup":
		return &Command{Verb: VerbRmgroup, Target: parts[1]}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownVerb, parts[0])
}

// Processor executes authenticated control commands.
type Processor struct {
	Storage storage.Storage
	Auth    auth.Provider
	Keys    *auth.KeyDiscovery
}

// FromUser extracts the signer identity from the From header,
// preferring the bare address form.
func FromUser(a *message.Article) string {
	from := a.Header.Get("From", "")
	if addr, err := mail.ParseAddress(from); err == nil {
		return addr.Address
	}
	return strings.TrimSpace(from)
}

// Handle runs the control action for an already committed article.
// Verification or authorization failures are logged and dropped; the
// article itself stays stored.
func (p *Processor) Handle(a *message.Article) {
	cmd, err := ParseCommand(commandText(a))
	if err != nil {
		log.WithFields(log.Fields{
			"pkg":   "control",
			"msgid": a.MessageID(),
		}).Warn("dropping control article: ", err)
		return
	}
	if err := p.execute(a, cmd); err != nil {
		log.WithFields(log.Fields{
			"pkg":    "control",
			"msgid":  a.MessageID(),
			"target": cmd.Target,
		}).Warn("control action dropped: ", err)
	}
}

func (p *Processor) execute(a *message.Article, cmd *Command) error {
	// cancels may authenticate with a Cancel-Key matching the
	// original article's Cancel-Lock, no signature needed
	if cmd.Verb == VerbCancel && p.cancelByKey(a, cmd.Target) {
		return nil
	}

	user := FromUser(a)
	if err := p.verifySignature(a, user); err != nil {
		return err
	}
	if err := p.authorize(user, cmd); err != nil {
		return err
	}

	switch cmd.Verb {
	case VerbCancel:
		if err := p.Storage.DeleteArticle(cmd.Target); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"pkg":    "control",
			"target": cmd.Target,
			"user":   user,
		}).Info("article cancelled")
	case VerbNewgroup:
		if !model.Newsgroup(cmd.Target).Valid() {
			return fmt.Errorf("control: invalid group name %q", cmd.Target)
		}
		if err := p.Storage.AddGroup(cmd.Target, cmd.Moderated); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"pkg":       "control",
			"group":     cmd.Target,
			"moderated": cmd.Moderated,
			"user":      user,
		}).Info("group created by control message")
	case VerbRmgroup:
		if err := p.Storage.RemoveGroup(cmd.Target); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"pkg":   "control",
			"group": cmd.Target,
			"user":  user,
		}).Info("group removed by control message")
	}
	return nil
}

// admins may run any verb; moderators only cancel and rmgroup within
// their wildmat pattern
func (p *Processor) authorize(user string, cmd *Command) error {
	admin, err := p.Auth.IsAdmin(user)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	switch cmd.Verb {
	case VerbRmgroup:
		ok, err := p.Auth.IsModerator(user, strings.ToLower(cmd.Target))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	case VerbCancel:
		orig, err := p.Storage.GetArticleByMessageID(cmd.Target)
		if err != nil {
			return err
		}
		covered := false
		for _, g := range orig.Newsgroups() {
			ok, err := p.Auth.IsModerator(user, g.Norm().String())
			if err != nil {
				return err
			}
			if !ok {
				covered = false
				break
			}
			covered = true
		}
		if covered {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotAuthorized, user)
}
