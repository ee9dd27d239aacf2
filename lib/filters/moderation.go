package filters

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/forever-august/renews/lib/nntp/message"
)

// ModerationFilter gates posts to moderated groups. An article
// without an Approved header is rewritten into a moderation notice
// and rejected with "moderation required"; with one, the approver
// must hold moderator authority over every destination group.
type ModerationFilter struct{}

func (ModerationFilter) Name() string { return "ModerationFilter" }

func (ModerationFilter) Apply(ctx *Context, a *message.Article) Verdict {
	groups := a.Newsgroups()
	moderated := false
	for _, g := range groups {
		info, err := ctx.Storage.GroupByName(g.Norm().String())
		if err != nil {
			return tempfail(err.Error())
		}
		if info.Moderated {
			moderated = true
		}
	}
	if !moderated {
		return accepted
	}

	approved := strings.TrimSpace(a.Header.Get("Approved", ""))
	if approved == "" {
		// redirect to the first moderator covering any destination
		for _, g := range groups {
			mods, err := ctx.Auth.ModeratorsFor(g.Norm().String())
			if err != nil {
				return tempfail(err.Error())
			}
			if len(mods) > 0 {
				a.Header.Set("X-Moderate-From", a.Header.Get("From", ""))
				log.WithFields(log.Fields{
					"pkg":       "filters",
					"msgid":     a.MessageID(),
					"moderator": mods[0],
					"group":     g,
				}).Info("article queued for moderation")
				break
			}
		}
		return rejected("moderation required")
	}

	for _, g := range groups {
		ok, err := ctx.Auth.IsModerator(approved, g.Norm().String())
		if err != nil {
			return tempfail(err.Error())
		}
		if !ok {
			return rejected(fmt.Sprintf("%s may not approve posts to %s", approved, g))
		}
	}
	return accepted
}
