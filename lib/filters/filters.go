// Package filters implements the article ingestion pipeline. Each
// filter inspects (and may rewrite) an article and returns a verdict;
// the first non-accept verdict short-circuits the chain.
package filters

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/forever-august/renews/lib/auth"
	"github.com/forever-august/renews/lib/config"
	"github.com/forever-august/renews/lib/nntp/message"
	"github.com/forever-august/renews/lib/storage"
)

type Status int

const (
	// article passes
	Accept Status = iota
	// permanent rejection, peer should not resend
	Reject
	// transient failure, retry later
	Tempfail
)

func (s Status) String() string {
	switch s {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Tempfail:
		return "tempfail"
	}
	return "unknown"
}

type Verdict struct {
	Status Status
	Reason string
}

var accepted = Verdict{Status: Accept}

func rejected(reason string) Verdict { return Verdict{Status: Reject, Reason: reason} }
func tempfail(reason string) Verdict { return Verdict{Status: Tempfail, Reason: reason} }

// Context carries the collaborators a filter may consult.
type Context struct {
	Storage storage.Storage
	Auth    auth.Provider
	Conf    *config.Config
}

// Filter checks one aspect of an article. Apply may rewrite the
// article in place; a rewrite is only observed when the chain accepts.
type Filter interface {
	Name() string
	Apply(ctx *Context, a *message.Article) Verdict
}

// Chain runs filters in order, stopping at the first non-accept.
type Chain struct {
	filters []Filter
}

func NewChain(filters ...Filter) *Chain {
	return &Chain{filters: filters}
}

// Default is the standard pipeline order.
func Default() *Chain {
	return NewChain(HeaderFilter{}, SizeFilter{}, GroupExistenceFilter{}, ModerationFilter{})
}

// FromConfig builds the pipeline from [[filters]] blocks, falling
// back to the default chain when none are configured.
func FromConfig(configs []config.FilterConfig) (*Chain, error) {
	if len(configs) == 0 {
		return Default(), nil
	}
	chain := &Chain{}
	for _, fc := range configs {
		switch fc.Name {
		case "HeaderFilter":
			chain.filters = append(chain.filters, HeaderFilter{})
		case "SizeFilter":
			chain.filters = append(chain.filters, SizeFilter{})
		case "GroupExistenceFilter":
			chain.filters = append(chain.filters, GroupExistenceFilter{})
		case "ModerationFilter":
			chain.filters = append(chain.filters, ModerationFilter{})
		case "MilterFilter":
			m, err := NewMilterFilter(fc)
			if err != nil {
				return nil, err
			}
			chain.filters = append(chain.filters, m)
		default:
			return nil, fmt.Errorf("filters: unknown filter %q", fc.Name)
		}
	}
	return chain, nil
}

// Apply runs the chain over the article.
func (c *Chain) Apply(ctx *Context, a *message.Article) Verdict {
	for _, f := range c.filters {
		v := f.Apply(ctx, a)
		if v.Status != Accept {
			log.WithFields(log.Fields{
				"pkg":    "filters",
				"filter": f.Name(),
				"msgid":  a.MessageID(),
				"status": v.Status.String(),
			}).Info("article stopped by filter: ", v.Reason)
			return v
		}
	}
	return accepted
}

// Names lists the filters in chain order.
func (c *Chain) Names() (names []string) {
	for _, f := range c.filters {
		names = append(names, f.Name())
	}
	return
}
