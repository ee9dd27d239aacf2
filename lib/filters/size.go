package filters

import (
	"fmt"

	"github.com/forever-august/renews/lib/nntp/message"
)

// SizeFilter checks the article against the effective size cap of
// every destination group.
type SizeFilter struct{}

func (SizeFilter) Name() string { return "SizeFilter" }

func (SizeFilter) Apply(ctx *Context, a *message.Article) Verdict {
	for _, g := range a.Newsgroups() {
		max := ctx.Conf.MaxArticleBytes(g.Norm().String())
		if max > 0 && a.Size > max {
			return rejected(fmt.Sprintf("article of %d bytes exceeds limit %d for %s", a.Size, max, g))
		}
	}
	return accepted
}
