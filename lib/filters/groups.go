package filters

import (
	"errors"
	"fmt"

	"github.com/forever-august/renews/lib/nntp/message"
	"github.com/forever-august/renews/lib/storage"
)

// GroupExistenceFilter requires every destination group to exist
// locally.
type GroupExistenceFilter struct{}

func (GroupExistenceFilter) Name() string { return "GroupExistenceFilter" }

func (GroupExistenceFilter) Apply(ctx *Context, a *message.Article) Verdict {
	for _, g := range a.Newsgroups() {
		_, err := ctx.Storage.GroupByName(g.Norm().String())
		if errors.Is(err, storage.ErrNoSuchGroup) {
			return rejected(fmt.Sprintf("no such newsgroup %s", g))
		}
		if err != nil {
			return tempfail(err.Error())
		}
	}
	return accepted
}
