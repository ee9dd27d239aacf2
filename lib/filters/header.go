package filters

import "github.com/forever-august/renews/lib/nntp/message"

// HeaderFilter checks the fields required for acceptance and the
// message-id format.
type HeaderFilter struct{}

func (HeaderFilter) Name() string { return "HeaderFilter" }

func (HeaderFilter) Apply(ctx *Context, a *message.Article) Verdict {
	if err := a.Validate(); err != nil {
		return rejected(err.Error())
	}
	return accepted
}
