package model

import (
	"regexp"
	"strings"
)

var exp_valid_newsgroup = regexp.MustCompile(`^[A-Za-z0-9+_-]+(\.[A-Za-z0-9+_-]+)*$`)

// an nntp newsgroup
type Newsgroup string

// return true if this newsgroup name is well formed otherwise false
func (g Newsgroup) Valid() bool {
	return len(g) <= 128 && exp_valid_newsgroup.MatchString(g.String())
}

// get newsgroup as string
func (g Newsgroup) String() string {
	return string(g)
}

// newsgroup names match case insensitively
func (g Newsgroup) Norm() Newsgroup {
	return Newsgroup(strings.ToLower(g.String()))
}

// (message-id, newsgroup) tuple
type ArticleEntry [2]string

func (e ArticleEntry) MessageID() MessageID {
	return MessageID(e[0])
}

func (e ArticleEntry) Newsgroup() Newsgroup {
	return Newsgroup(e[1])
}
