package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

var exp_valid_msgid = regexp.MustCompile(`^<[^<>@\s]{1,200}@[^<>@\s]{1,200}>$`)

// an nntp message-id of the form <token@domain>
type MessageID string

// return true if this message-id is well formed otherwise false
func (msgid MessageID) Valid() bool {
	return exp_valid_msgid.MatchString(msgid.String())
}

func (msgid MessageID) String() string {
	return string(msgid)
}

// generate a new unique message-id for an article originating at name
func GenMessageID(name string) MessageID {
	var buf [8]byte
	rand.Read(buf[:])
	msgid := MessageID(fmt.Sprintf("<%d.%s@%s>", time.Now().Unix(), hex.EncodeToString(buf[:]), name))
	if !msgid.Valid() {
		return ""
	}
	return msgid
}
