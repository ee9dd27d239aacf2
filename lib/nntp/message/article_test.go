package message

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleArticle = "From: alice@x\r\n" +
	"Newsgroups: comp.lang.go,misc.test\r\n" +
	"Subject: hi\r\n" +
	"Date: Thu, 06 Aug 2026 12:00:00 +0000\r\n" +
	"Message-ID: <a@x>\r\n" +
	"Path: x\r\n" +
	"\r\n" +
	"body line one\r\n" +
	"..starts with a dot\r\n" +
	".\r\n"

func TestReadArticle(t *testing.T) {
	a, err := ReadArticle(strings.NewReader(sampleArticle), 0)
	require.NoError(t, err)
	require.NoError(t, a.Validate())
	require.Equal(t, "<a@x>", a.MessageID().String())
	require.Len(t, a.Newsgroups(), 2)
	require.Equal(t, []string{"body line one", ".starts with a dot"}, a.Body)
}

func TestDotStuffingRoundTrip(t *testing.T) {
	a, err := ReadArticle(strings.NewReader(sampleArticle), 0)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, a.WriteDotTo(&buf))
	again, err := ReadArticle(&buf, 0)
	require.NoError(t, err)
	require.Equal(t, a.Header, again.Header)
	require.Equal(t, a.Body, again.Body)
}

func TestHeaderUnfolding(t *testing.T) {
	raw := "From: alice@x\r\n" +
		"Subject: a subject\r\n" +
		"\tthat folds\r\n" +
		"\r\n" +
		".\r\n"
	a, err := ReadArticle(strings.NewReader(raw), 0)
	require.NoError(t, err)
	require.Equal(t, "a subject that folds", a.Header.Get("Subject", ""))
}

func TestDuplicateHeadersPreserveOrder(t *testing.T) {
	raw := "Approved: alice\r\nApproved: bob\r\n\r\n.\r\n"
	a, err := ReadArticle(strings.NewReader(raw), 0)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, a.Header.GetAll("Approved"))
}

func TestValidateMissingHeader(t *testing.T) {
	raw := "From: alice@x\r\nSubject: hi\r\n\r\nbody\r\n.\r\n"
	a, err := ReadArticle(strings.NewReader(raw), 0)
	require.NoError(t, err)
	err = a.Validate()
	require.ErrorIs(t, err, ErrInvalidArticle)
}

func TestValidateBadMessageID(t *testing.T) {
	raw := strings.Replace(sampleArticle, "<a@x>", "not-an-id", 1)
	a, err := ReadArticle(strings.NewReader(raw), 0)
	require.NoError(t, err)
	require.ErrorIs(t, a.Validate(), ErrInvalidArticle)
}

func TestNonASCIIHeaderName(t *testing.T) {
	raw := "Fr\xc3\xb6m: alice@x\r\n\r\n.\r\n"
	_, err := ReadArticle(strings.NewReader(raw), 0)
	require.ErrorIs(t, err, ErrInvalidArticle)
}

func TestSizeLimitBoundary(t *testing.T) {
	a, err := ReadArticle(strings.NewReader(sampleArticle), 0)
	require.NoError(t, err)
	exact := a.Size

	_, err = ReadArticle(strings.NewReader(sampleArticle), exact)
	require.NoError(t, err, "article of exactly the limit is accepted")

	_, err = ReadArticle(strings.NewReader(sampleArticle), exact-1)
	require.Error(t, err, "one byte over the limit is rejected")
	require.True(t, errors.Is(err, ErrInvalidArticle))
}

func TestLineTooLong(t *testing.T) {
	raw := "Subject: " + strings.Repeat("x", 1000) + "\r\n\r\n.\r\n"
	_, err := ReadArticle(strings.NewReader(raw), 0)
	require.ErrorIs(t, err, ErrLineTooLong)
}

func TestAppendPath(t *testing.T) {
	var h Header
	h.AppendPath("a.example")
	require.Equal(t, "a.example", h.Get("Path", ""))
	h.AppendPath("b.example")
	require.Equal(t, "b.example!a.example", h.Get("Path", ""))
	h.AppendPath("b.example")
	require.Equal(t, "b.example!a.example", h.Get("Path", ""))
}
