package email

import (
	"testing"

	"github.com/candlekeep/aide/internal/config"
)

func testTriage() *Triage {
	return NewTriage(config.TriageConfig{
		VIP:         []string{"boss@example.org", "/.*@family\\.example$/"},
		Junk:        []string{"win a prize", "/^promo@/"},
		Newsletters: []string{"newsletter", "digest"},
		Receipts:    []string{"receipt", "your order"},
		AutoRead:    []string{"noreply@ci.example.org"},
	})
}

// TestClassify_Categories covers substring and regex rules against both
// From and Subject.
func TestClassify_Categories(t *testing.T) {
	tr := testTriage()
	cases := []struct {
		msg  Message
		want string
	}{
		{Message{From: "Boss <boss@example.org>", Subject: "1:1 today"}, CategoryVIP},
		{Message{From: "mum@family.example", Subject: "sunday?"}, CategoryVIP},
		{Message{From: "rando@spam.example", Subject: "WIN A PRIZE now"}, CategoryJunk},
		{Message{From: "promo@shop.example", Subject: "sale"}, CategoryJunk},
		{Message{From: "news@site.example", Subject: "Weekly digest"}, CategoryNewsletter},
		{Message{From: "shop@store.example", Subject: "Your order has shipped"}, CategoryReceipt},
		{Message{From: "noreply@ci.example.org", Subject: "build passed"}, CategoryAutoRead},
		{Message{From: "colleague@work.example", Subject: "question"}, CategoryNormal},
	}
	for _, c := range cases {
		if got := tr.Classify(c.msg); got != c.want {
			t.Errorf("Classify(%s / %s) = %q, want %q", c.msg.From, c.msg.Subject, got, c.want)
		}
	}
}

// TestClassify_VIPWinsOverJunk verifies precedence when multiple
// categories match.
func TestClassify_VIPWinsOverJunk(t *testing.T) {
	tr := testTriage()
	msg := Message{From: "boss@example.org", Subject: "win a prize for the team"}
	if got := tr.Classify(msg); got != CategoryVIP {
		t.Errorf("got %q", got)
	}
}

// TestCompilePattern_BadRegexFallsBack verifies a malformed /regex/ is
// used as a literal substring instead of being dropped.
func TestCompilePattern_BadRegexFallsBack(t *testing.T) {
	p := compilePattern("/[unclosed/")
	if p.re != nil {
		t.Fatal("bad regex compiled")
	}
	if !p.match("something /[unclosed/ here") {
		t.Error("literal fallback does not match")
	}
}
