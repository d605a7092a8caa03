package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matoous/gosmtpd/mail"
)

func rules(kind Kind, patterns ...string) []Rule {
	out := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, Rule{Kind: kind, Pattern: p})
	}
	return out
}

func mustRuleSet(t *testing.T, groups ...[]Rule) *RuleSet {
	var all []Rule
	for _, g := range groups {
		all = append(all, g...)
	}
	rs, err := NewRuleSet(all...)
	require.NoError(t, err)
	return rs
}

func TestRuleSet_SenderPrecedence(t *testing.T) {
	rs := mustRuleSet(t,
		rules(SenderDomainAllow, "trusted.com", "example.com", "localhost", "spam.com"),
		rules(SenderDomainBlock, "spam.com", "junk.org"),
	)

	for _, from := range []mail.Address{"user@trusted.com", "user@Example.COM", "root@localhost"} {
		assert.True(t, rs.CheckSender(from).Allowed, "%s should be allowed", from)
	}

	v := rs.CheckSender("bad@spam.com")
	assert.False(t, v.Allowed, "block list wins over allow list")
	assert.Equal(t, ReasonBlocked, v.Reason)
	require.NotNil(t, v.Rule)
	assert.Equal(t, SenderDomainBlock, v.Rule.Kind)

	v = rs.CheckSender("someone@elsewhere.net")
	assert.False(t, v.Allowed, "non-empty allow list rejects unknown domains")
	assert.Equal(t, ReasonNotAllowed, v.Reason)

	assert.False(t, rs.CheckSender("").Allowed, "null sender has no domain to match the allow list")
}

func TestRuleSet_DefaultAllow(t *testing.T) {
	rs := mustRuleSet(t, rules(SenderDomainBlock, "junk.org"))
	assert.True(t, rs.CheckSender("any@where.com").Allowed, "without allow list the default is allow")
	assert.True(t, rs.CheckSender("").Allowed)
	assert.False(t, rs.CheckSender("x@junk.org").Allowed)

	empty := mustRuleSet(t)
	assert.True(t, empty.CheckSender("x@junk.org").Allowed)
	assert.True(t, empty.CheckRecipient("x@junk.org").Allowed)
}

func TestRuleSet_WildcardDomains(t *testing.T) {
	rs := mustRuleSet(t, rules(RecipientDomainBlock, "*.spam.com"))
	assert.False(t, rs.CheckRecipient("a@mx.spam.com").Allowed)
	assert.True(t, rs.CheckRecipient("a@spam.com").Allowed, "wildcard only covers subdomains")
	assert.True(t, rs.CheckRecipient("a@notspam.com").Allowed)
}

func TestRuleSet_Recipient(t *testing.T) {
	rs := mustRuleSet(t,
		rules(RecipientDomainAllow, "mydomain.com", "example.com", "localhost"),
		rules(RecipientLocalPartAllow, "admin@*", "user@*", "test@*", "info@*", "support@*"),
	)

	assert.True(t, rs.CheckRecipient("admin@mydomain.com").Allowed)
	assert.True(t, rs.CheckRecipient("Info@Example.com").Allowed, "local parts match case-insensitively")
	assert.True(t, rs.CheckRecipient("postmaster@localhost").Allowed, "postmaster is always deliverable")

	v := rs.CheckRecipient("admin@other.org")
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonNotAllowed, v.Reason, "domain rules are checked before local parts")

	v = rs.CheckRecipient("random@mydomain.com")
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonLocalPart, v.Reason)
}

func TestRuleSet_LocalPartGlob(t *testing.T) {
	rs := mustRuleSet(t, rules(RecipientLocalPartAllow, "sales-*"))
	assert.True(t, rs.CheckRecipient("sales-eu@example.com").Allowed)
	assert.False(t, rs.CheckRecipient("support@example.com").Allowed)
}

func TestNewRuleSet_Invalid(t *testing.T) {
	_, err := NewRuleSet(Rule{Kind: SenderDomainAllow})
	assert.Error(t, err, "empty pattern")

	_, err = NewRuleSet(Rule{Kind: Kind(42), Pattern: "x"})
	assert.Error(t, err, "unknown kind")

	_, err = NewRuleSet(Rule{Kind: SenderDomainAllow, Pattern: "x.com", Scope: ScopeBody})
	assert.Error(t, err, "scope not applicable to kind")

	_, err = NewRuleSet(Rule{Kind: RecipientLocalPartAllow, Pattern: "[admin"})
	assert.Error(t, err, "bad glob")
}

func TestRuleSet_RulesNormalized(t *testing.T) {
	rs := mustRuleSet(t, rules(SenderDomainBlock, " Spam.COM "))
	assert.Equal(t, []Rule{{Kind: SenderDomainBlock, Pattern: "spam.com", Scope: ScopeMailFrom}}, rs.Rules())
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("content-keyword-block")
	assert.NoError(t, err)
	assert.Equal(t, ContentKeywordBlock, k)
	assert.Equal(t, "content-keyword-block", k.String())
	_, err = ParseKind("nope")
	assert.Error(t, err)
}
