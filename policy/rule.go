// Package policy evaluates sender, recipient and content rules.
//
// Rules are tagged variants evaluated with a fixed precedence: an explicit block
// match rejects, then a non-empty allow list rejects when nothing matches, otherwise
// the default is to allow. A RuleSet is immutable once built, reconfiguration
// builds a new one.
package policy

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the rule variant
type Kind int

const (
	SenderDomainAllow Kind = iota + 1
	SenderDomainBlock
	RecipientDomainAllow
	RecipientDomainBlock
	RecipientLocalPartAllow
	ContentKeywordBlock
	SenderSpamDomain
)

var kindNames = map[Kind]string{
	SenderDomainAllow:       "sender-domain-allow",
	SenderDomainBlock:       "sender-domain-block",
	RecipientDomainAllow:    "recipient-domain-allow",
	RecipientDomainBlock:    "recipient-domain-block",
	RecipientLocalPartAllow: "recipient-local-part-allow",
	ContentKeywordBlock:     "content-keyword-block",
	SenderSpamDomain:        "sender-spam-domain",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind parses the textual rule kind
func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if n == strings.ToLower(s) {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown rule kind %q", s)
}

// Scope is the message attribute a rule matches against
type Scope string

const (
	ScopeMailFrom Scope = "mail-from" // envelope sender domain
	ScopeRcptTo   Scope = "rcpt-to"   // envelope recipient
	ScopeSubject  Scope = "subject"
	ScopeBody     Scope = "body"
	ScopeContent  Scope = "content" // subject and body
	ScopeSender   Scope = "sender"  // envelope sender and From header domains
)

// scopes permitted per kind, the first one is the default
var kindScopes = map[Kind][]Scope{
	SenderDomainAllow:       {ScopeMailFrom},
	SenderDomainBlock:       {ScopeMailFrom},
	RecipientDomainAllow:    {ScopeRcptTo},
	RecipientDomainBlock:    {ScopeRcptTo},
	RecipientLocalPartAllow: {ScopeRcptTo},
	ContentKeywordBlock:     {ScopeContent, ScopeSubject, ScopeBody},
	SenderSpamDomain:        {ScopeSender, ScopeMailFrom},
}

// Rule is a single policy rule
type Rule struct {
	Kind    Kind
	Pattern string
	Scope   Scope
}

func (r Rule) String() string {
	return fmt.Sprintf("%s(%s) %s", r.Kind, r.Scope, r.Pattern)
}

// Reason explains a rejection
type Reason string

const (
	ReasonBlocked    Reason = "blocked"
	ReasonNotAllowed Reason = "not-allowed"
	ReasonLocalPart  Reason = "unknown-mailbox"
	ReasonKeyword    Reason = "keyword"
	ReasonSpamDomain Reason = "spam-domain"
	ReasonDBL        Reason = "dbl-listed"
	ReasonSPF        Reason = "spf-fail"
)

// Verdict is the result of a policy check
type Verdict struct {
	Allowed bool
	Reason  Reason
	Rule    *Rule // matched rule, nil for default decisions and heuristics
	Detail  string
}

// Allow is the verdict of an accepted check
var Allow = Verdict{Allowed: true}

func reject(reason Reason, rule *Rule, detail string) Verdict {
	return Verdict{Reason: reason, Rule: rule, Detail: detail}
}

func (v Verdict) String() string {
	if v.Allowed {
		return "allow"
	}
	if v.Rule != nil {
		return fmt.Sprintf("reject %s: %s", v.Reason, v.Rule)
	}
	if v.Detail != "" {
		return fmt.Sprintf("reject %s: %s", v.Reason, v.Detail)
	}
	return "reject " + string(v.Reason)
}
