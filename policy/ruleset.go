package policy

import (
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/matoous/gosmtpd/mail"
)

// RuleSet is an immutable compiled set of rules, safe for concurrent use
type RuleSet struct {
	rules []Rule

	senderAllow []Rule
	senderBlock []Rule
	rcptAllow   []Rule
	rcptBlock   []Rule
	localParts  []Rule
	keywords    []Rule
	spamDomains []Rule
}

// NewRuleSet validates and compiles rules
func NewRuleSet(rules ...Rule) (*RuleSet, error) {
	rs := &RuleSet{}
	for _, r := range rules {
		r.Pattern = strings.ToLower(strings.TrimSpace(r.Pattern))
		if r.Pattern == "" {
			return nil, errors.Errorf("%s: empty pattern", r.Kind)
		}
		scopes, ok := kindScopes[r.Kind]
		if !ok {
			return nil, errors.Errorf("unknown rule kind %d", int(r.Kind))
		}
		if r.Scope == "" {
			r.Scope = scopes[0]
		} else if !scopeAllowed(r.Scope, scopes) {
			return nil, errors.Errorf("%s: scope %q not applicable", r.Kind, r.Scope)
		}

		switch r.Kind {
		case SenderDomainAllow:
			rs.senderAllow = append(rs.senderAllow, r)
		case SenderDomainBlock:
			rs.senderBlock = append(rs.senderBlock, r)
		case RecipientDomainAllow:
			rs.rcptAllow = append(rs.rcptAllow, r)
		case RecipientDomainBlock:
			rs.rcptBlock = append(rs.rcptBlock, r)
		case RecipientLocalPartAllow:
			if _, err := path.Match(r.Pattern, ""); err != nil {
				return nil, errors.WithMessagef(err, "%s %q", r.Kind, r.Pattern)
			}
			rs.localParts = append(rs.localParts, r)
		case ContentKeywordBlock:
			rs.keywords = append(rs.keywords, r)
		case SenderSpamDomain:
			rs.spamDomains = append(rs.spamDomains, r)
		}
		rs.rules = append(rs.rules, r)
	}
	return rs, nil
}

func scopeAllowed(s Scope, scopes []Scope) bool {
	for _, x := range scopes {
		if x == s {
			return true
		}
	}
	return false
}

// Rules returns the normalized rules
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// HasContentRules reports whether CheckContent can reject anything
func (rs *RuleSet) HasContentRules() bool {
	return len(rs.keywords) > 0 || len(rs.spamDomains) > 0
}

// CheckSender applies sender domain rules
func (rs *RuleSet) CheckSender(from mail.Address) Verdict {
	return checkDomain(from.Hostname(), rs.senderBlock, rs.senderAllow)
}

// CheckRecipient applies recipient domain rules, then local part patterns.
// postmaster is always deliverable.
func (rs *RuleSet) CheckRecipient(rcpt mail.Address) Verdict {
	if v := checkDomain(rcpt.Hostname(), rs.rcptBlock, rs.rcptAllow); !v.Allowed {
		return v
	}
	if len(rs.localParts) == 0 || strings.EqualFold(rcpt.User(), "postmaster") {
		return Allow
	}
	local := strings.ToLower(rcpt.User())
	full := local + "@" + rcpt.Hostname()
	for _, r := range rs.localParts {
		subject := local
		if strings.Contains(r.Pattern, "@") {
			subject = full
		}
		if ok, _ := path.Match(r.Pattern, subject); ok {
			return Allow
		}
	}
	return reject(ReasonLocalPart, nil, local)
}

// checkDomain applies block > allow > default allow
func checkDomain(domain string, block, allow []Rule) Verdict {
	for i := range block {
		if matchDomain(block[i].Pattern, domain) {
			return reject(ReasonBlocked, &block[i], domain)
		}
	}
	if len(allow) == 0 {
		return Allow
	}
	for i := range allow {
		if matchDomain(allow[i].Pattern, domain) {
			return Allow
		}
	}
	return reject(ReasonNotAllowed, nil, domain)
}

// matchDomain matches exact domains, "*.example.com" matches any subdomain of example.com
// and "*" matches every non-empty domain
func matchDomain(pattern, domain string) bool {
	if domain == "" {
		return false
	}
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(domain, pattern[1:])
	default:
		return pattern == domain
	}
}
