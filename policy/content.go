package policy

import (
	"bytes"
	"net/textproto"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/matoous/gosmtpd/mail"
)

// content is the decoded text content of a message
type content struct {
	subject     string
	body        string
	fromDomains []string
}

// CheckContent applies keyword and spam domain rules to a fully received message
func (rs *RuleSet) CheckContent(msg *mail.Message) Verdict {
	if !rs.HasContentRules() {
		return Allow
	}
	c := parseContent(msg)
	for i := range rs.keywords {
		r := &rs.keywords[i]
		var hit bool
		switch r.Scope {
		case ScopeSubject:
			hit = strings.Contains(c.subject, r.Pattern)
		case ScopeBody:
			hit = strings.Contains(c.body, r.Pattern)
		default:
			hit = strings.Contains(c.subject, r.Pattern) || strings.Contains(c.body, r.Pattern)
		}
		if hit {
			return reject(ReasonKeyword, r, r.Pattern)
		}
	}

	domains := []string{msg.From.Hostname()}
	for i := range rs.spamDomains {
		r := &rs.spamDomains[i]
		candidates := domains
		if r.Scope == ScopeSender {
			candidates = append(domains, c.fromDomains...)
		}
		for _, d := range candidates {
			if matchDomain(r.Pattern, d) {
				return reject(ReasonSpamDomain, r, d)
			}
		}
	}
	return Allow
}

// parseContent decodes the MIME structure, falling back to the raw bytes when the
// message can't be parsed
func parseContent(msg *mail.Message) content {
	env, err := enmime.ReadEnvelope(msg.Reader())
	if err != nil {
		return rawContent(msg)
	}
	c := content{
		subject: strings.ToLower(env.GetHeader("Subject")),
		body:    strings.ToLower(env.Text + "\n" + env.HTML),
	}
	if from, err := env.AddressList("From"); err == nil {
		for _, a := range from {
			c.fromDomains = append(c.fromDomains, mail.Address(a.Address).Hostname())
		}
	}
	return c
}

func rawContent(msg *mail.Message) content {
	c := content{body: strings.ToLower(string(msg.Body()))}
	if msg.Body() == nil {
		c.body = strings.ToLower(string(msg.Raw()))
	}
	for _, line := range bytes.Split(msg.Header(), []byte("\n")) {
		i := bytes.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(string(bytes.TrimSpace(line[:i])))
		value := strings.ToLower(strings.TrimSpace(string(line[i+1:])))
		switch key {
		case "Subject":
			c.subject = value
		case "From":
			c.fromDomains = append(c.fromDomains, mail.Address(strings.Trim(value, "<> ")).Hostname())
		}
	}
	return c
}
