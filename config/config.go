package config

import (
	"crypto/tls"
	"os"
	"strings"
	"time"

	"github.com/jinzhu/configor"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/matoous/gosmtpd/auth"
	"github.com/matoous/gosmtpd/policy"
)

// Config is the full server configuration
type Config struct {
	Server       ServerConfig    `yaml:"server" json:"server"`
	Limits       LimitsConfig    `yaml:"limits" json:"limits"`
	Auth         AuthConfig      `yaml:"auth" json:"auth"`
	Policy       PolicyConfig    `yaml:"policy" json:"policy"`
	RateLimit    RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Storage      StorageConfig   `yaml:"storage" json:"storage"`
	Queue        QueueConfig     `yaml:"queue" json:"queue"`
	Events       EventsConfig    `yaml:"events" json:"events"`
	Log          LoggerConfig    `yaml:"log" json:"log"`
	LocalDomains []string        `yaml:"local_domains" json:"local_domains" default:"[localhost]"`
}

type ServerConfig struct {
	Addr           string            `yaml:"addr" default:":2525"`
	TLSAddr        string            `yaml:"tls_addr"` // implicit TLS listener, disabled if empty
	Hostname       string            `yaml:"hostname" default:"localhost"`
	TLSCertFile    string            `yaml:"tls_cert_file"`
	TLSKeyFile     string            `yaml:"tls_key_file"`
	Certificates   []tls.Certificate `yaml:"-" json:"-"` // loaded certificates, take precedence over the files
	SftName        string            `yaml:"sft_name" default:"gosmtpd"`
	SftVersion     string            `yaml:"sft_version" default:"0.1.0"`
	Announce       string            `yaml:"announce"` // extra stuff to announce in greeting banner
	MaxConnections int               `yaml:"max_connections" default:"100"`
	SMTPUTF8       bool              `yaml:"smtputf8"`
}

type LimitsConfig struct {
	CmdInput        time.Duration `yaml:"cmd_input" default:"2m"`
	MsgInput        time.Duration `yaml:"msg_input" default:"10m"`
	ReplyOut        time.Duration `yaml:"reply_out" default:"2m"`
	TLSSetup        time.Duration `yaml:"tls_setup" default:"30s"`
	MsgSize         int64         `yaml:"msg_size" default:"10485760"`
	BadCmds         int           `yaml:"bad_cmds" default:"5"`
	MaxRcpt         int           `yaml:"max_rcpt" default:"100"`
	MaxAuthAttempts int           `yaml:"max_auth_attempts" default:"3"`
}

type AuthConfig struct {
	Mechanisms  []string     `yaml:"mechanisms" default:"[PLAIN, LOGIN]"`
	RequireAuth bool         `yaml:"require_auth"` // MAIL is refused before AUTH
	RequireTLS  bool         `yaml:"require_tls"`  // AUTH is refused before STARTTLS
	HashCost    int          `yaml:"hash_cost" default:"10"`
	Users       []UserConfig `yaml:"users"`
}

// UserConfig holds one credential, either as a bcrypt hash or as a plain password
// which is hashed when the credential store is built
type UserConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Hash     string `yaml:"hash"`
}

type PolicyConfig struct {
	SenderAllow       []string      `yaml:"sender_allow"`
	SenderBlock       []string      `yaml:"sender_block"`
	RecipientAllow    []string      `yaml:"recipient_allow"`
	RecipientBlock    []string      `yaml:"recipient_block"`
	LocalParts        []string      `yaml:"local_parts"`
	BlockedKeywords   []string      `yaml:"blocked_keywords"`
	SpamDomains       []string      `yaml:"spam_domains"`
	DBLZones          []string      `yaml:"dbl_zones"`
	DNSServer         string        `yaml:"dns_server" default:"127.0.0.1:53"`
	DNSTimeout        time.Duration `yaml:"dns_timeout" default:"2s"`
	SPF               bool          `yaml:"spf"`
	RelayRequiresAuth bool          `yaml:"relay_requires_auth"`
	Rules             []RuleConfig  `yaml:"rules"` // extra rules by kind name, e.g. content-keyword-block
}

// RuleConfig is a single rule of any kind, scope defaults to the kind's first scope
type RuleConfig struct {
	Kind    string `yaml:"kind"`
	Pattern string `yaml:"pattern"`
	Scope   string `yaml:"scope"`
}

type RateLimitConfig struct {
	Global int           `yaml:"global"` // messages per window for the whole server, 0 disables
	PerIP  int           `yaml:"per_ip"` // messages per window per source address, 0 disables
	Window time.Duration `yaml:"window" default:"1m"`
}

type StorageConfig struct {
	Dir string `yaml:"dir" default:"emails"`
}

type QueueConfig struct {
	Dir         string        `yaml:"dir" default:"queue"`
	InMemory    bool          `yaml:"in_memory"`
	Capacity    int           `yaml:"capacity" default:"10000"`
	MaxAttempts int           `yaml:"max_attempts" default:"10"`
	Backoff     time.Duration `yaml:"backoff" default:"1m"`
}

type EventsConfig struct {
	AMQPURL     string `yaml:"amqp_url"`
	AMQPQueue   string `yaml:"amqp_queue" default:"smtp-events"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type LoggerConfig struct {
	Mode string `yaml:"mode" default:"production"`
}

// Load loads configuration from given files, later files override earlier ones.
// Environment variables prefixed with GOSMTPD override file values.
func Load(files ...string) (*Config, error) {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return nil, errors.WithMessage(err, "config file")
		}
	}
	c := &Config{}
	if err := configor.New(&configor.Config{ENVPrefix: "GOSMTPD"}).Load(c, files...); err != nil {
		return nil, errors.WithMessage(err, "configor.Load")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns configuration with all defaults applied
func Default() *Config {
	c := &Config{}
	if err := configor.New(&configor.Config{ENVPrefix: "GOSMTPD"}).Load(c); err != nil {
		panic(err)
	}
	return c
}

// Validate checks the semantic validity of the configuration
func (c *Config) Validate() error {
	for _, m := range c.Auth.Mechanisms {
		if !auth.Supported(m) {
			return errors.Errorf("%v authentication mechanism is not supported", m)
		}
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return errors.New("both tls_cert_file and tls_key_file must be set")
	}
	if c.Server.TLSAddr != "" && c.Server.TLSCertFile == "" && len(c.Server.Certificates) == 0 {
		return errors.New("tls_addr requires a certificate")
	}
	if c.Limits.MsgSize <= 0 {
		return errors.New("limits.msg_size must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("rate_limit.window must be positive")
	}
	if c.Auth.HashCost != 0 && (c.Auth.HashCost < bcrypt.MinCost || c.Auth.HashCost > bcrypt.MaxCost) {
		return errors.Errorf("auth.hash_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return nil
}

// TLSConfig returns TLS configuration for STARTTLS and the implicit TLS listener,
// nil if no certificate is configured
func (c *Config) TLSConfig() (*tls.Config, error) {
	certs := c.Server.Certificates
	if len(certs) == 0 {
		if c.Server.TLSCertFile == "" {
			return nil, nil
		}
		cert, err := tls.LoadX509KeyPair(c.Server.TLSCertFile, c.Server.TLSKeyFile)
		if err != nil {
			return nil, errors.WithMessage(err, "tls.LoadX509KeyPair")
		}
		certs = []tls.Certificate{cert}
	}
	return &tls.Config{
		Certificates: certs,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// RuleSet builds the immutable policy rule set
func (c *Config) RuleSet() (*policy.RuleSet, error) {
	p := c.Policy
	var rules []policy.Rule
	add := func(kind policy.Kind, scope policy.Scope, patterns []string) {
		for _, pattern := range patterns {
			rules = append(rules, policy.Rule{Kind: kind, Pattern: pattern, Scope: scope})
		}
	}
	add(policy.SenderDomainBlock, policy.ScopeMailFrom, p.SenderBlock)
	add(policy.SenderDomainAllow, policy.ScopeMailFrom, p.SenderAllow)
	add(policy.RecipientDomainBlock, policy.ScopeRcptTo, p.RecipientBlock)
	add(policy.RecipientDomainAllow, policy.ScopeRcptTo, p.RecipientAllow)
	add(policy.RecipientLocalPartAllow, policy.ScopeRcptTo, p.LocalParts)
	add(policy.ContentKeywordBlock, policy.ScopeContent, p.BlockedKeywords)
	add(policy.SenderSpamDomain, policy.ScopeSender, p.SpamDomains)
	for _, r := range p.Rules {
		kind, err := policy.ParseKind(r.Kind)
		if err != nil {
			return nil, errors.WithMessage(err, "policy.rules")
		}
		rules = append(rules, policy.Rule{Kind: kind, Pattern: r.Pattern, Scope: policy.Scope(r.Scope)})
	}
	rs, err := policy.NewRuleSet(rules...)
	if err != nil {
		return nil, errors.WithMessage(err, "policy")
	}
	return rs, nil
}

// Credentials builds the credential store, plain passwords are hashed here
func (c *Config) Credentials() (*auth.Store, error) {
	creds := make([]auth.Credential, 0, len(c.Auth.Users))
	for _, u := range c.Auth.Users {
		if u.Username == "" {
			return nil, errors.New("auth user without username")
		}
		hash := []byte(u.Hash)
		if u.Hash == "" {
			var err error
			hash, err = auth.HashSecret([]byte(u.Password), c.Auth.HashCost)
			if err != nil {
				return nil, errors.WithMessagef(err, "hash password of %s", u.Username)
			}
		}
		creds = append(creds, auth.Credential{Identity: u.Username, Hash: hash})
	}
	return auth.NewStore(creds...), nil
}

// IsLocalDomain reports whether domain is delivered to the local message store
func (c *Config) IsLocalDomain(domain string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if domain == strings.ToLower(c.Server.Hostname) {
		return true
	}
	for _, d := range c.LocalDomains {
		if strings.ToLower(d) == domain {
			return true
		}
	}
	return false
}

// Logger builds the logger for the configured mode
func (c *Config) Logger() (*zap.Logger, error) {
	switch c.Log.Mode {
	case "development", "debug":
		return zap.NewDevelopment()
	case "nop":
		return zap.NewNop(), nil
	default:
		return zap.NewProduction()
	}
}
