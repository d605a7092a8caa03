package policy

import (
	"context"
	"net"

	"blitiri.com.ar/go/spf"
	"go.uber.org/zap"
)

var checkHostWithSender = func(ip net.IP, helo, sender string) (spf.Result, error) {
	return spf.CheckHostWithSender(ip, helo, sender)
}

// SPF rejects senders whose domain publishes an SPF policy failing the client IP
type SPF struct {
	cache *Cache
	log   *zap.Logger
}

func NewSPF(cache *Cache, log *zap.Logger) *SPF {
	return &SPF{cache: cache, log: log}
}

func (s *SPF) Check(ctx context.Context, in Input) Verdict {
	if in.IP == nil || in.From.IsNull() {
		return Allow
	}
	key := in.IP.String() + "/" + in.From.Hostname()
	result, ok := s.cached(key)
	if !ok {
		var err error
		result, err = checkHostWithSender(in.IP, in.Helo, string(in.From))
		if err != nil && result != spf.Fail {
			s.log.Debug("spf check failed", zap.String("from", string(in.From)), zap.Error(err))
		}
		s.cache.Set("spf", key, result)
	}
	if result == spf.Fail {
		return reject(ReasonSPF, nil, in.From.Hostname()+" does not permit "+in.IP.String())
	}
	return Allow
}

func (s *SPF) cached(key string) (spf.Result, bool) {
	v, ok := s.cache.Get("spf", key)
	if !ok {
		return "", false
	}
	r, ok := v.(spf.Result)
	return r, ok
}
