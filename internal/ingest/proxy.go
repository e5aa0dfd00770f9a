package ingest

import (
	"strings"

	"github.com/wafguard/wafguard/internal/model"
)

// resolveProxy implements spec.md §4.7's proxy resolution order:
// X-Proxy-Target header, then Host header, then the transaction's
// host_ip, matched by domain-name substring and then by forward_host
// equality. Returns nil on no match, leaving proxy_id NULL.
func resolveProxy(headers map[string]string, hostIP string, proxies []model.Proxy) *int64 {
	candidates := []string{
		headerValue(headers, "X-Proxy-Target"),
		headerValue(headers, "Host"),
		hostIP,
	}

	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if id := matchByDomain(candidate, proxies); id != nil {
			return id
		}
		if id := matchByForwardHost(candidate, proxies); id != nil {
			return id
		}
	}
	return nil
}

func matchByDomain(candidate string, proxies []model.Proxy) *int64 {
	candidate = strings.ToLower(candidate)
	for _, p := range proxies {
		for _, d := range p.DomainNames {
			if strings.Contains(candidate, strings.ToLower(d)) {
				id := p.ID
				return &id
			}
		}
	}
	return nil
}

func matchByForwardHost(candidate string, proxies []model.Proxy) *int64 {
	candidate = strings.ToLower(candidate)
	for _, p := range proxies {
		if strings.EqualFold(p.ForwardHost, candidate) {
			id := p.ID
			return &id
		}
	}
	return nil
}
