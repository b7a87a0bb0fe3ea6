// Package addrpolicy decides which addresses may enroll. Two rules apply: an
// optional suffix allow-list (empty list admits every suffix) and a blocked
// domain list fetched from a configurable URL. The blocked list degrades
// open: if it cannot be fetched, enrollment proceeds and a warning is logged
// by the caller.
package addrpolicy

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"
)

// Policy validates enrollment addresses.
type Policy struct {
	allowedSuffixes []string

	listURL     string
	listEnabled bool

	mu      sync.RWMutex
	blocked map[string]struct{}
	loaded  bool
}

// New creates an address policy. allowedSuffixes entries are matched
// case-insensitively against the end of the address; an empty slice admits
// all suffixes. listURL/listEnabled configure the blocked-domain fetch.
func New(allowedSuffixes []string, listURL string, listEnabled bool) *Policy {
	suffixes := make([]string, 0, len(allowedSuffixes))
	for _, s := range allowedSuffixes {
		suffixes = append(suffixes, strings.ToLower(strings.TrimSpace(s)))
	}
	return &Policy{
		allowedSuffixes: suffixes,
		listURL:         listURL,
		listEnabled:     listEnabled,
	}
}

// Normalize validates the syntactic shape of an address and returns it
// lowercased together with its domain part.
func Normalize(address string) (addr, domain string, err error) {
	parsed, err := mail.ParseAddress(address)
	if err != nil || parsed.Address != address {
		return "", "", fmt.Errorf("invalid address %q", address)
	}
	addr = strings.ToLower(address)
	at := strings.LastIndex(addr, "@")
	if at < 1 || at == len(addr)-1 {
		return "", "", fmt.Errorf("invalid address %q", address)
	}
	return addr, addr[at+1:], nil
}

// SuffixAllowed reports whether the (already lowercased) address passes the
// suffix allow-list.
func (p *Policy) SuffixAllowed(addr string) bool {
	if len(p.allowedSuffixes) == 0 {
		return true
	}
	for _, suffix := range p.allowedSuffixes {
		if strings.HasSuffix(addr, suffix) {
			return true
		}
	}
	return false
}

// DomainBlocked reports whether the domain appears on the blocked list. The
// list is fetched lazily on first use and cached for the process lifetime;
// fetch failures return an error so the caller can decide to degrade open.
func (p *Policy) DomainBlocked(ctx context.Context, domain string) (bool, error) {
	if !p.listEnabled {
		return false, nil
	}

	domain = strings.ToLower(domain)

	p.mu.RLock()
	if p.loaded {
		_, blocked := p.blocked[domain]
		p.mu.RUnlock()
		return blocked, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		_, blocked := p.blocked[domain]
		return blocked, nil
	}

	blockedSet, err := fetchDomains(ctx, p.listURL)
	if err != nil {
		return false, fmt.Errorf("load blocked domain list: %w", err)
	}
	p.blocked = blockedSet
	p.loaded = true

	_, blocked := blockedSet[domain]
	return blocked, nil
}

// Prefetch warms the blocked-domain cache so the first enrollment does not
// block on a network call. Errors are intentionally dropped; the lazy path
// retries.
func (p *Policy) Prefetch(ctx context.Context) {
	_, _ = p.DomainBlocked(ctx, "prefetch.invalid")
}

func fetchDomains(ctx context.Context, url string) (map[string]struct{}, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build blocklist request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch blocklist: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blocklist returned status %d", resp.StatusCode)
	}

	domains := make(map[string]struct{})
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains[strings.ToLower(line)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}

	return domains, nil
}
