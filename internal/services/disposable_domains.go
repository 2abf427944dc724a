package services

import (
	"bufio"
	_ "embed"
	"strings"

	"golang.org/x/net/publicsuffix"
)

//go:embed disposable_domains.txt
var builtinDisposableDomains string

// DisposableDomains is a set of throwaway email domains
type DisposableDomains struct {
	domains map[string]struct{}
}

// NewDisposableDomains builds the set from the built-in list plus extra
func NewDisposableDomains(extra []string) *DisposableDomains {
	d := &DisposableDomains{domains: make(map[string]struct{})}

	scanner := bufio.NewScanner(strings.NewReader(builtinDisposableDomains))
	for scanner.Scan() {
		d.add(scanner.Text())
	}
	for _, domain := range extra {
		d.add(domain)
	}

	return d
}

func (d *DisposableDomains) add(line string) {
	line = strings.ToLower(strings.TrimSpace(line))
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	d.domains[strings.TrimPrefix(line, "@")] = struct{}{}
}

// Contains reports whether the email's domain, or its registrable domain, is disposable
func (d *DisposableDomains) Contains(email string) bool {
	for _, candidate := range domainCandidates(emailDomain(email)) {
		if _, ok := d.domains[candidate]; ok {
			return true
		}
	}
	return false
}

// Len returns the number of domains in the set
func (d *DisposableDomains) Len() int {
	return len(d.domains)
}

// emailDomain returns the lowercased domain part of an email address
func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(email[at+1:]), "."))
}

// domainCandidates returns the domain itself and, when different, its
// registrable domain (eTLD+1), so "mx.mailinator.com" matches "mailinator.com"
func domainCandidates(domain string) []string {
	if domain == "" {
		return nil
	}

	candidates := []string{domain}
	if registrable, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil && registrable != domain {
		candidates = append(candidates, registrable)
	}
	return candidates
}
