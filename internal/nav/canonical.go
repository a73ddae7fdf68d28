package nav

import (
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// googleHost matches google's search frontends after the www. prefix is
// stripped (google.com, google.co.uk, google.de, ...).
var googleHost = regexp.MustCompile(`^google\.[a-z]{2,3}(\.[a-z]{2})?$`)

// searchParamAllowlist is the fixed query parameter subset kept for
// google search URLs. Everything else (tracking ids, client hints,
// per-render tokens) varies between visually identical result pages and
// would defeat deduplication.
var searchParamAllowlist = []string{"q", "start", "tbm"}

// IsHTTP reports whether raw is an http(s) URL.
func IsHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Host returns the lower-cased hostname of raw, "" when unparseable.
func Host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Canonicalize normalizes a URL for equality comparisons: host
// lower-cased with the www. prefix stripped, fragment removed, and for
// google search pages the query rewritten to the sorted allow-listed
// parameter subset. Unparseable input is returned as-is so it still
// participates in dedup keyed on the raw string.
func Canonicalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if port := u.Port(); port != "" {
		// JoinHostPort restores the brackets an IPv6 literal needs.
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	u.Fragment = ""

	if IsGoogleSearch(u) {
		u.RawQuery = filteredQuery(u.Query())
	}

	return u.String()
}

// IsGoogleSearch reports whether u is a google search results page.
func IsGoogleSearch(u *url.URL) bool {
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return googleHost.MatchString(host) && u.Path == "/search"
}

// IsSearchResults reports whether a canonical URL string points at a
// known search-results page, the trigger for enrichment.
func IsSearchResults(canonical string) bool {
	u, err := url.Parse(canonical)
	if err != nil {
		return false
	}
	return IsGoogleSearch(u)
}

// filteredQuery rebuilds a query string from the allow-listed subset in
// fixed sorted order, so superficially different search URLs for the
// same query canonicalize identically.
func filteredQuery(q url.Values) string {
	keys := make([]string, 0, len(searchParamAllowlist))
	for _, k := range searchParamAllowlist {
		if q.Get(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(q.Get(k)))
	}
	return b.String()
}
