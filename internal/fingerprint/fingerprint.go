// Package fingerprint identifies the storefront platform and third-party
// technologies present on a captured product page.
package fingerprint

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	wappalyzer "github.com/projectdiscovery/wappalyzergo"
	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

// Platform names reported in Profile.Platform.
const (
	PlatformShopify = "shopify"
	PlatformUnknown = "unknown"
)

// client is the subset of the wappalyzer client used here.
type client interface {
	Fingerprint(headers map[string][]string, data []byte) map[string]struct{}
}

// Profile summarizes what runs on a page.
type Profile struct {
	Technologies []string `json:"technologies"`
	Platform     string   `json:"platform"`
	// ThirdPartyDomains are registrable domains of scripts not served by the shop itself.
	ThirdPartyDomains []string `json:"third_party_domains,omitempty"`
}

// Fingerprinter wraps a wappalyzer client.
type Fingerprinter struct {
	client client
}

// New loads the embedded wappalyzer fingerprint database.
func New() (*Fingerprinter, error) {
	c, err := wappalyzer.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize wappalyzer: %w", err)
	}
	return &Fingerprinter{client: c}, nil
}

// Analyze fingerprints a capture. A nil capture yields an empty profile.
func (f *Fingerprinter) Analyze(capture *schemas.ScanCapture) Profile {
	if capture == nil {
		return Profile{Platform: PlatformUnknown}
	}

	headers := make(map[string][]string, len(capture.ResponseHeaders))
	for k, v := range capture.ResponseHeaders {
		headers[strings.ToLower(k)] = []string{v}
	}

	seen := f.client.Fingerprint(headers, []byte(capture.HTML))
	techs := make([]string, 0, len(seen))
	for t := range seen {
		techs = append(techs, t)
	}
	sort.Strings(techs)

	pageURL := capture.FinalURL
	if pageURL == "" {
		pageURL = capture.URL
	}
	return Profile{
		Technologies:      techs,
		Platform:          platformOf(techs),
		ThirdPartyDomains: thirdPartyScriptDomains(pageURL, capture.HTML),
	}
}

func platformOf(techs []string) string {
	for _, t := range techs {
		name, _, _ := strings.Cut(t, ":")
		if strings.EqualFold(name, "Shopify") {
			return PlatformShopify
		}
	}
	return PlatformUnknown
}

// thirdPartyScriptDomains walks <script src> tags and returns the registrable
// domains that differ from the page's own. Shopify CDN hosts count as first party.
func thirdPartyScriptDomains(pageURL, doc string) []string {
	own := registrableDomain(pageURL)
	out := make(map[string]struct{})

	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := z.TagName()
		if string(name) != "script" || !hasAttr {
			continue
		}
		for {
			key, val, more := z.TagAttr()
			if string(key) == "src" {
				if d := registrableDomain(resolve(pageURL, string(val))); d != "" && d != own && !firstPartyCDN(d) {
					out[d] = struct{}{}
				}
			}
			if !more {
				break
			}
		}
	}

	domains := make([]string, 0, len(out))
	for d := range out {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}

func firstPartyCDN(domain string) bool {
	switch domain {
	case "shopify.com", "shopifycdn.com", "shopifycloud.com", "myshopify.com":
		return true
	}
	return false
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return b.ResolveReference(r).String()
}

func registrableDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(u.Hostname())
	if err != nil {
		return u.Hostname()
	}
	return d
}
