// internal/browser/noise.go
package browser

import (
	"net/url"
	"strings"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

// noiseHosts are third-party analytics, pixel and tag-manager hosts whose
// failures say nothing about whether a shopper can buy the product.
var noiseHosts = [...]string{
	"google-analytics.com",
	"googletagmanager.com",
	"googleadservices.com",
	"doubleclick.net",
	"googlesyndication.com",
	"facebook.net",
	"facebook.com",
	"connect.facebook.net",
	"analytics.tiktok.com",
	"snap.licdn.com",
	"bat.bing.com",
	"static.hotjar.com",
	"script.hotjar.com",
	"clarity.ms",
	"klaviyo.com",
	"static.klaviyo.com",
	"cdn.segment.com",
	"api.segment.io",
	"sentry.io",
	"browser.sentry-cdn.com",
	"nr-data.net",
	"js-agent.newrelic.com",
	"pinimg.com",
	"ct.pinterest.com",
	"analytics.twitter.com",
	"static.ads-twitter.com",
	"monorail-edge.shopifysvc.com",
	"shop.app",
	"cdn.shopify.com/shopifycloud/web-pixels-manager",
	"cdn.shopify.com/shopifycloud/perf-kit",
}

// noiseMessages are substrings of console or exception text produced by
// extensions, ad blockers and tracking scripts.
var noiseMessages = [...]string{
	"chrome-extension://",
	"moz-extension://",
	"safari-extension://",
	"ResizeObserver loop",
	"Script error.",
	"fbq is not defined",
	"gtag is not defined",
	"ga is not defined",
	"_learnq",
	"ttq is not defined",
	"web-pixels-manager",
	"trekkie",
	"Failed to load resource: net::ERR_BLOCKED_BY_CLIENT",
}

// blockedResourceTypes are skipped during navigation. Images are kept because
// the image detector inspects them.
var blockedResourceTypes = map[string]struct{}{
	"Font":  {},
	"Media": {},
}

// IsNoiseURL reports whether rawURL belongs to a denylisted third-party host.
func IsNoiseURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	hostPath := strings.ToLower(u.Host + u.Path)
	host := strings.ToLower(u.Hostname())
	for _, n := range noiseHosts {
		if strings.Contains(n, "/") {
			if strings.HasPrefix(hostPath, n) {
				return true
			}
			continue
		}
		if host == n || strings.HasSuffix(host, "."+n) || strings.HasPrefix(hostPath, n) {
			return true
		}
	}
	return false
}

// IsNoiseMessage reports whether an error or log message is known third-party noise.
func IsNoiseMessage(msg string) bool {
	for _, n := range noiseMessages {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}

// ShouldBlock reports whether a request should be refused during navigation.
func ShouldBlock(resourceType, rawURL string) bool {
	if _, ok := blockedResourceTypes[resourceType]; ok {
		return true
	}
	return IsNoiseURL(rawURL)
}

// CriticalJSErrors filters noise out of errs. The input is not modified.
func CriticalJSErrors(errs []schemas.JSError) []schemas.JSError {
	out := make([]schemas.JSError, 0, len(errs))
	for _, e := range errs {
		if IsNoiseMessage(e.Message) || IsNoiseMessage(e.Stack) || IsNoiseURL(e.Source) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// CriticalNetworkErrors filters noise out of errs. The input is not modified.
func CriticalNetworkErrors(errs []schemas.NetworkError) []schemas.NetworkError {
	out := make([]schemas.NetworkError, 0, len(errs))
	for _, e := range errs {
		if IsNoiseURL(e.URL) || e.FailureReason == blockedByClient {
			continue
		}
		out = append(out, e)
	}
	return out
}
