package guard

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/hazyhaar/guardxp/audit"
	"github.com/hazyhaar/guardxp/classify"
	"github.com/hazyhaar/guardxp/fingerprint"
	"github.com/hazyhaar/guardxp/redact"
)

// Flow is one intercepted response as delivered by the host proxy.
type Flow struct {
	URL        string
	Header     http.Header // request headers
	Body       []byte      // decoded response body
	ClientAddr string
	// ServerAddr is the upstream IP; the zero value means no server
	// connection was established.
	ServerAddr netip.Addr
}

// Result is the outcome of Process. Body is what the proxy must send.
type Result struct {
	Body         []byte                  `json:"-"`
	Fingerprint  fingerprint.Fingerprint `json:"fingerprint"`
	Disposition  classify.Disposition    `json:"disposition"`
	Source       string                  `json:"source"`
	Filtered     bool                    `json:"filtered"`
	OriginalSize int64                   `json:"original_size"`
	RemovedBytes int64                   `json:"removed_bytes"`
	DomainID     int64                   `json:"domain_id,omitempty"`
	Country      string                  `json:"country,omitempty"`
}

// Process runs the interception pipeline on f. It never fails: persistence
// and GeoIP problems are logged and the corresponding fields stay empty.
func (g *Guard) Process(ctx context.Context, f *Flow) Result {
	g.maybeRefresh(ctx)

	snap := g.lists.Current()
	fp := fingerprint.Of(f.Body)
	res := Result{Fingerprint: fp, OriginalSize: int64(len(f.Body))}

	d := snap.Classify(fp)
	res.Disposition, res.Source = d.Disposition, d.Source
	switch d.Disposition {
	case classify.Suppress:
		res.Body = []byte{}
		res.Filtered = true
	case classify.PartialRedact:
		out, err := redact.Remove(f.Body, d.Ranges)
		if err != nil {
			g.logger.Warn("guard: malformed redaction ranges, suppressing",
				"hash", string(fp), "url", f.URL, "error", err)
		}
		res.Body = out
		res.Filtered = true
	default:
		res.Body = f.Body
	}
	res.RemovedBytes = res.OriginalSize - int64(len(res.Body))

	bare, domain := bareDomain(f.URL)
	if bare && domain != "" {
		id, err := g.store.GetOrCreateDomainID(ctx, string(fingerprint.OfString(domain)), domain)
		if err != nil {
			g.logger.Debug("guard: domain id unavailable", "domain", domain, "error", err)
		} else {
			res.DomainID = id
		}
	}

	referer := refererOf(f.Header)

	if (bare || res.Filtered) && f.ServerAddr.IsValid() && g.locator != nil {
		cc, err := g.locator.Country(ctx, f.ServerAddr)
		if err != nil {
			g.logger.Warn("guard: geoip lookup failed", "ip", f.ServerAddr.String(), "error", err)
		} else {
			res.Country = cc
		}
	}

	if res.Filtered {
		g.filtered.Add(1)
		g.logger.Warn("guard: tracking resource",
			"url", f.URL, "referer", referer, "hash", string(fp),
			"source", res.Source, "size_before", res.OriginalSize, "size_after", len(res.Body))
	}
	g.processed.Add(1)

	rec := audit.Record{
		ClientAddress: clientIP(f.ClientAddr),
		URLHash:       string(fingerprint.OfString(f.URL)),
		URL:           f.URL,
		DomainID:      res.DomainID,
		FileHash:      string(fp),
		FileSize:      res.OriginalSize,
		TrackingSize:  res.RemovedBytes,
		IsJavaScript:  isJavaScript(f.URL),
		Country:       res.Country,
	}
	if referer != "" {
		rec.Referer = string(fingerprint.OfString(referer))
	}
	g.sink.Record(rec)

	delta := audit.Delta{RequestsIntercepted: 1, BytesIntercepted: res.OriginalSize}
	if res.Filtered {
		delta.RequestsCleaned = 1
		delta.BytesCleaned = res.RemovedBytes
	}
	g.sink.BumpCounters(delta)

	return res
}

// bareDomain reports whether raw has an empty or "/" path, and if so its
// registrable domain. IP literals and names without a public suffix are
// returned as is.
func bareDomain(raw string) (bool, string) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false, ""
	}
	if u.Path != "" && u.Path != "/" {
		return false, ""
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return true, ""
	}
	if net.ParseIP(host) != nil {
		return true, host
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return true, host
	}
	return true, etld1
}

// refererOf prefers Origin over Referer.
func refererOf(h http.Header) string {
	if h == nil {
		return ""
	}
	if o := h.Get("Origin"); o != "" {
		return o
	}
	return h.Get("Referer")
}

func isJavaScript(raw string) bool {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	return strings.HasSuffix(strings.ToLower(p), ".js")
}

// clientIP strips the port from a host:port address.
func clientIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
