package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"gotorrent/bencode"
	"gotorrent/xerr"
)

// HTTPTracker announces to a single BEP 3 HTTP/HTTPS tracker URL.
type HTTPTracker struct {
	*schedule
	announceURL string
	client      *http.Client
}

// NewHTTPTracker builds an HTTP tracker client for announceURL.
func NewHTTPTracker(announceURL string) *HTTPTracker {
	return &HTTPTracker{
		schedule:    newSchedule(),
		announceURL: announceURL,
		client:      &http.Client{},
	}
}

// Announce performs one GET announce, retrying failures with an
// exponential backoff for up to 30 seconds of elapsed time before
// surfacing a ResponseError to the caller (the orchestrator moves on
// to the next tracker in the tier per §4.7/§7).
func (t *HTTPTracker) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResult, error) {
	var result *AnnounceResult
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second

	op := func() error {
		res, err := t.doAnnounce(ctx, params)
		if err != nil {
			return err
		}
		result = res
		return nil
	}

	if err := backoff.Retry(op, b); err != nil {
		return nil, xerr.New(xerr.KindResponseError, "tracker.HTTPTracker.Announce", err)
	}

	t.record(time.Now(), result.Interval, result.MinInterval)
	return result, nil
}

func (t *HTTPTracker) doAnnounce(ctx context.Context, p AnnounceParams) (*AnnounceResult, error) {
	u := t.announceURL
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	query := fmt.Sprintf(
		"%sinfo_hash=%s&peer_id=%s&port=%d&uploaded=%d&downloaded=%d&left=%d&compact=1",
		sep, escapeBinary(p.InfoHash[:]), escapeBinary(p.PeerID[:]), p.Port, p.Uploaded, p.Downloaded, p.Left,
	)
	if ev := p.Event.httpValue(); ev != "" {
		query += "&event=" + ev
	}
	if p.NumWant > 0 {
		query += "&numwant=" + strconv.Itoa(p.NumWant)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+query, nil)
	if err != nil {
		return nil, xerr.New(xerr.KindInvalidURL, "tracker.HTTPTracker.doAnnounce", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return parseHTTPResponse(body)
}

// escapeBinary percent-encodes raw bytes per RFC 3986's unreserved set
// (info_hash/peer_id are raw 20-byte binary, not text, so the stdlib's
// url.QueryEscape — which maps space to "+" — is the wrong tool here).
func escapeBinary(b []byte) string {
	const hex = "0123456789ABCDEF"
	var sb strings.Builder
	for _, c := range b {
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hex[c>>4])
		sb.WriteByte(hex[c&0xf])
	}
	return sb.String()
}

func parseHTTPResponse(body []byte) (*AnnounceResult, error) {
	dec := bencode.NewDecoder(bytes.NewReader(body))
	raw, err := dec.DecodeValue()
	if err != nil {
		return nil, xerr.New(xerr.KindInvalidToken, "tracker.parseHTTPResponse", err)
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, xerr.New(xerr.KindInvalidType, "tracker.parseHTTPResponse", nil)
	}

	if reason, ok := m["failure reason"].(string); ok && reason != "" {
		return nil, xerr.New(xerr.KindResponseError, "tracker.parseHTTPResponse", fmt.Errorf("%s", reason))
	}

	res := &AnnounceResult{}
	if warn, ok := m["warning message"].(string); ok {
		res.Warning = warn
	}
	if iv, ok := m["interval"].(int64); ok {
		res.Interval = time.Duration(iv) * time.Second
	}
	if mi, ok := m["min interval"].(int64); ok {
		res.MinInterval = time.Duration(mi) * time.Second
	}
	if tid, ok := m["tracker id"].(string); ok {
		res.TrackerID = tid
	}
	if c, ok := m["complete"].(int64); ok {
		res.Complete = int(c)
	}
	if ic, ok := m["incomplete"].(int64); ok {
		res.Incomplete = int(ic)
	}

	switch peers := m["peers"].(type) {
	case string:
		res.Peers = append(res.Peers, parseCompactIPv4([]byte(peers))...)
	case []any:
		for _, item := range peers {
			d, ok := item.(map[string]any)
			if !ok {
				continue
			}
			ip, _ := d["ip"].(string)
			port, _ := d["port"].(int64)
			res.Peers = append(res.Peers, PeerAddr{IP: ip, Port: uint16(port)})
		}
	}
	if peers6, ok := m["peers6"].(string); ok {
		res.Peers = append(res.Peers, parseCompactIPv6([]byte(peers6))...)
	}

	return res, nil
}

func parseCompactIPv4(raw []byte) []PeerAddr {
	var out []PeerAddr
	for i := 0; i+6 <= len(raw); i += 6 {
		ip := netip.AddrFrom4([4]byte(raw[i : i+4]))
		port := uint16(raw[i+4])<<8 | uint16(raw[i+5])
		out = append(out, PeerAddr{IP: ip.String(), Port: port})
	}
	return out
}

func parseCompactIPv6(raw []byte) []PeerAddr {
	var out []PeerAddr
	for i := 0; i+18 <= len(raw); i += 18 {
		ip := netip.AddrFrom16([16]byte(raw[i : i+16]))
		port := uint16(raw[i+16])<<8 | uint16(raw[i+17])
		out = append(out, PeerAddr{IP: ip.String(), Port: port})
	}
	return out
}
