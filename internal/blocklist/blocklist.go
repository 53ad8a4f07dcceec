// Package blocklist checks URLs against a local file of blocked domains.
//
// The file has one "<domain> <reason>" entry per line, with optional trailing
// "# comments". Domains may contain "*" wildcards. The file is re-read
// whenever its modification time changes.
package blocklist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hypothesis/viahtml/internal/checkmate"
	"github.com/hypothesis/viahtml/internal/metrics"
)

// Reason is why a domain is listed.
type Reason string

const (
	Malicious        Reason = "malicious"
	PublisherBlocked Reason = "publisher-blocked"
	MediaVideo       Reason = "media-video"
	MediaAudio       Reason = "media-audio"
	MediaImage       Reason = "media-image"
	MediaMixed       Reason = "media-mixed"
	HighIO           Reason = "high-io"
	Other            Reason = "other"
)

// ParseReason maps unknown values to Other.
func ParseReason(value string) Reason {
	switch r := Reason(value); r {
	case Malicious, PublisherBlocked, MediaVideo, MediaAudio, MediaImage, MediaMixed, HighIO, Other:
		return r
	default:
		return Other
	}
}

// permitted reasons are listed upstream but served without incident here.
var permitted = []Reason{MediaVideo}

var linePattern = regexp.MustCompile(`^(\S+)\s+(\S+)(?:\s*#.*)?$`)

type pattern struct {
	glob   string
	reason Reason
}

// snapshot is one fully parsed version of the file. It is never mutated
// after it is published.
type snapshot struct {
	modTime  time.Time
	domains  map[string]Reason
	patterns []pattern
}

func (s *snapshot) lookup(domain string) (Reason, bool) {
	if r, ok := s.domains[domain]; ok {
		return r, true
	}
	for _, p := range s.patterns {
		if ok, _ := path.Match(p.glob, domain); ok {
			return p.reason, true
		}
	}
	return "", false
}

func (s *snapshot) size() int {
	return len(s.domains) + len(s.patterns)
}

// Blocklist is safe for concurrent use.
type Blocklist struct {
	filename     string
	blockPageURL string
	current      atomic.Pointer[snapshot]
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// New creates a Blocklist reading filename. A missing file is not an error;
// the list is empty until the file appears. The metrics parameter is
// optional; pass nil to disable recording.
func New(filename, blockPageURL string, logger *slog.Logger, m *metrics.Metrics) *Blocklist {
	b := &Blocklist{
		filename:     filename,
		blockPageURL: blockPageURL,
		logger:       logger.With("component", "blocklist"),
		metrics:      m,
	}
	b.current.Store(&snapshot{domains: map[string]Reason{}})
	b.logger.Debug("monitoring blocklist file", "path", filename)
	b.refresh()
	return b
}

// IsBlocked returns the reason rawURL's host is listed, if it is. URLs
// without a scheme are read as http.
func (b *Blocklist) IsBlocked(rawURL string) (Reason, bool) {
	b.refresh()

	domain := domainOf(rawURL)
	if domain == "" {
		return "", false
	}
	return b.current.Load().lookup(domain)
}

// Len returns the number of loaded entries.
func (b *Blocklist) Len() int {
	return b.current.Load().size()
}

// CheckURL implements checkmate.URLChecker. Reasons named in
// opts.IgnoreReasons are not blocked.
func (b *Blocklist) CheckURL(_ context.Context, rawURL string, opts checkmate.CheckOptions) (*checkmate.BlockResponse, error) {
	if err := checkmate.ValidateURL(rawURL); err != nil {
		return nil, err
	}
	reason, blocked := b.IsBlocked(rawURL)
	if !blocked || slices.Contains(opts.IgnoreReasons, string(reason)) {
		return nil, nil
	}
	return &checkmate.BlockResponse{
		ReasonCodes:     []string{string(reason)},
		PresentationURL: b.presentationURL(rawURL, reason, opts.BlockedFor),
	}, nil
}

func (b *Blocklist) presentationURL(rawURL string, reason Reason, blockedFor string) string {
	u, err := url.Parse(b.blockPageURL)
	if err != nil {
		// Validated at config load.
		return b.blockPageURL
	}
	q := u.Query()
	q.Set("url", rawURL)
	q.Set("reason", string(reason))
	if blockedFor != "" {
		q.Set("blocked_for", blockedFor)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// refresh reloads the file when its modification time differs from the
// loaded snapshot. Concurrent callers may both reload; the last store wins
// and both results are equivalent.
func (b *Blocklist) refresh() {
	info, err := os.Stat(b.filename)
	if err != nil {
		b.logger.Warn("cannot find blocklist file", "path", b.filename, "error", err)
		return
	}
	if info.ModTime().Equal(b.current.Load().modTime) {
		return
	}

	b.logger.Debug("reloading blocklist file", "path", b.filename)
	snap, err := b.load(info.ModTime())
	if err != nil {
		b.logger.Error("failed to reload blocklist", "path", b.filename, "error", err)
		b.recordReload("error")
		return
	}
	b.current.Store(snap)
	b.recordReload("ok")
	if b.metrics != nil {
		b.metrics.BlocklistEntries.Set(float64(snap.size()))
	}
	b.logger.Info("blocklist loaded", "path", b.filename, "entries", snap.size())
}

func (b *Blocklist) recordReload(result string) {
	if b.metrics != nil {
		b.metrics.BlocklistReloads.WithLabelValues(result).Inc()
	}
}

func (b *Blocklist) load(modTime time.Time) (*snapshot, error) {
	f, err := os.Open(b.filename)
	if err != nil {
		return nil, fmt.Errorf("open blocklist: %w", err)
	}
	defer f.Close()

	snap, err := parse(f, b.logger)
	if err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}
	snap.modTime = modTime
	return snap, nil
}

func parse(r io.Reader, logger *slog.Logger) (*snapshot, error) {
	snap := &snapshot{domains: map[string]Reason{}}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		m := linePattern.FindStringSubmatch(line)
		if m == nil {
			logger.Warn("cannot parse blocklist line", "line", line)
			continue
		}

		domain, reason := strings.ToLower(m[1]), ParseReason(m[2])
		if slices.Contains(permitted, reason) {
			continue
		}
		if strings.Contains(domain, "*") {
			snap.patterns = append(snap.patterns, pattern{glob: domain, reason: reason})
		} else {
			snap.domains[domain] = reason
		}
	}
	return snap, scanner.Err()
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if u.Scheme == "" {
		u, err = url.Parse("http://" + strings.TrimLeft(rawURL, "/"))
		if err != nil {
			return ""
		}
	}
	return strings.ToLower(u.Hostname())
}
