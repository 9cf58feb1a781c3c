package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
)

// Snapshot is a structured view of the tracker state.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Unreachable []string       `json:"unreachable"`
	Failures    map[string]int `json:"failures"`
	Hosts       []FetchStatus  `json:"hosts"`
	Timeouts    int            `json:"timeouts"`
	Failed      int            `json:"failed"`
	Dead        int            `json:"dead"`
}

// Snapshot copies the current state. Unlike Report it may be called any
// number of times.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{
		GeneratedAt: t.now(),
		Unreachable: sortedKeys(t.unreachable),
		Failures:    make(map[string]int, len(t.failures)),
		Hosts:       make([]FetchStatus, 0, len(t.stats)),
		Timeouts:    len(t.urls[crawler.URLKindTimeout]),
		Failed:      len(t.urls[crawler.URLKindFailed]),
		Dead:        len(t.urls[crawler.URLKindDead]),
	}
	for host, n := range t.failures {
		snap.Failures[host] = n
	}
	for _, status := range t.stats {
		snap.Hosts = append(snap.Hosts, status.clone())
	}
	sort.Slice(snap.Hosts, func(i, j int) bool {
		if snap.Hosts[i].Total != snap.Hosts[j].Total {
			return snap.Hosts[i].Total > snap.Hosts[j].Total
		}
		return snap.Hosts[i].Host < snap.Hosts[j].Host
	})
	return snap
}

// String renders the snapshot as a human readable report.
func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fetch tracker report %s\n", s.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Unreachable hosts (%d):", len(s.Unreachable))
	if len(s.Unreachable) == 0 {
		b.WriteString(" none")
	}
	b.WriteString("\n")
	for _, host := range s.Unreachable {
		fmt.Fprintf(&b, "  %s failures=%d\n", host, s.Failures[host])
	}
	fmt.Fprintf(&b, "Retry candidates: timeout=%d failed=%d dead=%d\n", s.Timeouts, s.Failed, s.Dead)
	fmt.Fprintf(&b, "Hosts (%d):\n", len(s.Hosts))
	for _, h := range s.Hosts {
		cats := make([]string, 0, len(h.Categories))
		for c, n := range h.Categories {
			cats = append(cats, fmt.Sprintf("%s=%d", c, n))
		}
		sort.Strings(cats)
		fmt.Fprintf(&b, "  %s total=%d seed=%d too_long=%d failures=%d [%s]\n",
			h.Host, h.Total, h.FromSeed, h.TooLong, s.Failures[h.Host], strings.Join(cats, " "))
	}
	return b.String()
}

// Report logs the report. Only the first call has any effect; it returns
// whether this call emitted it.
func (t *Tracker) Report() bool {
	emitted := false
	t.reportOnce.Do(func() {
		snap := t.Snapshot()
		t.logger.Info("Fetch tracker report",
			zap.Int("unreachable_hosts", len(snap.Unreachable)),
			zap.Int("hosts", len(snap.Hosts)),
			zap.Int("timeouts", snap.Timeouts),
			zap.Int("failed", snap.Failed),
			zap.Int("dead", snap.Dead),
		)
		t.logger.Info(snap.String())
		emitted = true
	})
	return emitted
}

func (t *Tracker) writeSnapshot(ctx context.Context) (string, error) {
	snap := t.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal tracker report: %w", err)
	}
	prefix := t.cfg.ReportPrefix
	if prefix == "" {
		prefix = "reports"
	}
	name := path.Join(prefix, fmt.Sprintf("tracker-%s.json", snap.GeneratedAt.UTC().Format("20060102T150405Z")))
	uri, err := t.blobs.PutObject(ctx, name, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("write tracker report: %w", err)
	}
	return uri, nil
}
