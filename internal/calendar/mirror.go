package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/jw6ventures/council/internal/metrics"
)

var (
	// ErrUnknownCalendar is returned for names outside the configured set.
	ErrUnknownCalendar = errors.New("unknown calendar")
	// ErrUnavailable means no payload could be fetched and none is cached.
	ErrUnavailable = errors.New("calendar unavailable")
	// ErrMalformedFeed marks an upstream body that is not iCalendar. It is
	// only ever seen wrapped in a refresh failure.
	ErrMalformedFeed = errors.New("malformed calendar feed")
)

const (
	DefaultRefresh = 4 * time.Hour
	maxFeedBytes   = 10 << 20
)

// Snapshot is a cached calendar payload as served to clients.
type Snapshot struct {
	JSON      []byte
	Events    int
	Refreshed time.Time
	// Stale is set when the last refresh failed and an older payload is served.
	Stale bool
}

type entry struct {
	payload   []byte
	events    int
	refreshed time.Time
}

// Mirror caches configured calendar feeds as JSON. At most one upstream fetch
// per calendar is in flight at a time; a failed refresh keeps serving the
// previous payload.
type Mirror struct {
	feeds   map[string]string
	client  *http.Client
	refresh time.Duration
	timeout time.Duration
	now     func() time.Time
	encode  func(any) ([]byte, error)
	logger  logrus.FieldLogger

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]*entry
}

type Options struct {
	Refresh time.Duration
	Timeout time.Duration
	Client  *http.Client
}

func NewMirror(feeds map[string]string, opts Options, logger logrus.FieldLogger) *Mirror {
	if opts.Refresh <= 0 {
		opts.Refresh = DefaultRefresh
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	copied := make(map[string]string, len(feeds))
	for name, url := range feeds {
		copied[name] = url
	}
	return &Mirror{
		feeds:   copied,
		client:  client,
		refresh: opts.Refresh,
		timeout: opts.Timeout,
		now:     time.Now,
		encode:  json.Marshal,
		logger:  logger.WithField("component", "calendar"),
		entries: make(map[string]*entry, len(copied)),
	}
}

// Names lists the configured calendars, sorted.
func (m *Mirror) Names() []string {
	names := make([]string, 0, len(m.feeds))
	for name := range m.feeds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the calendar's upcoming events as JSON, refreshing the cache
// when the entry is missing or older than the refresh interval.
func (m *Mirror) Get(ctx context.Context, name string) (*Snapshot, error) {
	url, ok := m.feeds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCalendar, name)
	}

	if e := m.lookup(name); e != nil && m.fresh(e) {
		metrics.CalendarCache(name, "hit")
		return e.snapshot(false), nil
	}

	ch := m.group.DoChan(name, func() (any, error) {
		return m.refreshEntry(context.WithoutCancel(ctx), name, url)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		r := res.Val.(refreshResult)
		if r.stale {
			metrics.CalendarCache(name, "stale")
		} else {
			metrics.CalendarCache(name, "miss")
		}
		return r.entry.snapshot(r.stale), nil
	}
}

type refreshResult struct {
	entry *entry
	stale bool
}

func (m *Mirror) refreshEntry(ctx context.Context, name, url string) (refreshResult, error) {
	// A flight that finished just before this one may already have refreshed.
	prev := m.lookup(name)
	if prev != nil && m.fresh(prev) {
		return refreshResult{entry: prev}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	started := m.now()
	payload, parsed, upcoming, err := m.load(ctx, url)
	if err != nil {
		metrics.CalendarRefresh(name, "error")
		log := m.logger.WithError(err).WithField("calendar", name)
		if prev != nil {
			log.WithField("age", m.now().Sub(prev.refreshed).String()).Warn("calendar refresh failed, serving stale payload")
			return refreshResult{entry: prev, stale: true}, nil
		}
		log.Error("calendar refresh failed with empty cache")
		return refreshResult{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
	}

	e := &entry{payload: payload, events: upcoming, refreshed: started}
	m.mu.Lock()
	m.entries[name] = e
	m.mu.Unlock()

	metrics.CalendarRefresh(name, "ok")
	m.logger.WithFields(logrus.Fields{
		"calendar": name,
		"parsed":   parsed,
		"upcoming": upcoming,
	}).Info("calendar refreshed")
	return refreshResult{entry: e}, nil
}

// load fetches the feed and encodes its upcoming events. Any failure here is
// a refresh failure.
func (m *Mirror) load(ctx context.Context, url string) ([]byte, int, int, error) {
	events, err := m.fetch(ctx, url)
	if err != nil {
		return nil, 0, 0, err
	}
	upcoming := Upcoming(events, m.now())
	payload, err := m.encode(upcoming)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("encode events: %w", err)
	}
	return payload, len(events), len(upcoming), nil
}

func (m *Mirror) fetch(ctx context.Context, url string) ([]Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch feed: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	if len(body) > maxFeedBytes {
		return nil, fmt.Errorf("feed exceeds %d bytes", maxFeedBytes)
	}
	return ParseFeed(body)
}

func (m *Mirror) lookup(name string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[name]
}

func (m *Mirror) fresh(e *entry) bool {
	return m.now().Sub(e.refreshed) <= m.refresh
}

func (e *entry) snapshot(stale bool) *Snapshot {
	return &Snapshot{JSON: e.payload, Events: e.events, Refreshed: e.refreshed, Stale: stale}
}
