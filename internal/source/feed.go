package source

import (
	"context"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"exploitwatch/internal/incident"
)

const feedAccept = "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8"

// Feed reads an RSS or Atom feed of incident write-ups.
type Feed struct {
	http   httpFetcher
	url    string
	logger zerolog.Logger
}

// NewFeed constructs a feed fetcher.
func NewFeed(name, url string, opts HTTPOptions, logger zerolog.Logger) *Feed {
	return &Feed{
		http:   newHTTPFetcher(name, opts),
		url:    url,
		logger: logger.With().Str("component", "feed_source").Str("source", name).Logger(),
	}
}

func (f *Feed) Name() string { return f.http.name }

// Fetch downloads and parses the feed.
func (f *Feed) Fetch(ctx context.Context) ([]incident.RawCandidate, error) {
	items, err := fetchFeed(ctx, f.http, f.url)
	if err != nil {
		return nil, err
	}
	out := feedCandidates(f.Name(), items)
	f.logger.Debug().Int("candidates", len(out)).Msg("fetched feed")
	return out, nil
}

func fetchFeed(ctx context.Context, h httpFetcher, url string) ([]*gofeed.Item, error) {
	payload, err := h.get(ctx, url, feedAccept)
	if err != nil {
		return nil, err
	}
	parsed, err := gofeed.NewParser().ParseString(string(payload))
	if err != nil {
		return nil, h.malformed("feed", err)
	}
	return parsed.Items, nil
}

func feedCandidates(source string, items []*gofeed.Item) []incident.RawCandidate {
	out := make([]incident.RawCandidate, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		body := item.Description
		if strings.TrimSpace(item.Content) != "" {
			body = item.Content
		}
		ref := item.Link
		if ref == "" {
			ref = item.GUID
		}
		out = append(out, incident.RawCandidate{
			Source: source,
			Ref:    ref,
			Payload: &incident.TextPayload{
				Title:     strings.TrimSpace(item.Title),
				Body:      stripTags(body),
				Published: itemTime(item),
				Tags:      item.Categories,
			},
		})
	}
	return out
}

func itemTime(item *gofeed.Item) time.Time {
	switch {
	case item.PublishedParsed != nil:
		return item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		return item.UpdatedParsed.UTC()
	default:
		return time.Time{}
	}
}

// stripTags drops markup from feed bodies; entity decoding is left to the
// feed parser.
func stripTags(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	depth := 0
	for _, r := range s {
		switch {
		case r == '<':
			depth++
		case r == '>' && depth > 0:
			depth--
			b.WriteByte(' ')
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
