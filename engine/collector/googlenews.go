package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/socialpulse/pulse/engine/domain"
	"github.com/socialpulse/pulse/pkg/fn"
)

// GoogleNews reads the Google News RSS search feed.
type GoogleNews struct {
	baseURL  string
	language string
	region   string
	fetch    *fetcher
}

// NewGoogleNews creates a Google News collector. baseURL is the RSS search
// endpoint, e.g. https://news.google.com/rss/search.
func NewGoogleNews(baseURL, language, region string, opts Options) *GoogleNews {
	return &GoogleNews{
		baseURL:  baseURL,
		language: language,
		region:   region,
		fetch:    newFetcher(domain.PlatformGoogleNews, opts, nil),
	}
}

func (g *GoogleNews) Platform() domain.Platform { return domain.PlatformGoogleNews }

// newsPayload is the stored form of a feed item.
type newsPayload struct {
	GUID        string     `json:"guid"`
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	Description string     `json:"description"`
	Source      string     `json:"source,omitempty"`
	Published   *time.Time `json:"published,omitempty"`
	Categories  []string   `json:"categories,omitempty"`
}

func (g *GoogleNews) feedURL(scope domain.ClusterScope) string {
	lang, region := g.language, g.region
	if scope.Language != "" {
		lang = scope.Language
	}
	if scope.Region != "" {
		region = scope.Region
	}
	params := url.Values{"q": {scope.Query()}}
	if lang != "" && region != "" {
		params.Set("hl", lang+"-"+strings.ToUpper(region))
		params.Set("gl", strings.ToUpper(region))
		params.Set("ceid", strings.ToUpper(region)+":"+lang)
	}
	return g.baseURL + "?" + params.Encode()
}

func (g *GoogleNews) Collect(ctx context.Context, scope domain.ClusterScope) <-chan fn.Result[domain.Candidate] {
	ch := make(chan fn.Result[domain.Candidate], 32)

	go func() {
		defer close(ch)

		if scope.Query() == "" {
			return
		}
		body, err := g.fetch.get(ctx, g.feedURL(scope), nil)
		if err != nil {
			send(ctx, ch, terminal(domain.PlatformGoogleNews, err))
			return
		}
		feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
		if err != nil {
			send(ctx, ch, terminal(domain.PlatformGoogleNews, g.fetch.fail(domain.KindFormat, "parse feed: %w", err)))
			return
		}

		for i, item := range feed.Items {
			if i >= g.fetch.opts.MaxResults {
				return
			}
			if !send(ctx, ch, g.normalise(scope, item)) {
				return
			}
		}
	}()
	return ch
}

func (g *GoogleNews) normalise(scope domain.ClusterScope, item *gofeed.Item) fn.Result[domain.Candidate] {
	id := item.GUID
	if id == "" {
		id = item.Link
	}
	if id == "" {
		return malformed("feed item without guid or link")
	}
	title := cleanText(item.Title)
	desc := cleanText(item.Description)
	if desc == title {
		desc = ""
	}
	text := joinText(title, desc)
	if text == "" {
		return malformed("feed item %s without title", id)
	}

	p := newsPayload{
		GUID:        item.GUID,
		Title:       item.Title,
		Link:        item.Link,
		Description: item.Description,
		Published:   item.PublishedParsed,
		Categories:  item.Categories,
	}
	var author string
	if item.Author != nil {
		author = item.Author.Name
	}
	if src, ok := item.Custom["source"]; ok {
		p.Source = src
		if author == "" {
			author = src
		}
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return malformed("encode feed item %s: %v", id, err)
	}

	var published time.Time
	if item.PublishedParsed != nil {
		published = item.PublishedParsed.UTC()
	}
	return fn.Ok(domain.Candidate{
		Platform:    domain.PlatformGoogleNews,
		ExternalID:  id,
		ScopeID:     scope.ID,
		Text:        text,
		Author:      author,
		URL:         item.Link,
		PublishedAt: published,
		Payload:     payload,
	})
}
