package collector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/socialpulse/pulse/engine/domain"
	"github.com/socialpulse/pulse/pkg/fn"
)

// X searches recent posts through the X API v2.
type X struct {
	baseURL string
	token   string
	fetch   *fetcher
}

// NewX creates an X collector. baseURL is the API root, e.g.
// https://api.twitter.com/2.
func NewX(baseURL, bearerToken string, opts Options) *X {
	return &X{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   bearerToken,
		fetch:   newFetcher(domain.PlatformX, opts, nil),
	}
}

func (x *X) Platform() domain.Platform { return domain.PlatformX }

type xSearchResponse struct {
	Data     []json.RawMessage `json:"data"`
	Includes struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"users"`
	} `json:"includes"`
	Meta struct {
		NextToken   string `json:"next_token"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
}

type xTweet struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	AuthorID  string `json:"author_id"`
	CreatedAt string `json:"created_at"`
	Lang      string `json:"lang"`
}

func (x *X) Collect(ctx context.Context, scope domain.ClusterScope) <-chan fn.Result[domain.Candidate] {
	ch := make(chan fn.Result[domain.Candidate], 32)

	go func() {
		defer close(ch)

		if x.token == "" {
			send(ctx, ch, terminal(domain.PlatformX, x.fetch.fail(domain.KindAuth, "bearer token not configured")))
			return
		}
		query := scope.Query()
		if query == "" {
			return
		}
		query += " -is:retweet"
		if scope.Language != "" {
			query += " lang:" + scope.Language
		}

		header := http.Header{"Authorization": {"Bearer " + x.token}}
		remaining := x.fetch.opts.MaxResults
		next := ""
		for remaining > 0 {
			page := min(max(remaining, 10), 100)
			params := url.Values{
				"query":        {query},
				"max_results":  {strconv.Itoa(page)},
				"tweet.fields": {"created_at,author_id,lang"},
				"expansions":   {"author_id"},
				"user.fields":  {"username"},
			}
			if next != "" {
				params.Set("next_token", next)
			}

			var resp xSearchResponse
			if err := x.fetch.getJSON(ctx, x.baseURL+"/tweets/search/recent?"+params.Encode(), header, &resp); err != nil {
				send(ctx, ch, terminal(domain.PlatformX, err))
				return
			}

			users := make(map[string]string, len(resp.Includes.Users))
			for _, u := range resp.Includes.Users {
				users[u.ID] = u.Username
			}
			for _, raw := range resp.Data {
				if remaining == 0 {
					break
				}
				remaining--
				if !send(ctx, ch, x.normalise(scope, raw, users)) {
					return
				}
			}
			next = resp.Meta.NextToken
			if next == "" || len(resp.Data) == 0 {
				return
			}
		}
	}()
	return ch
}

func (x *X) normalise(scope domain.ClusterScope, raw json.RawMessage, users map[string]string) fn.Result[domain.Candidate] {
	var t xTweet
	if err := json.Unmarshal(raw, &t); err != nil {
		return fn.Err[domain.Candidate](errors.Join(domain.ErrMalformedItem, err))
	}
	if t.ID == "" || strings.TrimSpace(t.Text) == "" {
		return malformed("tweet without id or text")
	}
	author := users[t.AuthorID]
	link := ""
	if author != "" {
		link = "https://x.com/" + author + "/status/" + t.ID
	}
	return fn.Ok(domain.Candidate{
		Platform:    domain.PlatformX,
		ExternalID:  t.ID,
		ScopeID:     scope.ID,
		Text:        t.Text,
		Author:      author,
		URL:         link,
		PublishedAt: parseTime(t.CreatedAt),
		Payload:     raw,
	})
}
