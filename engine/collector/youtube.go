package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/socialpulse/pulse/engine/domain"
	"github.com/socialpulse/pulse/pkg/fn"
)

// YouTube searches recent videos through the YouTube Data API v3.
type YouTube struct {
	baseURL string
	apiKey  string
	fetch   *fetcher
}

// NewYouTube creates a YouTube collector. baseURL is the API root, e.g.
// https://www.googleapis.com/youtube/v3.
func NewYouTube(baseURL, apiKey string, opts Options) *YouTube {
	return &YouTube{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		fetch:   newFetcher(domain.PlatformYouTube, opts, classifyYouTubeError),
	}
}

func (y *YouTube) Platform() domain.Platform { return domain.PlatformYouTube }

type youtubeError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

func classifyYouTubeError(status int, body []byte) error {
	var ye youtubeError
	if err := json.Unmarshal(body, &ye); err != nil {
		return nil
	}
	for _, e := range ye.Error.Errors {
		cause := fmt.Errorf("status %d %s: %s", status, e.Reason, ye.Error.Message)
		switch e.Reason {
		case "quotaExceeded", "dailyLimitExceeded", "rateLimitExceeded", "userRateLimitExceeded":
			return domain.NewCollectionError(domain.PlatformYouTube, domain.KindQuota, cause)
		case "keyInvalid", "keyExpired", "forbidden", "accessNotConfigured":
			return domain.NewCollectionError(domain.PlatformYouTube, domain.KindAuth, cause)
		case "backendError":
			return domain.NewCollectionError(domain.PlatformYouTube, domain.KindTransient, cause)
		}
	}
	return nil
}

type youtubeSearchResponse struct {
	NextPageToken string            `json:"nextPageToken"`
	Items         []json.RawMessage `json:"items"`
}

type youtubeItem struct {
	ID struct {
		VideoID string `json:"videoId"`
	} `json:"id"`
	Snippet struct {
		Title        string `json:"title"`
		Description  string `json:"description"`
		ChannelTitle string `json:"channelTitle"`
		PublishedAt  string `json:"publishedAt"`
	} `json:"snippet"`
}

func (y *YouTube) Collect(ctx context.Context, scope domain.ClusterScope) <-chan fn.Result[domain.Candidate] {
	ch := make(chan fn.Result[domain.Candidate], 32)

	go func() {
		defer close(ch)

		if y.apiKey == "" {
			send(ctx, ch, terminal(domain.PlatformYouTube, y.fetch.fail(domain.KindAuth, "API key not configured")))
			return
		}
		query := scope.Query()
		if query == "" {
			return
		}

		remaining := y.fetch.opts.MaxResults
		pageToken := ""
		for remaining > 0 {
			params := url.Values{
				"part":       {"snippet"},
				"q":          {query},
				"type":       {"video"},
				"order":      {"date"},
				"maxResults": {strconv.Itoa(min(remaining, 50))},
				"key":        {y.apiKey},
			}
			if scope.Language != "" {
				params.Set("relevanceLanguage", scope.Language)
			}
			if scope.Region != "" {
				params.Set("regionCode", scope.Region)
			}
			if pageToken != "" {
				params.Set("pageToken", pageToken)
			}

			var resp youtubeSearchResponse
			if err := y.fetch.getJSON(ctx, y.baseURL+"/search?"+params.Encode(), http.Header{}, &resp); err != nil {
				send(ctx, ch, terminal(domain.PlatformYouTube, err))
				return
			}
			for _, raw := range resp.Items {
				if remaining == 0 {
					break
				}
				remaining--
				if !send(ctx, ch, y.normalise(scope, raw)) {
					return
				}
			}
			pageToken = resp.NextPageToken
			if pageToken == "" || len(resp.Items) == 0 {
				return
			}
		}
	}()
	return ch
}

func (y *YouTube) normalise(scope domain.ClusterScope, raw json.RawMessage) fn.Result[domain.Candidate] {
	var it youtubeItem
	if err := json.Unmarshal(raw, &it); err != nil {
		return fn.Err[domain.Candidate](errors.Join(domain.ErrMalformedItem, err))
	}
	if it.ID.VideoID == "" {
		return malformed("search result without videoId")
	}
	text := joinText(cleanText(it.Snippet.Title), cleanText(it.Snippet.Description))
	if text == "" {
		return malformed("video %s without title", it.ID.VideoID)
	}
	return fn.Ok(domain.Candidate{
		Platform:    domain.PlatformYouTube,
		ExternalID:  it.ID.VideoID,
		ScopeID:     scope.ID,
		Text:        text,
		Author:      it.Snippet.ChannelTitle,
		URL:         "https://www.youtube.com/watch?v=" + it.ID.VideoID,
		PublishedAt: parseTime(it.Snippet.PublishedAt),
		Payload:     raw,
	})
}
