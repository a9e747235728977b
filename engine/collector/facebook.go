package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/socialpulse/pulse/engine/domain"
	"github.com/socialpulse/pulse/pkg/fn"
)

// Facebook reads the public posts of the scope's pages through the Graph API
// and keeps the ones that mention a scope keyword.
type Facebook struct {
	baseURL string
	token   string
	fetch   *fetcher
}

// NewFacebook creates a Facebook collector. baseURL includes the API version,
// e.g. https://graph.facebook.com/v19.0.
func NewFacebook(baseURL, accessToken string, opts Options) *Facebook {
	return &Facebook{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   accessToken,
		fetch:   newFetcher(domain.PlatformFacebook, opts, classifyGraphError),
	}
}

func (f *Facebook) Platform() domain.Platform { return domain.PlatformFacebook }

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
	} `json:"error"`
}

// Graph API throttling and token codes.
var (
	graphQuotaCodes = map[int]bool{4: true, 17: true, 32: true, 613: true}
	graphAuthCodes  = map[int]bool{10: true, 102: true, 190: true, 200: true}
)

func classifyGraphError(status int, body []byte) error {
	var ge graphError
	if err := json.Unmarshal(body, &ge); err != nil || ge.Error.Code == 0 {
		return nil
	}
	cause := fmt.Errorf("graph error %d (%s): %s", ge.Error.Code, ge.Error.Type, ge.Error.Message)
	switch {
	case graphQuotaCodes[ge.Error.Code]:
		return domain.NewCollectionError(domain.PlatformFacebook, domain.KindQuota, cause)
	case graphAuthCodes[ge.Error.Code]:
		return domain.NewCollectionError(domain.PlatformFacebook, domain.KindAuth, cause)
	case status >= 500 || ge.Error.Code == 1 || ge.Error.Code == 2:
		return domain.NewCollectionError(domain.PlatformFacebook, domain.KindTransient, cause)
	}
	return nil
}

type graphPage struct {
	Data   []json.RawMessage `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

type graphPost struct {
	ID           string `json:"id"`
	Message      string `json:"message"`
	CreatedTime  string `json:"created_time"`
	PermalinkURL string `json:"permalink_url"`
	From         struct {
		Name string `json:"name"`
	} `json:"from"`
}

func (f *Facebook) Collect(ctx context.Context, scope domain.ClusterScope) <-chan fn.Result[domain.Candidate] {
	ch := make(chan fn.Result[domain.Candidate], 32)

	go func() {
		defer close(ch)

		if f.token == "" {
			send(ctx, ch, terminal(domain.PlatformFacebook, f.fetch.fail(domain.KindAuth, "access token not configured")))
			return
		}
		for _, pageID := range scope.FacebookPageIDs {
			if ctx.Err() != nil {
				return
			}
			if !f.collectPage(ctx, ch, scope, pageID) {
				return
			}
		}
	}()
	return ch
}

// collectPage streams one page's posts. It returns false once the stream
// has been terminated.
func (f *Facebook) collectPage(ctx context.Context, ch chan<- fn.Result[domain.Candidate], scope domain.ClusterScope, pageID string) bool {
	params := url.Values{
		"fields":       {"id,message,created_time,permalink_url,from"},
		"limit":        {strconv.Itoa(min(f.fetch.opts.MaxResults, 100))},
		"access_token": {f.token},
	}
	next := f.baseURL + "/" + url.PathEscape(pageID) + "/posts?" + params.Encode()
	remaining := f.fetch.opts.MaxResults

	for next != "" && remaining > 0 {
		var page graphPage
		if err := f.fetch.getJSON(ctx, next, nil, &page); err != nil {
			send(ctx, ch, terminal(domain.PlatformFacebook, err))
			return false
		}
		for _, raw := range page.Data {
			if remaining == 0 {
				break
			}
			remaining--
			r, keep := f.normalise(scope, raw)
			if !keep {
				continue
			}
			if !send(ctx, ch, r) {
				return false
			}
		}
		if len(page.Data) == 0 {
			break
		}
		next = page.Paging.Next
	}
	return true
}

// normalise converts one Graph post. Posts that do not mention the scope are
// dropped without counting as malformed.
func (f *Facebook) normalise(scope domain.ClusterScope, raw json.RawMessage) (fn.Result[domain.Candidate], bool) {
	var p graphPost
	if err := json.Unmarshal(raw, &p); err != nil {
		return fn.Err[domain.Candidate](errors.Join(domain.ErrMalformedItem, err)), true
	}
	if p.ID == "" {
		return malformed("graph post without id"), true
	}
	text := cleanText(p.Message)
	if text == "" || !scope.Matches(text) {
		return fn.Result[domain.Candidate]{}, false
	}
	return fn.Ok(domain.Candidate{
		Platform:    domain.PlatformFacebook,
		ExternalID:  p.ID,
		ScopeID:     scope.ID,
		Text:        text,
		Author:      p.From.Name,
		URL:         p.PermalinkURL,
		PublishedAt: parseTime(p.CreatedTime),
		Payload:     raw,
	}), true
}
