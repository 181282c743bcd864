package crawl

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/iago/painel-back/internal/upstream"
)

type Channel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsArchived bool   `json:"is_archived"`
	IsMember   bool   `json:"is_member"`
}

type Message struct {
	TS         string `json:"ts"`
	User       string `json:"user"`
	BotID      string `json:"bot_id"`
	Subtype    string `json:"subtype"`
	Text       string `json:"text"`
	ThreadTS   string `json:"thread_ts"`
	ReplyCount int    `json:"reply_count"`
}

// Time converts the "seconds.micros" timestamp. Malformed values map to the zero time.
func (m Message) Time() time.Time {
	return ParseTS(m.TS)
}

// IsThreadParent reports whether the message opened a thread with replies.
func (m Message) IsThreadParent() bool {
	return m.ReplyCount > 0 && (m.ThreadTS == "" || m.ThreadTS == m.TS)
}

type responseMetadata struct {
	NextCursor string `json:"next_cursor"`
}

// ConversationsAPI adapts the messaging platform's cursor-paginated
// conversations endpoints to PageFuncs.
type ConversationsAPI struct {
	client  *upstream.Client
	baseURL string
	token   string
}

func NewConversationsAPI(client *upstream.Client, baseURL string, token string) *ConversationsAPI {
	return &ConversationsAPI{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// Channels lists conversations. ResourceID and the time bounds are ignored.
func (a *ConversationsAPI) Channels(ctx context.Context, request PageRequest) (Page[Channel], error) {
	query := a.pageQuery(request)
	query.Set("exclude_archived", "true")
	query.Set("types", "public_channel,private_channel")

	var payload struct {
		Channels []Channel        `json:"channels"`
		Metadata responseMetadata `json:"response_metadata"`
	}
	if err := a.get(ctx, "conversations.list", query, &payload); err != nil {
		return Page[Channel]{}, err
	}
	return Page[Channel]{Items: payload.Channels, NextCursor: payload.Metadata.NextCursor}, nil
}

// History reads the messages of the channel named by ResourceID.
func (a *ConversationsAPI) History(ctx context.Context, request PageRequest) (Page[Message], error) {
	query := a.pageQuery(request)
	query.Set("channel", request.ResourceID)
	applyBounds(query, request)

	var payload struct {
		Messages []Message        `json:"messages"`
		Metadata responseMetadata `json:"response_metadata"`
	}
	if err := a.get(ctx, "conversations.history", query, &payload); err != nil {
		return Page[Message]{}, err
	}
	return Page[Message]{Items: payload.Messages, NextCursor: payload.Metadata.NextCursor}, nil
}

// Replies returns a PageFunc reading the thread rooted at threadTS. The
// channel is taken from ResourceID.
func (a *ConversationsAPI) Replies(threadTS string) PageFunc[Message] {
	return func(ctx context.Context, request PageRequest) (Page[Message], error) {
		query := a.pageQuery(request)
		query.Set("channel", request.ResourceID)
		query.Set("ts", threadTS)
		applyBounds(query, request)

		var payload struct {
			Messages []Message        `json:"messages"`
			Metadata responseMetadata `json:"response_metadata"`
		}
		if err := a.get(ctx, "conversations.replies", query, &payload); err != nil {
			return Page[Message]{}, err
		}
		return Page[Message]{Items: payload.Messages, NextCursor: payload.Metadata.NextCursor}, nil
	}
}

func (a *ConversationsAPI) pageQuery(request PageRequest) url.Values {
	query := url.Values{}
	limit := request.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	query.Set("limit", strconv.Itoa(limit))
	if request.Cursor != "" {
		query.Set("cursor", request.Cursor)
	}
	return query
}

func (a *ConversationsAPI) get(ctx context.Context, method string, query url.Values, target any) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.token)
	err := a.client.CallJSON(ctx, upstream.Request{
		Method: http.MethodGet,
		URL:    a.baseURL + "/" + method,
		Query:  query,
		Header: header,
	}, target)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func applyBounds(query url.Values, request PageRequest) {
	if !request.Oldest.IsZero() {
		query.Set("oldest", FormatTS(request.Oldest))
	}
	if !request.Latest.IsZero() {
		query.Set("latest", FormatTS(request.Latest))
	}
	query.Set("inclusive", "true")
}

// FormatTS renders t as the platform's "seconds.micros" timestamp.
func FormatTS(t time.Time) string {
	micros := t.UnixMicro()
	return fmt.Sprintf("%d.%06d", micros/1_000_000, micros%1_000_000)
}

func ParseTS(raw string) time.Time {
	seconds, fraction, _ := strings.Cut(strings.TrimSpace(raw), ".")
	sec, err := strconv.ParseInt(seconds, 10, 64)
	if err != nil {
		return time.Time{}
	}
	micros := int64(0)
	if fraction != "" {
		if len(fraction) > 6 {
			fraction = fraction[:6]
		}
		fraction += strings.Repeat("0", 6-len(fraction))
		micros, err = strconv.ParseInt(fraction, 10, 64)
		if err != nil {
			return time.Time{}
		}
	}
	return time.UnixMicro(sec*1_000_000 + micros).UTC()
}
