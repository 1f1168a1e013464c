package reporter

import (
	"context"
	"time"

	"resty.dev/v3"

	"github.com/vk/watergridgo/internal/ctxlog"
)

// stepCadence is the minimum interval between posted step updates. Terminal
// progress always goes through.
const stepCadence = 2 * time.Second

// Post reports to the web API with one POST per event, throttling step
// updates to a fixed cadence.
type Post struct {
	client   *resty.Client
	url      string
	lastStep time.Time
	now      func() time.Time
}

// NewPost builds a post reporter targeting baseURL/<action>.
func NewPost(baseURL string) *Post {
	return &Post{
		client: resty.New().SetTimeout(30 * time.Second),
		url:    baseURL,
		now:    time.Now,
	}
}

// Close releases the HTTP client.
func (p *Post) Close() error { return p.client.Close() }

func (p *Post) Report(ctx context.Context, action string, payload Payload) {
	if action == ActionStep && payload.Progress < 100 {
		if p.now().Sub(p.lastStep) < stepCadence {
			return
		}
		p.lastStep = p.now()
	}

	res, err := p.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(p.url + "/" + action)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to post progress.", "action", action, "error", err)
		return
	}
	if res.IsError() {
		ctxlog.FromContext(ctx).Warn("Progress endpoint returned an error.", "action", action, "status", res.StatusCode())
	}
}
