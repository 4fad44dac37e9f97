package main

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/guido-cesarano/mediaq/pkg/logger"
	"github.com/guido-cesarano/mediaq/pkg/queue"
	"github.com/guido-cesarano/mediaq/pkg/ratelimit"
	"github.com/guido-cesarano/mediaq/pkg/tasks"
)

// Download is the payload of a queued media download.
type Download struct {
	URL      string             `json:"url"`
	Category ratelimit.Category `json:"category,omitempty"`
	// AccountID pins the download to one account instead of letting the limiter choose.
	AccountID string `json:"account_id,omitempty"`
	// Thumbnail requests a thumbnail after the download, queued at the task's priority.
	Thumbnail bool `json:"thumbnail,omitempty"`
}

// DownloadResult is stored for every completed download.
type DownloadResult struct {
	URL         string    `json:"url"`
	AccountID   string    `json:"account_id"`
	Bytes       int64     `json:"bytes"`
	Thumbnail   bool      `json:"thumbnail"`
	CompletedAt time.Time `json:"completed_at"`
}

type resultStore interface {
	SetResult(ctx context.Context, taskID string, result any) error
}

// fetchFunc performs the remote call for one download on one account.
type fetchFunc func(ctx context.Context, d Download, accountID string) (DownloadResult, error)

// staticAccount is an account that is always connected.
type staticAccount string

func (a staticAccount) ID() string        { return string(a) }
func (a staticAccount) IsConnected() bool { return true }

// downloadHandler runs downloads through the rate limiter. The limiter applies the
// category retry policy, so its failures are not retried again by the queue.
func downloadHandler(rl *ratelimit.RateLimiter, results resultStore, fetch fetchFunc) queue.Handler[Download] {
	return func(ctx context.Context, task tasks.Task[Download]) error {
		d := task.Payload
		if d.Category == "" {
			d.Category = ratelimit.CategoryDownload
		}
		log := logger.Log.With().
			Str("task_id", task.ID).
			Str("category", string(d.Category)).
			Logger()

		res, err := ratelimit.Do(ctx, rl, ratelimit.Request{Category: d.Category, AccountID: d.AccountID},
			func(ctx context.Context, accountID string) (DownloadResult, error) {
				return fetch(ctx, d, accountID)
			})
		if err != nil {
			return ratelimit.Permanent(err)
		}

		if d.Thumbnail {
			req := ratelimit.Request{Category: ratelimit.CategoryThumbnail, AccountID: res.AccountID}
			fut, err := rl.QueueRequest(ctx, task.Priority, req, func(ctx context.Context, _ string) error {
				return sleep(ctx, 20*time.Millisecond)
			})
			if err != nil {
				return errors.Wrap(err, "queueing thumbnail")
			}
			if err := fut.Wait(ctx); err != nil {
				return ratelimit.Permanent(errors.Wrap(err, "thumbnail"))
			}
			res.Thumbnail = true
		}

		if err := results.SetResult(ctx, task.ID, res); err != nil {
			log.Error().Err(err).Msg("Failed to store download result")
			return err
		}
		log.Info().Str("account_id", res.AccountID).Int64("bytes", res.Bytes).Msg("Download finished")
		return nil
	}
}

// simulatedFetch stands in for the remote media API. Paths containing "missing" fail
// permanently and paths containing "slow" take two seconds.
func simulatedFetch(ctx context.Context, d Download, accountID string) (DownloadResult, error) {
	u, err := url.Parse(d.URL)
	if err != nil || u.Host == "" {
		return DownloadResult{}, ratelimit.Permanent(errors.Errorf("invalid url %q", d.URL))
	}
	delay := 100 * time.Millisecond
	switch {
	case strings.Contains(u.Path, "missing"):
		return DownloadResult{}, ratelimit.Permanent(errors.Errorf("%s: not found", d.URL))
	case strings.Contains(u.Path, "slow"):
		delay = 2 * time.Second
	}
	if err := sleep(ctx, delay); err != nil {
		return DownloadResult{}, err
	}
	return DownloadResult{
		URL:         d.URL,
		AccountID:   accountID,
		Bytes:       int64(len(d.URL)) * 1024,
		CompletedAt: time.Now().UTC(),
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
