// Package bot is the chat transport: it watches for video files shared with
// the bot, feeds them through ingest and replies with the download link.
package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"golang.org/x/time/rate"

	"github.com/viddrop/viddrop/internal/ingest"
)

const helpText = "Share a video file with me (mp4, mkv, avi, mov or wmv) and " +
	"I'll reply with a download link that stays valid for 2 hours."

type Bot struct {
	api      *slack.Client
	socket   *socketmode.Client
	ingestor *ingest.Orchestrator
	// limiter paces Web API calls; Slack tolerates roughly 100/min.
	limiter  *rate.Limiter
	maxBytes int64
}

func New(botToken, appToken string, ingestor *ingest.Orchestrator, maxBytes int64) *Bot {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	return &Bot{
		api:      api,
		socket:   socketmode.New(api),
		ingestor: ingestor,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/100), 100),
		maxBytes: maxBytes,
	}
}

// Run connects in Socket Mode and processes events until the context is
// cancelled. Individual event failures are logged and answered in-channel;
// they never terminate the loop.
func (b *Bot) Run(ctx context.Context) error {
	go b.eventLoop(ctx)
	return b.socket.RunContext(ctx)
}

func (b *Bot) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("bot: shutting down")
			return
		case evt, ok := <-b.socket.Events:
			if !ok {
				return
			}
			b.handleEvent(ctx, evt)
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		slog.Info("bot: connected to Slack")
	case socketmode.EventTypeConnectionError:
		slog.Error("bot: connection error", "data", evt.Data)
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			b.socket.Ack(*evt.Request)
		}
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		b.handleEventsAPI(ctx, apiEvent)
	}
}

func (b *Bot) handleEventsAPI(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		b.post(ctx, ev.Channel, helpText)
	case *slackevents.FileSharedEvent:
		b.handleFileShared(ctx, ev)
	}
}

func (b *Bot) handleFileShared(ctx context.Context, ev *slackevents.FileSharedEvent) {
	channel := ev.ChannelID
	if channel == "" {
		slog.Warn("bot: file shared without channel", "file_id", ev.FileID)
		return
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return
	}
	info, _, _, err := b.api.GetFileInfoContext(ctx, ev.FileID, 0, 0)
	if err != nil {
		slog.Error("bot: file info lookup failed", "file_id", ev.FileID, "error", err)
		b.post(ctx, channel, "Sorry, I couldn't read that file. Please try again.")
		return
	}

	if b.maxBytes > 0 && int64(info.Size) > b.maxBytes {
		b.post(ctx, channel, formatFailure(ingest.ErrTooLarge))
		return
	}

	var buf bytes.Buffer
	if err := b.limiter.Wait(ctx); err != nil {
		return
	}
	if err := b.api.GetFileContext(ctx, info.URLPrivateDownload, &buf); err != nil {
		slog.Error("bot: file download failed", "file_id", ev.FileID, "error", err)
		b.post(ctx, channel, "Sorry, I couldn't fetch that file. Please try again.")
		return
	}

	res, err := b.ingestor.Process(ctx, buf.Bytes(), info.Name)
	if err != nil {
		slog.Error("bot: ingest failed", "file_id", ev.FileID, "error", err)
		b.post(ctx, channel, formatFailure(err))
		return
	}

	b.post(ctx, channel, formatSuccess(res))
}

func (b *Bot) post(ctx context.Context, channel, text string) {
	if err := b.limiter.Wait(ctx); err != nil {
		return
	}
	if _, _, err := b.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	); err != nil {
		slog.Error("bot: post message failed", "channel", channel, "error", err)
	}
}

func formatSuccess(res ingest.Result) string {
	return fmt.Sprintf(
		"📁 File: %s\n💾 Size: %s\n⌛ Link expires in %s\n\n🔗 %s",
		res.FileName, res.SizeLabel, formatDuration(time.Until(res.ExpiresAt)), res.Link,
	)
}

func formatFailure(err error) string {
	switch {
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		return "That doesn't look like a video file. Supported formats: mp4, mkv, avi, mov, wmv."
	case errors.Is(err, ingest.ErrTooLarge):
		return "That file is too large for me to handle."
	default:
		return "Sorry, there was an error processing your file. Please try again."
	}
}

// formatDuration renders a TTL the way a person would say it.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	if d <= 0 {
		return "0 minutes"
	}
	if d < time.Hour {
		m := int(d.Minutes())
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) - h*60
	label := fmt.Sprintf("%d hours", h)
	if h == 1 {
		label = "1 hour"
	}
	if m > 0 {
		label += fmt.Sprintf(" %d minutes", m)
	}
	return label
}
