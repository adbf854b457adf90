package offlinecache

import (
	"context"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultPushTitle = "New update"
	DefaultPushBody  = "New update available"
)

type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions,omitempty"`
}

type NotificationData struct {
	// Unix milliseconds.
	DateOfArrival int64  `json:"dateOfArrival"`
	PrimaryKey    string `json:"primaryKey"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// PushFormatter builds the notification fields from a push payload.
// The worker does not interpret the payload otherwise.
type PushFormatter interface {
	Format(payload []byte) (title, body, icon string)
}

// DefaultPushFormatter reads title, body and icon from a JSON payload.
// Any other payload is used as the body text.
type DefaultPushFormatter struct {
	Title string
	Body  string
	Icon  string
}

func (f DefaultPushFormatter) Format(payload []byte) (title, body, icon string) {
	title, body, icon = f.Title, f.Body, f.Icon
	if title == "" {
		title = DefaultPushTitle
	}
	if body == "" {
		body = DefaultPushBody
	}
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return title, body, icon
	}
	if !gjson.Valid(text) || !gjson.Parse(text).IsObject() {
		return title, text, icon
	}
	fields := gjson.GetMany(text, "title", "body", "icon")
	if fields[0].String() != "" {
		title = fields[0].String()
	}
	if fields[1].String() != "" {
		body = fields[1].String()
	}
	if fields[2].String() != "" {
		icon = fields[2].String()
	}
	return title, body, icon
}

// OnPush turns a push payload into the notification to display.
func (wk *Worker) OnPush(payload []byte) Notification {
	title, body, icon := wk.push.Format(payload)
	wk.log.Debug().Str("title", title).Msg("Received push")
	return Notification{
		Title:   title,
		Body:    body,
		Icon:    icon,
		Badge:   icon,
		Vibrate: []int{100, 50, 100},
		Data: NotificationData{
			DateOfArrival: wk.now().UnixMilli(),
			PrimaryKey:    "1",
		},
		Actions: []NotificationAction{
			{Action: "explore", Title: "Explore", Icon: icon},
			{Action: "close", Title: "Close", Icon: icon},
		},
	}
}

// OnNotificationClick returns the URL to open for the clicked notification.
// Every action, including close, opens the same page.
func (wk *Worker) OnNotificationClick(action string) string {
	wk.log.Debug().Str("action", action).Msg("Notification clicked")
	return wk.notificationURL
}

// OnSync handles a background sync event. Sync is not implemented,
// the "sync-data" tag is only acknowledged.
func (wk *Worker) OnSync(ctx context.Context, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tag != "sync-data" {
		wk.log.Trace().Str("tag", tag).Msg("Ignoring sync")
		return nil
	}
	wk.log.Info().Str("tag", tag).Time("at", wk.now().In(time.UTC)).Msg("Background sync triggered")
	return nil
}
