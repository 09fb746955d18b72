package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	// Text is the fallback shown in notifications.
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// Slack posts to a Slack incoming webhook.
type Slack struct {
	client     *http.Client
	webhookURL string
}

func NewSlack(webhookURL string) *Slack {
	return &Slack{client: newHTTPClient(), webhookURL: webhookURL}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(slackMessageFor(n))
	if err != nil {
		return fmt.Errorf("encode slack message: %w", err)
	}
	if err := post(ctx, s.client, s.webhookURL, body, nil); err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	return nil
}

func slackMessageFor(n *Notification) slackMessage {
	msg := slackMessage{
		Text: n.Title,
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: n.Title}},
		},
	}
	if n.Body != "" {
		msg.Blocks = append(msg.Blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: n.Body}})
	}

	var fields []slackText
	if n.ArticleID != 0 {
		fields = append(fields, slackText{Type: "mrkdwn", Text: "*Article*\n" + strconv.FormatInt(n.ArticleID, 10)})
	}
	if n.UserID != "" {
		fields = append(fields, slackText{Type: "mrkdwn", Text: "*User*\n" + n.UserID})
	}
	if !n.Time.IsZero() {
		fields = append(fields, slackText{Type: "mrkdwn", Text: "*At*\n" + n.Time.Format(time.RFC3339)})
	}
	if n.Error != "" {
		fields = append(fields, slackText{Type: "mrkdwn", Text: "*Error*\n`" + n.Error + "`"})
	}
	if len(fields) > 0 {
		msg.Blocks = append(msg.Blocks, slackBlock{Type: "section", Fields: fields})
	}
	return msg
}
