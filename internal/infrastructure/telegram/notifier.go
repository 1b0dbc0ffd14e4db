package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/ports"
)

const defaultAPIBase = "https://api.telegram.org"

// maxListedURLs bounds the message size for tasks with many attempts.
const maxListedURLs = 10

// Notifier posts manual fallback tasks and system alerts to a Telegram chat
// via the bot API.
type Notifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

var (
	_ ports.Notifier = (*Notifier)(nil)
	_ ports.Alerter  = (*Notifier)(nil)
)

// NewNotifier registers bot token and chat identifier.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  defaultAPIBase,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// WithAPIBase points the notifier at another bot API host.
func (n *Notifier) WithAPIBase(base string) *Notifier {
	n.apiBase = strings.TrimRight(base, "/")
	return n
}

// NotifyManualTask announces a task that needs a human.
func (n *Notifier) NotifyManualTask(ctx context.Context, task domain.ManualFallbackTask) error {
	return n.send(ctx, FormatTask(task))
}

// Alert sends a system-level alert.
func (n *Notifier) Alert(ctx context.Context, message string) error {
	return n.send(ctx, "🚨 *ReportHarvester alert*\n"+escape(message))
}

// FormatTask renders a task as a Markdown message.
func FormatTask(task domain.ManualFallbackTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📄 *Manual download needed* (%s)\n", escape(task.Priority))
	fmt.Fprintf(&b, "%s: %s\n", escape(task.OrgID), escape(domain.PeriodLabel(task.Type, task.Year)))
	if !task.Deadline.IsZero() {
		fmt.Fprintf(&b, "Deadline: %s\n", task.Deadline.Format("2006-01-02"))
	}

	urls := task.AttemptedURLs()
	if len(urls) > 0 {
		b.WriteString("Tried:\n")
		for i, u := range urls {
			if i == maxListedURLs {
				fmt.Fprintf(&b, "…and %d more\n", len(urls)-maxListedURLs)
				break
			}
			fmt.Fprintf(&b, "• %s\n", escape(u))
		}
	}
	fmt.Fprintf(&b, "Task: `%s`", task.ID)
	return b.String()
}

func (n *Notifier) send(ctx context.Context, text string) error {
	if n.botToken == "" || n.chatID == "" || n.client == nil {
		return errors.Mark(errors.New("telegram notifier misconfigured"), errors.ErrMisconfigured)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", text)
	form.Set("parse_mode", "Markdown")
	form.Set("disable_web_page_preview", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("telegram error: %s", resp.Status)
	}

	return nil
}

var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

func escape(s string) string {
	return markdownEscaper.Replace(s)
}
