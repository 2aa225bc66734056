package actions

import (
	"context"

	"github.com/loomhq/loom/notify"
	"github.com/loomhq/loom/runtime/action"
)

// SendEmail returns the sendEmail action. Configuration: to (required),
// subject, html, text, from (defaults to the configured sender address).
func SendEmail(cfg Config) action.Func {
	return func(ctx context.Context, in action.Input) action.Result {
		to := str(in.Data, "to")
		if to == "" {
			return action.Fail("sendEmail node requires a recipient")
		}
		msg := notify.Message{
			From:    str(in.Data, "from"),
			To:      to,
			Subject: str(in.Data, "subject"),
			HTML:    str(in.Data, "html"),
			Text:    str(in.Data, "text"),
		}
		if msg.From == "" {
			msg.From = cfg.FromEmail
		}
		if msg.HTML == "" && msg.Text == "" {
			// Some flows configure the body under a generic key.
			msg.Text = str(in.Data, "body")
		}
		if err := cfg.Sender.Send(ctx, msg); err != nil {
			return action.Failf("send email: %v", err)
		}
		return action.OK(map[string]any{"sent": true, "to": to})
	}
}
