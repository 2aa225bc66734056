package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/loomhq/loom/runtime/action"
)

// SendTelegram returns the sendTelegram action. Configuration: credentialId
// (required, data carries botToken and optionally chatId), chatId (overrides
// the credential's), message (required). Unlike httpRequest the credential
// is mandatory; there is no unauthenticated Bot API.
func SendTelegram(cfg Config) action.Func {
	base := cfg.TelegramBaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	return func(ctx context.Context, in action.Input) action.Result {
		id := str(in.Data, "credentialId")
		if id == "" {
			return action.Fail("sendTelegram node requires a credential")
		}
		if in.Services == nil {
			return action.Fail("credential service unavailable")
		}
		data, err := in.Services.Credential(ctx, id)
		if err != nil {
			return action.Failf("resolve credential: %v", err)
		}
		token, _ := data["botToken"].(string)
		if token == "" {
			return action.Fail("credential is missing botToken")
		}
		chatID := str(in.Data, "chatId")
		if chatID == "" {
			chatID, _ = data["chatId"].(string)
		}
		if chatID == "" {
			return action.Fail("sendTelegram node requires a chatId")
		}
		message := str(in.Data, "message")
		if message == "" {
			return action.Fail("sendTelegram node requires a message")
		}

		body, err := json.Marshal(map[string]any{
			"chat_id":    chatID,
			"text":       message,
			"parse_mode": "HTML",
		})
		if err != nil {
			return action.Failf("encode telegram request: %v", err)
		}
		url := fmt.Sprintf("%s/bot%s/sendMessage", base, token)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return action.Failf("build telegram request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := cfg.HTTPClient.Do(req)
		if err != nil {
			return action.Failf("telegram request failed: %v", err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		var apiResp struct {
			OK          bool            `json:"ok"`
			Description string          `json:"description"`
			Result      json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(raw, &apiResp); err != nil || !apiResp.OK {
			desc := apiResp.Description
			if desc == "" {
				desc = truncate(string(raw), 256)
			}
			return action.Failf("telegram API error: %s", desc)
		}
		var result any
		_ = json.Unmarshal(apiResp.Result, &result)
		return action.OK(map[string]any{"sent": true, "chatId": chatID, "result": result})
	}
}
