package ingress

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/mail"
	"strings"
)

// InboundEmail is the provider-independent form of a received message.
type InboundEmail struct {
	From        string       `json:"from"`
	To          string       `json:"to"`
	Subject     string       `json:"subject"`
	Text        string       `json:"text"`
	HTML        string       `json:"html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is the metadata of one file carried by an inbound email. File
// contents stay with the provider; trigger payloads carry metadata only.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// ErrUnparseableEmail indicates the request matched no known provider
// format.
var ErrUnparseableEmail = errors.New("unparseable inbound email")

// ParseInbound decodes an inbound email webhook. SendGrid posts
// multipart/form-data, Mailgun JSON or form-encoded fields; unknown formats
// fall back to the common field names.
func ParseInbound(r *http.Request) (*InboundEmail, error) {
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "multipart/form-data"):
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			return nil, ErrUnparseableEmail
		}
		msg := fromForm(r.Form.Get)
		msg.Attachments = fileAttachments(r.MultipartForm)
		return msg, nil
	case strings.HasPrefix(ct, "application/json"):
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			return nil, ErrUnparseableEmail
		}
		get := func(keys ...string) string {
			for _, k := range keys {
				if s, ok := fields[k].(string); ok && s != "" {
					return s
				}
			}
			return ""
		}
		msg := &InboundEmail{
			From:        get("from", "sender", "From"),
			To:          get("to", "recipient", "To"),
			Subject:     get("subject", "Subject"),
			Text:        get("text", "body-plain", "stripped-text"),
			HTML:        get("html", "body-html", "stripped-html"),
			Attachments: jsonAttachments(fields["attachments"]),
		}
		return normalize(msg)
	default:
		if err := r.ParseForm(); err != nil {
			return nil, ErrUnparseableEmail
		}
		return fromForm(r.Form.Get), nil
	}
}

func fromForm(get func(string) string) *InboundEmail {
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v := get(k); v != "" {
				return v
			}
		}
		return ""
	}
	msg := &InboundEmail{
		From:    pick("from", "sender"),
		To:      pick("to", "recipient"),
		Subject: pick("subject"),
		Text:    pick("text", "body-plain", "stripped-text"),
		HTML:    pick("html", "body-html", "stripped-html"),
	}
	// SendGrid carries the routable recipient in the envelope.
	if env := get("envelope"); env != "" {
		var envelope struct {
			To []string `json:"to"`
		}
		if err := json.Unmarshal([]byte(env), &envelope); err == nil && len(envelope.To) > 0 {
			msg.To = envelope.To[0]
		}
	}
	out, _ := normalize(msg)
	return out
}

// normalize strips display names so trigger lookup matches on the bare
// address.
func normalize(msg *InboundEmail) (*InboundEmail, error) {
	msg.To = bareAddress(msg.To)
	msg.From = strings.TrimSpace(msg.From)
	return msg, nil
}

// fileAttachments collects the metadata of every uploaded file part, the
// way SendGrid's inbound parse posts them (attachment1, attachment2, ...).
func fileAttachments(form *multipart.Form) []Attachment {
	if form == nil {
		return nil
	}
	var out []Attachment
	for _, headers := range form.File {
		for _, fh := range headers {
			out = append(out, Attachment{
				Filename:    fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Size:        fh.Size,
			})
		}
	}
	return out
}

// jsonAttachments reads the Mailgun "attachments" field, a JSON array of
// stored-file descriptors, delivered either inline or as a string.
func jsonAttachments(v any) []Attachment {
	if s, ok := v.(string); ok {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil
		}
		v = decoded
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []Attachment
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		a := Attachment{}
		if name, ok := m["name"].(string); ok {
			a.Filename = name
		} else if name, ok := m["filename"].(string); ok {
			a.Filename = name
		}
		if ct, ok := m["content-type"].(string); ok {
			a.ContentType = ct
		}
		if size, ok := m["size"].(float64); ok {
			a.Size = int64(size)
		}
		if a.Filename == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}

func bareAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(s)
}
