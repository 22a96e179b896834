package msgfmt

import (
	"strconv"
	"strings"
	"time"

	"tgmonitor/internal/domain"
)

// displayZone is the fixed UTC+8 offset used for forwarded timestamps.
var displayZone = time.FixedZone("UTC+8", 8*60*60)

const separatorLine = "`--------------------------------`"

// MonitorMessage is everything needed to render one forwarded message.
type MonitorMessage struct {
	Text          string
	Source        domain.Identity
	Sender        domain.Identity
	Keywords      []domain.KeywordRule
	Time          time.Time
	MessageID     int64
	Advertisement string
}

// FormatForMonitor renders the forwarded message block in MarkdownV2.
// Params: message text, identities, matched keywords, event time, message id, advertisement.
// Returns: newline-joined block with blank parts dropped.
func FormatForMonitor(msg MonitorMessage) string {
	styled := Render(msg.Text, MergeStyles(msg.Keywords))
	senderID := strconv.FormatInt(msg.Sender.ID, 10)

	parts := []string{
		"内容：" + styled,
		"发送ID：`" + senderID + "`",
		"发送方：[" + EscapeMarkdownV2(msg.Sender.Title) + "](tg://user?id=" + senderID + ")   " + formatUsernames(msg.Sender.Usernames),
		"来源：`" + EscapeCode(msg.Source.Title) + "`    " + formatUsernames(msg.Source.Usernames),
		"时间：`" + FormatTime(msg.Time) + "`",
		formatLink(msg.Source, msg.MessageID),
		"*命中关键词：* " + formatKeywordList(msg.Keywords),
		separatorLine,
		formatAdvertisement(msg.Advertisement),
	}

	kept := parts[:0]
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "\n")
}

// FormatTime renders time in the fixed display zone as YYYY-MM-DD HH:MM:SS.
// Params: event time.
// Returns: formatted timestamp.
func FormatTime(t time.Time) string {
	return t.In(displayZone).Format("2006-01-02 15:04:05")
}

// MessageLink builds the public or internal t.me link to a message.
// Params: source identity and message id.
// Returns: link or empty string when message id is absent.
func MessageLink(source domain.Identity, messageID int64) string {
	if messageID <= 0 {
		return ""
	}
	id := strconv.FormatInt(messageID, 10)
	if username := strings.TrimPrefix(source.PrimaryUsername, "@"); username != "" {
		return "https://t.me/" + username + "/" + id
	}
	if source.ID != 0 {
		return "https://t.me/c/" + internalChatID(source.ID) + "/" + id
	}
	return ""
}

// internalChatID strips the Bot API "-100" channel prefix and sign.
func internalChatID(chatID int64) string {
	raw := strconv.FormatInt(chatID, 10)
	if strings.HasPrefix(raw, "-100") && len(raw) > 4 {
		return raw[4:]
	}
	return strings.TrimPrefix(raw, "-")
}

func formatLink(source domain.Identity, messageID int64) string {
	link := MessageLink(source, messageID)
	if link == "" {
		return ""
	}
	return "链接：[【直达】](" + escapeLinkURL(link) + ")"
}

// escapeLinkURL escapes characters MarkdownV2 reserves inside inline link URLs.
func escapeLinkURL(link string) string {
	return strings.NewReplacer("\\", "\\\\", ")", "\\)").Replace(link)
}

func formatUsernames(usernames []string) string {
	if len(usernames) == 0 {
		return ""
	}
	out := make([]string, 0, len(usernames))
	for _, name := range usernames {
		name = strings.TrimPrefix(strings.TrimSpace(name), "@")
		if name == "" {
			continue
		}
		out = append(out, EscapeMarkdownV2("@"+name))
	}
	return strings.Join(out, " ")
}

func formatKeywordList(rules []domain.KeywordRule) string {
	out := make([]string, 0, len(rules))
	for _, rule := range rules {
		out = append(out, "\\#"+EscapeMarkdownV2(rule.Content))
	}
	return strings.Join(out, ", ")
}

func formatAdvertisement(ad string) string {
	ad = strings.TrimSpace(ad)
	if ad == "" {
		return ""
	}
	return "*" + EscapeMarkdownV2(ad) + "*"
}
