package gateway

import (
	"errors"
	"fmt"
	"strings"

	"tgmonitor/internal/domain"
	"tgmonitor/internal/permanent"
)

// Operation subjects relative to the configured prefix.
const (
	opConnect       = "connect"
	opDisconnect    = "disconnect"
	opAuthorized    = "authorized"
	opSendCode      = "send_code"
	opSignIn        = "sign_in"
	opCheckPassword = "check_password"
	opExportSession = "export_session"
	opDialogs       = "dialogs"
	opEntity        = "entity"
	opSend          = "send"
)

// ParseModeMarkdownV2 is the parse mode used for every outgoing message.
const ParseModeMarkdownV2 = "MarkdownV2"

// Remote error codes with special meaning.
const (
	CodePasswordNeeded     = "SESSION_PASSWORD_NEEDED"
	CodeBadRequest         = "BAD_REQUEST"
	CodePeerIDInvalid      = "PEER_ID_INVALID"
	CodeChatWriteForbidden = "CHAT_WRITE_FORBIDDEN"
)

// Request is the JSON body of every gateway operation.
type Request struct {
	SessionID     string `json:"session_id"`
	Session       string `json:"session,omitempty"`
	APIID         int    `json:"api_id,omitempty"`
	APIHash       string `json:"api_hash,omitempty"`
	Phone         string `json:"phone,omitempty"`
	PhoneCodeHash string `json:"phone_code_hash,omitempty"`
	Code          string `json:"code,omitempty"`
	Password      string `json:"password,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	PeerID        int64  `json:"peer_id,omitempty"`
	ChatID        int64  `json:"chat_id,omitempty"`
	Text          string `json:"text,omitempty"`
	ParseMode     string `json:"parse_mode,omitempty"`
}

// Reply is the JSON body of every gateway answer.
type Reply struct {
	OK            bool          `json:"ok"`
	Error         string        `json:"error,omitempty"`
	Code          string        `json:"code,omitempty"`
	Authorized    bool          `json:"authorized,omitempty"`
	PhoneCodeHash string        `json:"phone_code_hash,omitempty"`
	Session       string        `json:"session,omitempty"`
	Dialogs       []domain.Peer `json:"dialogs,omitempty"`
	Peer          *domain.Peer  `json:"peer,omitempty"`
}

// RemoteError is a failure reported by the gateway.
type RemoteError struct {
	Op      string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("gateway %s: %s (%s)", e.Op, e.Message, e.Code)
}

// Is lets errors.Is match ErrPasswordRequired on the 2FA code.
func (e *RemoteError) Is(target error) bool {
	return target == domain.ErrPasswordRequired && e.Code == CodePasswordNeeded
}

// replyError converts a failed reply into an error; permanent codes are tagged.
// Params: operation name and decoded reply.
// Returns: nil for ok replies.
func replyError(op string, reply Reply) error {
	if reply.OK {
		return nil
	}
	message := strings.TrimSpace(reply.Error)
	if message == "" {
		message = "request failed"
	}
	err := &RemoteError{Op: op, Code: reply.Code, Message: message}
	switch reply.Code {
	case CodeBadRequest, CodePeerIDInvalid, CodeChatWriteForbidden:
		return permanent.Mark(err)
	default:
		return err
	}
}

// IsPasswordRequired reports whether err asks for the two-factor password.
func IsPasswordRequired(err error) bool {
	return errors.Is(err, domain.ErrPasswordRequired)
}

// EventSubject returns the subject new-message events for one session arrive on.
// Params: subject prefix and phone number.
// Returns: "<prefix>.events.<digits>".
func EventSubject(prefix, phone string) string {
	return prefix + ".events." + sessionToken(phone)
}

// sessionToken strips characters that are not safe in one subject token.
func sessionToken(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
