package domain

import "strings"

// PeerKind tags a resolved peer as a user or a chat/channel.
type PeerKind int

const (
	// PeerChat covers basic groups, supergroups and channels.
	PeerChat PeerKind = iota
	// PeerUser covers user accounts and bots.
	PeerUser
)

// String returns the peer kind label.
// Params: none.
// Returns: "user" or "chat".
func (k PeerKind) String() string {
	if k == PeerUser {
		return "user"
	}
	return "chat"
}

// Peer is the raw entity returned by the network client for one id.
// Params: user fields (first/last name) or chat fields (title, flags).
// Returns: transport projection consumed by the peer resolver.
type Peer struct {
	ID        int64    `json:"id"`
	FirstName *string  `json:"first_name,omitempty"`
	LastName  string   `json:"last_name,omitempty"`
	Title     string   `json:"title,omitempty"`
	Username  string   `json:"username,omitempty"`
	Usernames []string `json:"usernames,omitempty"`
	Broadcast bool     `json:"broadcast,omitempty"`
	Megagroup bool     `json:"megagroup,omitempty"`
	Left      bool     `json:"left,omitempty"`
	Kicked    bool     `json:"kicked,omitempty"`
}

// IsUser reports whether the entity is a user; users carry a first name field.
// Params: none.
// Returns: true when FirstName is present.
func (p Peer) IsUser() bool {
	return p.FirstName != nil
}

// Kind returns the tag used by the peer cache.
// Params: none.
// Returns: PeerUser or PeerChat.
func (p Peer) Kind() PeerKind {
	if p.IsUser() {
		return PeerUser
	}
	return PeerChat
}

// DisplayTitle returns "first last" for users and the chat title otherwise.
// Params: none.
// Returns: trimmed display title.
func (p Peer) DisplayTitle() string {
	if p.IsUser() {
		return strings.TrimSpace(*p.FirstName + " " + p.LastName)
	}
	return p.Title
}

// AllUsernames returns the primary username followed by extra usernames, deduplicated.
// Params: none.
// Returns: usernames without '@' prefix.
func (p Peer) AllUsernames() []string {
	out := make([]string, 0, len(p.Usernames)+1)
	seen := make(map[string]struct{}, len(p.Usernames)+1)
	add := func(name string) {
		name = strings.TrimPrefix(strings.TrimSpace(name), "@")
		if name == "" {
			return
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	add(p.Username)
	for _, name := range p.Usernames {
		add(name)
	}
	return out
}

// ChatLabel returns the dialog type label shown in dialog lists.
// Params: none.
// Returns: Channel, Group, User or Chat.
func (p Peer) ChatLabel() string {
	switch {
	case p.Broadcast:
		return "Channel"
	case p.Megagroup:
		return "Group"
	case p.IsUser():
		return "User"
	default:
		return "Chat"
	}
}

// CanSend reports whether the account is still a member of the chat.
// Params: none.
// Returns: false for left or kicked chats.
func (p Peer) CanSend() bool {
	return !p.Left && !p.Kicked
}

// Identity is display information for a resolved peer.
type Identity struct {
	ID              int64    `json:"id"`
	Title           string   `json:"title"`
	PrimaryUsername string   `json:"primaryUsername,omitempty"`
	Usernames       []string `json:"usernames,omitempty"`
}

// IdentityOf projects a peer into display identity.
// Params: raw peer.
// Returns: identity with title and usernames.
func IdentityOf(p Peer) Identity {
	return Identity{
		ID:              p.ID,
		Title:           p.DisplayTitle(),
		PrimaryUsername: strings.TrimPrefix(strings.TrimSpace(p.Username), "@"),
		Usernames:       p.AllUsernames(),
	}
}

// Dialog is one entry of the account dialog list.
type Dialog struct {
	ID           int64  `json:"id"`
	DisplayTitle string `json:"displayTitle"`
	IsChannel    bool   `json:"isChannel"`
	IsGroup      bool   `json:"isGroup"`
}

// DialogOf renders a dialog list entry as "[Kind](@username)title".
// Params: raw peer from the dialog list.
// Returns: dialog entry.
func DialogOf(p Peer) Dialog {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(p.ChatLabel())
	b.WriteString("]")
	if username := strings.TrimPrefix(strings.TrimSpace(p.Username), "@"); username != "" {
		b.WriteString("(@")
		b.WriteString(username)
		b.WriteString(")")
	}
	b.WriteString(p.DisplayTitle())
	return Dialog{
		ID:           p.ID,
		DisplayTitle: b.String(),
		IsChannel:    p.Broadcast,
		IsGroup:      p.Megagroup,
	}
}
