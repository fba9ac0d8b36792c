package rest

import "time"

// User is a chat user as returned by the REST API.
type User struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Phone      string     `json:"phone,omitempty"`
	AvatarURL  string     `json:"avatarUrl,omitempty"`
	LastActive *time.Time `json:"lastActive,omitempty"`
	Online     bool       `json:"online,omitempty"`
}

// Conversation types.
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Conversation is a direct chat or a group.
type Conversation struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"` // direct | group
	Name        string   `json:"name,omitempty"`
	AvatarURL   string   `json:"avatarUrl,omitempty"`
	OwnerID     string   `json:"ownerId,omitempty"`
	CoOwnerIDs  []string `json:"coOwnerIds,omitempty"`
	Members     []User   `json:"members,omitempty"`
	MemberCount int      `json:"memberCount,omitempty"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}

// Message kinds. System messages are synthesized locally for
// membership changes as well as returned by the server.
const (
	MessageText   = "text"
	MessageImage  = "image"
	MessageFile   = "file"
	MessageSystem = "system"
)

// Message is a single conversation message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId,omitempty"`
	Type           string    `json:"type"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// FriendRequest is a pending friend request.
type FriendRequest struct {
	ID         string    `json:"id"`
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TokenPair carries the access/refresh token pair issued at login and
// on every refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// LoginResult is the login response: the authenticated user plus the
// initial token pair.
type LoginResult struct {
	User   User      `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// MediaToken is the credential handed to the media engine for one
// room. Also delivered over the realtime channel as the
// refreshZegoToken response.
type MediaToken struct {
	Token                  string `json:"token"`
	AppID                  string `json:"appId"`
	UserID                 string `json:"userId"`
	EffectiveTimeInSeconds int    `json:"effectiveTimeInSeconds"`
}

// Upload is the result of a media upload.
type Upload struct {
	URL string `json:"url"`
}
