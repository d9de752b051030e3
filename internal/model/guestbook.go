package model

import "time"

// GuestbookEntry is a guestbook row as stored and as carried by change events.
type GuestbookEntry struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// GuestbookMessage is an entry joined with its author's profile. Author is
// nil when the profile row is missing.
type GuestbookMessage struct {
	GuestbookEntry
	Author *Author `json:"profiles"`
}

// Author is the public part of a profile shown next to a message.
type Author struct {
	Email       string  `db:"email" json:"email"`
	DisplayName *string `db:"display_name" json:"display_name"`
	AvatarURL   *string `db:"avatar_url" json:"avatar_url"`
	Role        Role    `db:"role" json:"role"`
}

// Name returns the label shown for the author.
func (a *Author) Name() string {
	if a == nil {
		return "anonymous"
	}
	if a.DisplayName != nil && *a.DisplayName != "" {
		return *a.DisplayName
	}
	return a.Email
}
