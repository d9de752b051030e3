package dto

import (
	"time"

	"portfolio/internal/guestbook"
	"portfolio/internal/model"
)

// GuestbookCreateDTO is used for incoming post requests. Content is trimmed
// before validation.
type GuestbookCreateDTO struct {
	Content string `json:"content" validate:"required,max=500"`
}

type GuestbookEntryResponseDTO struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type AuthorDTO struct {
	Name        string  `json:"name"`
	Email       string  `json:"email"`
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
	Role        string  `json:"role"`
}

type GuestbookMessageDTO struct {
	GuestbookEntryResponseDTO
	Author *AuthorDTO `json:"author"`
}

// GuestbookViewDTO is returned by the list endpoint and pushed on the stream.
type GuestbookViewDTO struct {
	Messages []GuestbookMessageDTO `json:"messages"`
	Status   string                `json:"status"`
}

type ProfileResponseDTO struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
	Role        string  `json:"role"`
}

func NewGuestbookEntryResponse(e *model.GuestbookEntry) GuestbookEntryResponseDTO {
	return GuestbookEntryResponseDTO{
		ID:        e.ID,
		UserID:    e.UserID,
		Content:   e.Content,
		CreatedAt: e.CreatedAt,
	}
}

func NewGuestbookView(v guestbook.View) GuestbookViewDTO {
	out := GuestbookViewDTO{
		Messages: make([]GuestbookMessageDTO, 0, len(v.Messages)),
		Status:   v.Status.String(),
	}
	for i := range v.Messages {
		m := &v.Messages[i]
		item := GuestbookMessageDTO{GuestbookEntryResponseDTO: NewGuestbookEntryResponse(&m.GuestbookEntry)}
		if m.Author != nil {
			item.Author = &AuthorDTO{
				Name:        m.Author.Name(),
				Email:       m.Author.Email,
				DisplayName: m.Author.DisplayName,
				AvatarURL:   m.Author.AvatarURL,
				Role:        string(m.Author.Role),
			}
		}
		out.Messages = append(out.Messages, item)
	}
	return out
}
