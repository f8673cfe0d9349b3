package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	AvatarKey    string
	CreatedAt    time.Time
}

type Order struct {
	ID          string
	CustomerID  string
	ArtisanID   string
	Title       string
	Description string
	Status      string
	Price       float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UserRef is the denormalized participant projection attached to messages at
// read time. AvatarKey is the stored opaque reference; the app layer swaps it
// for a presigned URL when a media resolver is configured.
type UserRef struct {
	ID        string
	Name      string
	AvatarKey string
}

type Message struct {
	ID          string
	Seq         int64
	OrderID     string
	SenderID    string
	ReceiverID  string
	Content     string
	MessageType string
	Attachments []string
	CreatedAt   time.Time
	Sender      UserRef
	Receiver    UserRef
}

type Notification struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Content   string
	Data      json.RawMessage
	EmailSent bool
	SMSSent   bool
	PushSent  bool
	ReadAt    *time.Time
	CreatedAt time.Time
}

// NotificationPage carries a pagination window plus counts computed over the
// owner's full set, not the window.
type NotificationPage struct {
	Items       []Notification
	TotalCount  int
	UnreadCount int
}
