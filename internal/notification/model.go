package notification

import "time"

type Type string

const (
	TypeReportSubmitted    Type = "REPORT_SUBMITTED"
	TypeReportApproved     Type = "REPORT_APPROVED"
	TypeReportRejected     Type = "REPORT_REJECTED"
	TypeCommentAdded       Type = "COMMENT_ADDED"
	TypeSystemAnnouncement Type = "SYSTEM_ANNOUNCEMENT"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Payload is opaque to delivery; it is what the UI renders.
type Payload struct {
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	ActionURL string         `json:"actionUrl,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Notification is immutable after creation except for IsRead and ReadAt.
type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Type      Type       `json:"type"`
	Payload   Payload    `json:"payload"`
	Priority  Priority   `json:"priority"`
	CreatedAt time.Time  `json:"createdAt"`
	IsRead    bool       `json:"isRead"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

type EventKind string

const (
	EventQueued    EventKind = "QUEUED"
	EventSent      EventKind = "SENT"
	EventDelivered EventKind = "DELIVERED"
	EventFailed    EventKind = "FAILED"
	EventClicked   EventKind = "CLICKED"
	EventClosed    EventKind = "CLOSED"
	EventRead      EventKind = "READ"
)

// DeliveryEvent is an append-only audit entry for one notification.
type DeliveryEvent struct {
	NotificationID string         `json:"notificationId"`
	Event          EventKind      `json:"event"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CreateInput is what collaborators send to create a notification.
type CreateInput struct {
	UserID   string   `json:"userId"`
	Type     Type     `json:"type"`
	Payload  Payload  `json:"payload"`
	Priority Priority `json:"priority,omitempty"`
}

type Filter struct {
	UnreadOnly bool
	Types      []Type
}

func (f Filter) active() bool { return f.UnreadOnly || len(f.Types) > 0 }

func (f Filter) match(n Notification) bool {
	if f.UnreadOnly && n.IsRead {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == n.Type {
			return true
		}
	}
	return false
}

// MarkResult reports what a single mark-read did.
type MarkResult int

const (
	MarkNotFound MarkResult = iota
	MarkAlreadyRead
	MarkTransitioned
)

// OK is true when the notification exists and belongs to the caller.
func (m MarkResult) OK() bool { return m != MarkNotFound }

// Ack is a heartbeat acknowledgment relayed between instances.
type Ack struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	Origin       string    `json:"origin"`
	At           time.Time `json:"at"`
}
