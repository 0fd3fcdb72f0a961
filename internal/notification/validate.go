package notification

import (
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	allTypes = []any{
		TypeReportSubmitted, TypeReportApproved, TypeReportRejected,
		TypeCommentAdded, TypeSystemAnnouncement,
	}
	allPriorities = []any{PriorityHigh, PriorityNormal, PriorityLow}

	actionURLRe = regexp.MustCompile(`^(/|https?://)\S*$`)
)

func (p Payload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Title, validation.Required.Error("title is required"), validation.RuneLength(1, 200)),
		validation.Field(&p.Body, validation.RuneLength(0, 2000)),
		validation.Field(&p.ActionURL, validation.Match(actionURLRe).Error("must be a path or http(s) url")),
	)
}

func (in CreateInput) Validate() error {
	err := validation.ValidateStruct(&in,
		validation.Field(&in.UserID, validation.Required.Error("userId is required"), validation.RuneLength(1, 128)),
		validation.Field(&in.Type, validation.Required.Error("type is required"), validation.In(allTypes...).Error("unknown type")),
		validation.Field(&in.Priority, validation.In(allPriorities...).Error("must be high, normal or low")),
		validation.Field(&in.Payload),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

type clientEvent struct {
	Event    EventKind
	Metadata map[string]any
}

// Clients may only report what happened on their side.
func (e clientEvent) Validate() error {
	err := validation.ValidateStruct(&e,
		validation.Field(&e.Event, validation.Required.Error("event is required"),
			validation.In(EventDelivered, EventClicked, EventClosed).Error("must be DELIVERED, CLICKED or CLOSED")),
		validation.Field(&e.Metadata, validation.Length(0, 32)),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

type broadcastInput struct {
	UserIDs  []string
	Type     Type
	Payload  Payload
	Priority Priority
}

func (b broadcastInput) Validate() error {
	err := validation.ValidateStruct(&b,
		validation.Field(&b.UserIDs, validation.Required.Error("userIds is required"), validation.Length(1, 1000),
			validation.Each(validation.Required, validation.RuneLength(1, 128))),
		validation.Field(&b.Type, validation.Required, validation.In(allTypes...).Error("unknown type")),
		validation.Field(&b.Priority, validation.In(allPriorities...)),
		validation.Field(&b.Payload),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}
