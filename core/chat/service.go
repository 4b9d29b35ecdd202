// Package chat holds conversations, their messages and the socket event contract.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/masomo/campus/core"
	"github.com/masomo/campus/core/pagination"
	"github.com/masomo/campus/core/user"
)

var (
	// errors
	ErrNotFound           = errors.New("conversation not found")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrInvalidSortBy      = errors.New("messages can only be sorted by createdAt")
	ErrInvalidCursor      = errors.New("invalid cursor")

	// MessageSortField is the only sort field of messages.
	MessageSortField = "createdAt"

	messageCursor = pagination.FieldCursor[Message](MessageSortField)
)

type (
	Repository interface {
		CreateConversation(ctx context.Context, conv Conversation) (Conversation, error)
		// FindDirectConversation returns ErrNotFound when a and b never talked.
		FindDirectConversation(ctx context.Context, a, b string) (Conversation, error)
		// GetConversation returns ErrNotFound when the conversation does not exist or viewerID is not a participant.
		GetConversation(ctx context.Context, id, viewerID string) (Conversation, error)
		// QueryConversations returns the conversations of viewerID, most recently updated first.
		QueryConversations(ctx context.Context, viewerID string) ([]Conversation, error)
		IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
		// CreateMessage stores msg and bumps the conversation's UpdatedAt to msg.CreatedAt.
		CreateMessage(ctx context.Context, msg Message) (Message, error)
		CountMessages(ctx context.Context, conversationID string) (int, error)
		QueryMessages(ctx context.Context, filter MessageFilter) ([]Message, error)
		MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error
	}

	Service interface {
		ListConversations(ctx context.Context, viewer user.User) ([]Conversation, error)
		GetConversation(ctx context.Context, viewer user.User, id string) (Conversation, error)
		// CreateConversation returns the existing direct conversation if there is one; created reports otherwise.
		CreateConversation(ctx context.Context, creator user.User, nc NewConversation) (conv Conversation, created bool, err error)
		ListMessages(ctx context.Context, viewer user.User, conversationID string, req pagination.Request) (MessagePage, error)
		SendMessage(ctx context.Context, sender user.User, nm NewMessage) (Message, error)
		MarkRead(ctx context.Context, viewer user.User, conversationID string) error
		IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	}

	service struct {
		repo      Repository
		usrSvc    user.Service
		publisher Publisher
		validate  *validator.Validate
		logger    core.Logger
	}
)

var _ Service = (*service)(nil)

func NewService(
	repo Repository,
	usrSvc user.Service,
	publisher Publisher,
	validate *validator.Validate,
	logger core.Logger,
) Service {
	if publisher == nil {
		publisher = NopPublisher
	}
	return &service{
		repo:      repo,
		usrSvc:    usrSvc,
		publisher: publisher,
		validate:  validate,
		logger:    logger,
	}
}

func (svc *service) ListConversations(ctx context.Context, viewer user.User) ([]Conversation, error) {
	convs, err := svc.repo.QueryConversations(ctx, viewer.ID)
	if err != nil {
		return nil, errors.Wrap(err, "querying conversations")
	}
	if convs == nil {
		convs = []Conversation{}
	}
	return convs, nil
}

func (svc *service) GetConversation(ctx context.Context, viewer user.User, id string) (Conversation, error) {
	return svc.repo.GetConversation(ctx, id, viewer.ID)
}

func (svc *service) CreateConversation(ctx context.Context, creator user.User, nc NewConversation) (Conversation, bool, error) {
	if err := nc.Validate(svc.validate, creator.ID); err != nil {
		return Conversation{}, false, err
	}

	if nc.Type == ConversationDirect {
		conv, err := svc.repo.FindDirectConversation(ctx, creator.ID, nc.ParticipantIDs[0])
		if err == nil {
			return conv, false, nil
		}
		if errors.Cause(err) != ErrNotFound {
			return Conversation{}, false, errors.Wrap(err, "finding direct conversation")
		}
	}

	participants := make([]Participant, 0, len(nc.ParticipantIDs)+1)
	participants = append(participants, Participant{User: creator.Summary()})
	for _, id := range nc.ParticipantIDs {
		usr, err := svc.usrSvc.GetByID(ctx, id)
		if err != nil {
			if errors.Cause(err) == user.ErrNotFound {
				return Conversation{}, false, core.NewValidationError(
					ErrUnknownParticipant,
					core.FieldError{Field: "participantIds", Error: fmt.Sprintf("%s: %s", ErrUnknownParticipant, id)},
				)
			}
			return Conversation{}, false, errors.Wrap(err, "finding participant")
		}
		participants = append(participants, Participant{User: usr.Summary()})
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	conv, err := svc.repo.CreateConversation(ctx, Conversation{
		Type:         nc.Type,
		Title:        nc.Title,
		Participants: participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return Conversation{}, false, errors.Wrap(err, "creating conversation")
	}
	return conv, true, nil
}

func (svc *service) ListMessages(ctx context.Context, viewer user.User, conversationID string, req pagination.Request) (MessagePage, error) {
	if err := svc.checkParticipant(ctx, conversationID, viewer.ID); err != nil {
		return MessagePage{}, err
	}

	req.Clean()
	if req.SortBy == "" {
		req.SortBy = MessageSortField
	}
	if req.SortBy != MessageSortField {
		return MessagePage{}, core.NewValidationError(
			ErrInvalidSortBy,
			core.FieldError{Field: "sortBy", Error: ErrInvalidSortBy.Error()},
		)
	}

	filter := MessageFilter{
		ConversationID: conversationID,
		Ascending:      req.Ascending(),
		Skip:           req.Skip(),
		Take:           req.Take(),
	}
	if req.UsesCursor() {
		cursor, err := time.Parse(time.RFC3339Nano, req.Cursor)
		if err != nil {
			return MessagePage{}, core.NewValidationError(
				ErrInvalidCursor,
				core.FieldError{Field: "cursor", Error: ErrInvalidCursor.Error()},
			)
		}
		filter.Cursor = cursor.UTC()
		filter.Skip = 0
	}

	var (
		total int
		msgs  []Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		total, err = svc.repo.CountMessages(gctx, conversationID)
		return errors.Wrap(err, "counting messages")
	})
	g.Go(func() (err error) {
		msgs, err = svc.repo.QueryMessages(gctx, filter)
		return errors.Wrap(err, "querying messages")
	})
	if err := g.Wait(); err != nil {
		return MessagePage{}, err
	}

	res := pagination.Build(msgs, total, req, messageCursor)
	return MessagePage{Messages: res.Data, Meta: res.Meta}, nil
}

func (svc *service) SendMessage(ctx context.Context, sender user.User, nm NewMessage) (Message, error) {
	if err := nm.Validate(svc.validate); err != nil {
		return Message{}, err
	}

	conv, err := svc.repo.GetConversation(ctx, nm.ConversationID, sender.ID)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return Message{}, ErrNotFound
		}
		return Message{}, errors.Wrap(err, "getting conversation")
	}

	summary := sender.Summary()
	msg, err := svc.repo.CreateMessage(ctx, Message{
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		Content:        nm.Content,
		Type:           nm.Type,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
		Sender:         &summary,
	})
	if err != nil {
		return Message{}, errors.Wrap(err, "creating message")
	}

	// the sender has read everything up to their own message
	if err = svc.repo.MarkRead(ctx, conv.ID, sender.ID, msg.CreatedAt); err != nil {
		svc.logger.Warn("failed to mark conversation read for sender", errors.Wrap(err, "marking read"), sender)
	}

	rooms := make([]string, 0, len(conv.Participants)+1)
	rooms = append(rooms, ConversationRoom(conv.ID))
	for _, id := range conv.ParticipantIDs() {
		rooms = append(rooms, UserRoom(id))
	}
	// the message is stored; a failed broadcast is only logged
	if err = svc.publisher.Publish(ctx, rooms, EventNewMessage, msg); err != nil {
		svc.logger.Error("failed to publish message", errors.Wrap(err, "publishing newMessage"), sender)
	}
	return msg, nil
}

func (svc *service) MarkRead(ctx context.Context, viewer user.User, conversationID string) error {
	if err := svc.checkParticipant(ctx, conversationID, viewer.ID); err != nil {
		return err
	}
	return errors.Wrap(
		svc.repo.MarkRead(ctx, conversationID, viewer.ID, time.Now().UTC().Truncate(time.Microsecond)),
		"marking conversation read",
	)
}

func (svc *service) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	return svc.repo.IsParticipant(ctx, conversationID, userID)
}

// checkParticipant hides conversations the user is not part of.
func (svc *service) checkParticipant(ctx context.Context, conversationID, userID string) error {
	ok, err := svc.repo.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return errors.Wrap(err, "checking participant")
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
