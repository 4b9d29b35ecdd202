package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/masomo/campus/core/chat"
	"github.com/masomo/campus/core/user"
)

type chatRepository struct {
	db *DB
}

var _ chat.Repository = (*chatRepository)(nil) // interface compliance check

func NewChatRepository(db *DB) chat.Repository {
	return &chatRepository{db: db}
}

// must be called with the lock held
func (repo *chatRepository) summary(userID string) user.Summary {
	if usr, ok := repo.db.users[userID]; ok {
		return usr.Summary()
	}
	return user.Summary{ID: userID}
}

// must be called with the lock held
func (repo *chatRepository) message(msg chat.Message) chat.Message {
	sender := repo.summary(msg.SenderID)
	msg.Sender = &sender
	return msg
}

// must be called with the lock held
func (repo *chatRepository) conversation(row *conversationRow, viewerID string) chat.Conversation {
	conv := chat.Conversation{
		ID:           row.id,
		Type:         row.typ,
		Title:        row.title,
		Participants: make([]chat.Participant, 0, len(row.participantIDs)),
		CreatedAt:    row.createdAt,
		UpdatedAt:    row.updatedAt,
	}
	for _, id := range row.participantIDs {
		conv.Participants = append(conv.Participants, chat.Participant{User: repo.summary(id)})
	}

	msgs := repo.db.messages[row.id]
	if n := len(msgs); n > 0 {
		last := repo.message(msgs[n-1])
		conv.LastMessage = &last
	}
	lastRead := row.lastReadAt[viewerID]
	for _, msg := range msgs {
		if msg.SenderID != viewerID && msg.CreatedAt.After(lastRead) {
			conv.UnreadCount++
		}
	}
	return conv
}

func (repo *chatRepository) CreateConversation(_ context.Context, conv chat.Conversation) (chat.Conversation, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	row := &conversationRow{
		id:         uuid.New().String(),
		typ:        conv.Type,
		title:      conv.Title,
		lastReadAt: make(map[string]time.Time, len(conv.Participants)),
		createdAt:  conv.CreatedAt,
		updatedAt:  conv.UpdatedAt,
	}
	row.participantIDs = conv.ParticipantIDs()
	if conv.Type == chat.ConversationDirect && len(row.participantIDs) == 2 {
		row.directKey = chat.DirectKey(row.participantIDs[0], row.participantIDs[1])
	}
	repo.db.conversations[row.id] = row
	return repo.conversation(row, ""), nil
}

func (repo *chatRepository) FindDirectConversation(_ context.Context, a, b string) (chat.Conversation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	key := chat.DirectKey(a, b)
	for _, row := range repo.db.conversations {
		if row.directKey == key {
			return repo.conversation(row, a), nil
		}
	}
	return chat.Conversation{}, chat.ErrNotFound
}

func (repo *chatRepository) GetConversation(_ context.Context, id, viewerID string) (chat.Conversation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	row, ok := repo.db.conversations[id]
	if !ok || !contains(row.participantIDs, viewerID) {
		return chat.Conversation{}, chat.ErrNotFound
	}
	return repo.conversation(row, viewerID), nil
}

func (repo *chatRepository) QueryConversations(_ context.Context, viewerID string) ([]chat.Conversation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	convs := make([]chat.Conversation, 0)
	for _, row := range repo.db.conversations {
		if contains(row.participantIDs, viewerID) {
			convs = append(convs, repo.conversation(row, viewerID))
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
	return convs, nil
}

func (repo *chatRepository) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	row, ok := repo.db.conversations[conversationID]
	return ok && contains(row.participantIDs, userID), nil
}

func (repo *chatRepository) CreateMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	row, ok := repo.db.conversations[msg.ConversationID]
	if !ok {
		return chat.Message{}, chat.ErrNotFound
	}

	msg.ID = uuid.New().String()
	msg.Sender = nil
	msgs := append(repo.db.messages[row.id], msg)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	repo.db.messages[row.id] = msgs
	if msg.CreatedAt.After(row.updatedAt) {
		row.updatedAt = msg.CreatedAt
	}
	return repo.message(msg), nil
}

func (repo *chatRepository) CountMessages(_ context.Context, conversationID string) (int, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()
	return len(repo.db.messages[conversationID]), nil
}

func (repo *chatRepository) QueryMessages(_ context.Context, filter chat.MessageFilter) ([]chat.Message, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	all := repo.db.messages[filter.ConversationID]
	ordered := make([]chat.Message, 0, len(all))
	if filter.Ascending {
		ordered = append(ordered, all...)
	} else {
		for i := len(all) - 1; i >= 0; i-- {
			ordered = append(ordered, all[i])
		}
	}

	if !filter.Cursor.IsZero() {
		positioned := ordered[:0:0]
		for _, msg := range ordered {
			if (filter.Ascending && msg.CreatedAt.After(filter.Cursor)) ||
				(!filter.Ascending && msg.CreatedAt.Before(filter.Cursor)) {
				positioned = append(positioned, msg)
			}
		}
		ordered = positioned
	} else if filter.Skip > 0 {
		if filter.Skip >= len(ordered) {
			return []chat.Message{}, nil
		}
		ordered = ordered[filter.Skip:]
	}
	if filter.Take > 0 && len(ordered) > filter.Take {
		ordered = ordered[:filter.Take]
	}

	page := make([]chat.Message, 0, len(ordered))
	for _, msg := range ordered {
		page = append(page, repo.message(msg))
	}
	return page, nil
}

func (repo *chatRepository) MarkRead(_ context.Context, conversationID, userID string, at time.Time) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	row, ok := repo.db.conversations[conversationID]
	if !ok || !contains(row.participantIDs, userID) {
		return chat.ErrNotFound
	}
	if at.After(row.lastReadAt[userID]) {
		row.lastReadAt[userID] = at
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}
