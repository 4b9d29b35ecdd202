package sqlxrepos

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/masomo/campus/core/chat"
	"github.com/masomo/campus/core/user"
)

const (
	pgForeignKeyViolation = "23503"

	messageSelect = `SELECT m.id, m.conversation_id, m.sender_id, m.content, m.type, m.created_at,
		u.name AS sender_name, u.avatar AS sender_avatar
	FROM message m JOIN "user" u ON u.id = m.sender_id`

	conversationSelect = `SELECT c.id, c.type, c.title, c.created_at, c.updated_at,
		(SELECT count(*) FROM message m
			WHERE m.conversation_id = c.id AND m.sender_id <> p.user_id AND m.created_at > p.last_read_at
		) AS unread_count
	FROM conversation c
	JOIN conversation_participant p ON p.conversation_id = c.id AND p.user_id = $1`
)

type (
	conversationRow struct {
		ID          string      `db:"id"`
		Type        string      `db:"type"`
		Title       null.String `db:"title"`
		CreatedAt   time.Time   `db:"created_at"`
		UpdatedAt   time.Time   `db:"updated_at"`
		UnreadCount int         `db:"unread_count"`
	}

	participantRow struct {
		ConversationID string      `db:"conversation_id"`
		UserID         string      `db:"user_id"`
		Name           string      `db:"name"`
		Avatar         null.String `db:"avatar"`
	}

	messageRow struct {
		ID             string      `db:"id"`
		ConversationID string      `db:"conversation_id"`
		SenderID       string      `db:"sender_id"`
		Content        string      `db:"content"`
		Type           string      `db:"type"`
		CreatedAt      time.Time   `db:"created_at"`
		SenderName     string      `db:"sender_name"`
		SenderAvatar   null.String `db:"sender_avatar"`
	}
)

func (row messageRow) toMessage() chat.Message {
	return chat.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		Content:        row.Content,
		Type:           chat.MessageType(row.Type),
		CreatedAt:      row.CreatedAt.UTC(),
		Sender:         &user.Summary{ID: row.SenderID, Name: row.SenderName, Avatar: row.SenderAvatar.String},
	}
}

type chatRepository struct {
	db *sqlx.DB
}

var _ chat.Repository = (*chatRepository)(nil) // interface compliance check

func NewChatRepository(db *sqlx.DB) chat.Repository {
	return &chatRepository{db: db}
}

func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (repo *chatRepository) CreateConversation(ctx context.Context, conv chat.Conversation) (chat.Conversation, error) {
	conv.ID = uuid.New().String()
	ids := conv.ParticipantIDs()
	var directKey null.String
	if conv.Type == chat.ConversationDirect && len(ids) == 2 {
		directKey = null.StringFrom(chat.DirectKey(ids[0], ids[1]))
	}

	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return chat.Conversation{}, errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversation (id, type, title, direct_key, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		conv.ID, string(conv.Type), null.NewString(conv.Title, conv.Title != ""), directKey, conv.CreatedAt.UTC(), conv.UpdatedAt.UTC(),
	)
	if err != nil {
		return chat.Conversation{}, errors.Wrap(err, "inserting conversation")
	}
	for pos, id := range ids {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_participant (conversation_id, user_id, position) VALUES ($1, $2, $3)`,
			conv.ID, id, pos,
		); err != nil {
			return chat.Conversation{}, errors.Wrap(err, "inserting participant")
		}
	}
	if err = tx.Commit(); err != nil {
		return chat.Conversation{}, errors.Wrap(err, "committing conversation")
	}
	return conv, nil
}

func (repo *chatRepository) FindDirectConversation(ctx context.Context, a, b string) (chat.Conversation, error) {
	var id string
	err := repo.db.GetContext(ctx, &id, `SELECT id FROM conversation WHERE direct_key = $1`, chat.DirectKey(a, b))
	if err == sql.ErrNoRows {
		return chat.Conversation{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, errors.Wrap(err, "finding direct conversation")
	}
	return repo.GetConversation(ctx, id, a)
}

func (repo *chatRepository) GetConversation(ctx context.Context, id, viewerID string) (chat.Conversation, error) {
	if !isUUID(id) || !isUUID(viewerID) {
		return chat.Conversation{}, chat.ErrNotFound
	}
	convs, err := repo.queryConversations(ctx, conversationSelect+` WHERE c.id = $2`, viewerID, id)
	if err != nil {
		return chat.Conversation{}, err
	}
	if len(convs) == 0 {
		return chat.Conversation{}, chat.ErrNotFound
	}
	return convs[0], nil
}

func (repo *chatRepository) QueryConversations(ctx context.Context, viewerID string) ([]chat.Conversation, error) {
	if !isUUID(viewerID) {
		return []chat.Conversation{}, nil
	}
	return repo.queryConversations(ctx, conversationSelect+` ORDER BY c.updated_at DESC, c.id`, viewerID)
}

// queryConversations loads the conversations matched by q, then their participants and last messages.
func (repo *chatRepository) queryConversations(ctx context.Context, q string, args ...interface{}) ([]chat.Conversation, error) {
	var rows []conversationRow
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying conversations")
	}
	convs := make([]chat.Conversation, 0, len(rows))
	if len(rows) == 0 {
		return convs, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	var participants []participantRow
	if err := repo.db.SelectContext(ctx, &participants,
		`SELECT cp.conversation_id, u.id AS user_id, u.name, u.avatar
		FROM conversation_participant cp JOIN "user" u ON u.id = cp.user_id
		WHERE cp.conversation_id = ANY($1::uuid[])
		ORDER BY cp.conversation_id, cp.position`,
		pq.Array(ids),
	); err != nil {
		return nil, errors.Wrap(err, "querying participants")
	}
	byConv := make(map[string][]chat.Participant, len(rows))
	for _, p := range participants {
		byConv[p.ConversationID] = append(byConv[p.ConversationID], chat.Participant{
			User: user.Summary{ID: p.UserID, Name: p.Name, Avatar: p.Avatar.String},
		})
	}

	var lastMsgs []messageRow
	if err := repo.db.SelectContext(ctx, &lastMsgs,
		`SELECT DISTINCT ON (m.conversation_id) m.id, m.conversation_id, m.sender_id, m.content, m.type, m.created_at,
			u.name AS sender_name, u.avatar AS sender_avatar
		FROM message m JOIN "user" u ON u.id = m.sender_id
		WHERE m.conversation_id = ANY($1::uuid[])
		ORDER BY m.conversation_id, m.created_at DESC, m.id DESC`,
		pq.Array(ids),
	); err != nil {
		return nil, errors.Wrap(err, "querying last messages")
	}
	lastByConv := make(map[string]chat.Message, len(lastMsgs))
	for _, m := range lastMsgs {
		lastByConv[m.ConversationID] = m.toMessage()
	}

	for _, row := range rows {
		conv := chat.Conversation{
			ID:           row.ID,
			Type:         chat.ConversationType(row.Type),
			Title:        row.Title.String,
			Participants: byConv[row.ID],
			UnreadCount:  row.UnreadCount,
			CreatedAt:    row.CreatedAt.UTC(),
			UpdatedAt:    row.UpdatedAt.UTC(),
		}
		if last, ok := lastByConv[row.ID]; ok {
			conv.LastMessage = &last
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

func (repo *chatRepository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	if !isUUID(conversationID) || !isUUID(userID) {
		return false, nil
	}
	var ok bool
	err := repo.db.GetContext(ctx, &ok,
		`SELECT EXISTS (SELECT 1 FROM conversation_participant WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	)
	return ok, errors.Wrap(err, "checking participant")
}

func (repo *chatRepository) CreateMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if !isUUID(msg.ConversationID) {
		return chat.Message{}, chat.ErrNotFound
	}
	msg.ID = uuid.New().String()

	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO message (id, conversation_id, sender_id, content, type, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, string(msg.Type), msg.CreatedAt.UTC(),
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pgForeignKeyViolation {
			return chat.Message{}, chat.ErrNotFound
		}
		return chat.Message{}, errors.Wrap(err, "inserting message")
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE conversation SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`,
		msg.ConversationID, msg.CreatedAt.UTC(),
	); err != nil {
		return chat.Message{}, errors.Wrap(err, "bumping conversation")
	}

	var row messageRow
	if err = tx.GetContext(ctx, &row, messageSelect+` WHERE m.id = $1`, msg.ID); err != nil {
		return chat.Message{}, errors.Wrap(err, "reading message")
	}
	if err = tx.Commit(); err != nil {
		return chat.Message{}, errors.Wrap(err, "committing message")
	}
	return row.toMessage(), nil
}

func (repo *chatRepository) CountMessages(ctx context.Context, conversationID string) (int, error) {
	if !isUUID(conversationID) {
		return 0, nil
	}
	var count int
	err := repo.db.GetContext(ctx, &count, `SELECT count(*) FROM message WHERE conversation_id = $1`, conversationID)
	return count, errors.Wrap(err, "counting messages")
}

func (repo *chatRepository) QueryMessages(ctx context.Context, filter chat.MessageFilter) ([]chat.Message, error) {
	if !isUUID(filter.ConversationID) {
		return []chat.Message{}, nil
	}

	direction := "DESC"
	if filter.Ascending {
		direction = "ASC"
	}
	q := messageSelect + ` WHERE m.conversation_id = $1`
	args := []interface{}{filter.ConversationID}
	offset := filter.Skip
	if !filter.Cursor.IsZero() {
		if filter.Ascending {
			q += ` AND m.created_at > $2`
		} else {
			q += ` AND m.created_at < $2`
		}
		args = append(args, filter.Cursor.UTC())
		offset = 0
	}
	q += ` ORDER BY m.created_at ` + direction + `, m.id ` + direction
	if filter.Take > 0 {
		args = append(args, filter.Take)
		q += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		q += ` OFFSET $` + strconv.Itoa(len(args))
	}

	var rows []messageRow
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying messages")
	}
	msgs := make([]chat.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toMessage())
	}
	return msgs, nil
}

func (repo *chatRepository) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	if !isUUID(conversationID) || !isUUID(userID) {
		return chat.ErrNotFound
	}
	res, err := repo.db.ExecContext(ctx,
		`UPDATE conversation_participant SET last_read_at = GREATEST(last_read_at, $3)
		WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID, at.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "marking read")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return chat.ErrNotFound
	}
	return nil
}
