package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/casework/messaging/internal/model"
)

// Gorm is the SQL-backed Store.
type Gorm struct {
	db *gorm.DB
}

// Open connects to the database for the given driver and migrates the
// messaging tables. The users table belongs to the auth service and is only
// created if missing.
func Open(driver, dsn string, debug bool) (*Gorm, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	gormConfig := &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	}
	if debug {
		gormConfig.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return NewGorm(db), nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.User{},
		&model.Conversation{},
		&model.Participant{},
		&model.Message{},
		&model.UnreadCounter{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// NewGorm wraps an existing connection.
func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

// IsParticipant implements Store.
func (g *Gorm) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&model.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	if err != nil {
		return false, unavailable("is participant", err)
	}
	return count > 0, nil
}

// Participants implements Store.
func (g *Gorm) Participants(ctx context.Context, conversationID int64) ([]int64, error) {
	var ids []int64
	err := g.db.WithContext(ctx).Model(&model.Participant{}).
		Where("conversation_id = ?", conversationID).
		Order("id").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, unavailable("participants", err)
	}
	return ids, nil
}

// CreateMessage implements Store.
func (g *Gorm) CreateMessage(ctx context.Context, in NewMessage) (*model.Message, error) {
	senderID := in.SenderID
	msg := &model.Message{
		ConversationID: in.ConversationID,
		SenderID:       &senderID,
		Content:        in.Content,
		AttachmentURL:  in.AttachmentURL,
	}

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		res := tx.Model(&model.Conversation{}).
			Where("id = ?", in.ConversationID).
			Updates(map[string]any{
				"last_message":      in.Content,
				"last_message_time": msg.CreatedAt,
				"updated_at":        msg.CreatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		var others []int64
		if err := tx.Model(&model.Participant{}).
			Where("conversation_id = ? AND user_id <> ?", in.ConversationID, in.SenderID).
			Pluck("user_id", &others).Error; err != nil {
			return err
		}
		if len(others) == 0 {
			return nil
		}

		counters := make([]model.UnreadCounter, len(others))
		for i, uid := range others {
			counters[i] = model.UnreadCounter{ConversationID: in.ConversationID, UserID: uid, Count: 1}
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{"count": gorm.Expr("unread_messages.count + 1")}),
		}).Create(&counters).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable("create message", err)
	}

	var sender model.User
	if err := g.db.WithContext(ctx).Where("id = ?", in.SenderID).Take(&sender).Error; err == nil {
		msg.FirstName = sender.FirstName
		msg.LastName = sender.LastName
		msg.Username = sender.Username
	}

	return msg, nil
}

// ListMessages implements Store.
func (g *Gorm) ListMessages(ctx context.Context, conversationID, viewerID int64) ([]model.Message, error) {
	var messages []model.Message
	err := g.db.WithContext(ctx).
		Table("messages AS m").
		Select("m.*, u.first_name, u.last_name, u.username").
		Joins("LEFT JOIN users u ON u.id = m.sender_id").
		Where("m.conversation_id = ?", conversationID).
		Order("m.created_at ASC, m.id ASC").
		Scan(&messages).Error
	if err != nil {
		return nil, unavailable("list messages", err)
	}

	if err := g.MarkRead(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkRead implements Store.
func (g *Gorm) MarkRead(ctx context.Context, conversationID, userID int64) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Message{}).
			Where("conversation_id = ? AND is_read = ? AND (sender_id IS NULL OR sender_id <> ?)", conversationID, false, userID).
			Update("is_read", true).Error; err != nil {
			return err
		}
		return tx.Model(&model.UnreadCounter{}).
			Where("conversation_id = ? AND user_id = ?", conversationID, userID).
			Update("count", 0).Error
	})
	if err != nil {
		return unavailable("mark read", err)
	}
	return nil
}

// UnreadCount implements Store.
func (g *Gorm) UnreadCount(ctx context.Context, conversationID, userID int64) (int, error) {
	var counter model.UnreadCounter
	err := g.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("unread count", err)
	}
	return counter.Count, nil
}

// CreateConversation implements Store.
func (g *Gorm) CreateConversation(ctx context.Context, in NewConversation) (*model.Conversation, error) {
	conv := &model.Conversation{Name: in.Name, IsGroup: in.IsGroup}

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		members := uniqueIDs(append([]int64{in.CreatorID}, in.MemberIDs...))
		rows := make([]model.Participant, len(members))
		for i, uid := range members {
			rows[i] = model.Participant{ConversationID: conv.ID, UserID: uid}
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, unavailable("create conversation", err)
	}
	return conv, nil
}

// AddParticipants implements Store.
func (g *Gorm) AddParticipants(ctx context.Context, conversationID int64, userIDs []int64) ([]int64, error) {
	var added []int64
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Conversation{}).Where("id = ?", conversationID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}

		var existing []int64
		if err := tx.Model(&model.Participant{}).
			Where("conversation_id = ? AND user_id IN ?", conversationID, userIDs).
			Pluck("user_id", &existing).Error; err != nil {
			return err
		}
		present := make(map[int64]struct{}, len(existing))
		for _, id := range existing {
			present[id] = struct{}{}
		}

		var rows []model.Participant
		for _, uid := range uniqueIDs(userIDs) {
			if _, ok := present[uid]; ok {
				continue
			}
			rows = append(rows, model.Participant{ConversationID: conversationID, UserID: uid})
			added = append(added, uid)
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("add participants", err)
	}
	return added, nil
}

type summaryRow struct {
	model.Conversation
	UnreadCount int `gorm:"column:unread_count"`
}

const summaryQuery = `
SELECT c.id, c.name, c.is_group, c.created_at, c.updated_at, c.last_message, c.last_message_time,
	(SELECT COUNT(*) FROM messages m
	 WHERE m.conversation_id = c.id
	   AND m.is_read = ?
	   AND (m.sender_id IS NULL OR m.sender_id <> ?)) AS unread_count
FROM conversations c
JOIN conversation_participants cp ON cp.conversation_id = c.id
WHERE cp.user_id = ?`

// ListConversations implements Store.
func (g *Gorm) ListConversations(ctx context.Context, userID int64) ([]model.ConversationSummary, error) {
	var rows []summaryRow
	err := g.db.WithContext(ctx).
		Raw(summaryQuery+"\nORDER BY c.last_message_time IS NULL, c.last_message_time DESC, c.id DESC", false, userID, userID).
		Scan(&rows).Error
	if err != nil {
		return nil, unavailable("list conversations", err)
	}
	if len(rows) == 0 {
		return []model.ConversationSummary{}, nil
	}

	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	byConversation, err := g.participantUsers(ctx, ids, userID)
	if err != nil {
		return nil, err
	}

	out := make([]model.ConversationSummary, len(rows))
	for i, r := range rows {
		out[i] = model.ConversationSummary{
			Conversation: r.Conversation,
			UnreadCount:  r.UnreadCount,
			Participants: byConversation[r.ID],
		}
		if out[i].Participants == nil {
			out[i].Participants = []model.User{}
		}
	}
	return out, nil
}

// GetConversation implements Store.
func (g *Gorm) GetConversation(ctx context.Context, conversationID, viewerID int64) (*model.ConversationSummary, error) {
	var rows []summaryRow
	err := g.db.WithContext(ctx).
		Raw(summaryQuery+"\nAND c.id = ?", false, viewerID, viewerID, conversationID).
		Scan(&rows).Error
	if err != nil {
		return nil, unavailable("get conversation", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}

	users, err := g.ListParticipantUsers(ctx, conversationID, viewerID)
	if err != nil {
		return nil, err
	}
	return &model.ConversationSummary{
		Conversation: rows[0].Conversation,
		UnreadCount:  rows[0].UnreadCount,
		Participants: users,
	}, nil
}

type participantUserRow struct {
	ConversationID int64 `gorm:"column:conversation_id"`
	model.User
}

func (g *Gorm) participantUsers(ctx context.Context, conversationIDs []int64, excludeUserID int64) (map[int64][]model.User, error) {
	var rows []participantUserRow
	err := g.db.WithContext(ctx).
		Table("conversation_participants AS cp").
		Select("cp.conversation_id, u.id, u.username, u.first_name, u.last_name, u.email").
		Joins("JOIN users u ON u.id = cp.user_id").
		Where("cp.conversation_id IN ? AND cp.user_id <> ?", conversationIDs, excludeUserID).
		Order("cp.id").
		Scan(&rows).Error
	if err != nil {
		return nil, unavailable("participant users", err)
	}

	out := make(map[int64][]model.User, len(conversationIDs))
	for _, r := range rows {
		out[r.ConversationID] = append(out[r.ConversationID], r.User)
	}
	return out, nil
}

// ListParticipantUsers implements Store.
func (g *Gorm) ListParticipantUsers(ctx context.Context, conversationID, excludeUserID int64) ([]model.User, error) {
	byConversation, err := g.participantUsers(ctx, []int64{conversationID}, excludeUserID)
	if err != nil {
		return nil, err
	}
	users := byConversation[conversationID]
	if users == nil {
		users = []model.User{}
	}
	return users, nil
}

// GetUser implements Store.
func (g *Gorm) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	var u model.User
	err := g.db.WithContext(ctx).Where("id = ?", userID).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get user", err)
	}
	return &u, nil
}

// ListUsers implements Store.
func (g *Gorm) ListUsers(ctx context.Context, excludeUserID int64) ([]model.User, error) {
	var users []model.User
	err := g.db.WithContext(ctx).
		Where("id <> ?", excludeUserID).
		Order("first_name, last_name").
		Find(&users).Error
	if err != nil {
		return nil, unavailable("list users", err)
	}
	return users, nil
}

// Ping implements Store.
func (g *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return unavailable("ping", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close implements Store.
func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
