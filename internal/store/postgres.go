package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, avatar_key)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.AvatarKey)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, avatar_key, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.AvatarKey, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, avatar_key, created_at
		FROM users
		WHERE email=$1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.AvatarKey, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Refresh sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.password_hash, u.role, u.avatar_key, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.AvatarKey, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Orders

func (s *PostgresStore) CreateOrder(ctx context.Context, order Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, artisan_id, title, description, status, price)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, order.ID, order.CustomerID, order.ArtisanID, order.Title, order.Description, order.Status, order.Price)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var order Order
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, artisan_id, title, description, status, price, created_at, updated_at
		FROM orders
		WHERE id=$1
	`, orderID).Scan(
		&order.ID,
		&order.CustomerID,
		&order.ArtisanID,
		&order.Title,
		&order.Description,
		&order.Status,
		&order.Price,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *PostgresStore) ListOrdersForUser(ctx context.Context, userID string) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, artisan_id, title, description, status, price, created_at, updated_at
		FROM orders
		WHERE customer_id=$1 OR artisan_id=$1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	items := make([]Order, 0)
	for rows.Next() {
		var order Order
		if err := rows.Scan(
			&order.ID,
			&order.CustomerID,
			&order.ArtisanID,
			&order.Title,
			&order.Description,
			&order.Status,
			&order.Price,
			&order.CreatedAt,
			&order.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		items = append(items, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return items, nil
}

// Messages

const messageColumns = `
	m.id, m.seq, m.order_id, m.sender_id, m.receiver_id, m.content, m.message_type, m.attachments, m.created_at,
	su.display_name, su.avatar_key,
	ru.display_name, ru.avatar_key
`

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	attachments := message.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	encoded, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	messageType := message.MessageType
	if messageType == "" {
		messageType = "TEXT"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, order_id, sender_id, receiver_id, content, message_type, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, message.ID, message.OrderID, message.SenderID, message.ReceiverID, message.Content, messageType, string(encoded))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessage returns one message with its sender/receiver projections joined
// at read time.
func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN users su ON su.id = m.sender_id
		JOIN users ru ON ru.id = m.receiver_id
		WHERE m.id=$1
	`, messageID)
	return scanMessage(row)
}

// ListMessages returns the order's thread ascending by creation time. The seq
// column breaks created_at ties in insertion order, so repeated reads never
// reorder.
func (s *PostgresStore) ListMessages(ctx context.Context, orderID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN users su ON su.id = m.sender_id
		JOIN users ru ON ru.id = m.receiver_id
		WHERE m.order_id=$1
		ORDER BY m.created_at ASC, m.seq ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var item Message
	var attachments []byte
	err := row.Scan(
		&item.ID,
		&item.Seq,
		&item.OrderID,
		&item.SenderID,
		&item.ReceiverID,
		&item.Content,
		&item.MessageType,
		&attachments,
		&item.CreatedAt,
		&item.Sender.Name,
		&item.Sender.AvatarKey,
		&item.Receiver.Name,
		&item.Receiver.AvatarKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, err
	}
	if err != nil {
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	item.Sender.ID = item.SenderID
	item.Receiver.ID = item.ReceiverID
	item.Attachments = []string{}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &item.Attachments); err != nil {
			return Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return item, nil
}

// Notifications

func (s *PostgresStore) InsertNotification(ctx context.Context, item Notification) (Notification, error) {
	data := item.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, content, data, email_sent, sms_sent, push_sent)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
		RETURNING created_at
	`, item.ID, item.UserID, item.Type, item.Title, item.Content, string(data), item.EmailSent, item.SMSSent, item.PushSent).Scan(&item.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	item.Data = data
	item.ReadAt = nil
	return item, nil
}

// ListNotifications returns one page ordered newest first plus counts over the
// owner's entire set, so callers never infer unreadCount from the page size.
func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit, offset int, unreadOnly bool) (NotificationPage, error) {
	page := NotificationPage{Items: make([]Notification, 0)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE read_at IS NULL)
		FROM notifications
		WHERE user_id=$1
	`, userID).Scan(&page.TotalCount, &page.UnreadCount)
	if err != nil {
		return NotificationPage{}, fmt.Errorf("count notifications: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, title, content, data, email_sent, sms_sent, push_sent, read_at, created_at
		FROM notifications
		WHERE user_id=$1
		  AND (NOT $2::boolean OR read_at IS NULL)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, userID, unreadOnly, limit, offset)
	if err != nil {
		return NotificationPage{}, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item Notification
		var data []byte
		if err := rows.Scan(
			&item.ID,
			&item.UserID,
			&item.Type,
			&item.Title,
			&item.Content,
			&data,
			&item.EmailSent,
			&item.SMSSent,
			&item.PushSent,
			&item.ReadAt,
			&item.CreatedAt,
		); err != nil {
			return NotificationPage{}, fmt.Errorf("scan notification: %w", err)
		}
		item.Data = json.RawMessage(data)
		page.Items = append(page.Items, item)
	}
	if err := rows.Err(); err != nil {
		return NotificationPage{}, fmt.Errorf("iterate notifications: %w", err)
	}
	return page, nil
}

// The batch mutations are each a single statement scoped by owner, so ids
// belonging to other users fall out of the affected count instead of erroring
// and readers never observe a half-applied batch.

func (s *PostgresStore) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET read_at=NOW()
		WHERE user_id=$1 AND id = ANY($2)
	`, userID, ids)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark notifications read rows: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) MarkNotificationsUnread(ctx context.Context, userID string, ids []string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET read_at=NULL
		WHERE user_id=$1 AND id = ANY($2)
	`, userID, ids)
	if err != nil {
		return 0, fmt.Errorf("mark notifications unread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark notifications unread rows: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) DeleteNotifications(ctx context.Context, userID string, ids []string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE user_id=$1 AND id = ANY($2)
	`, userID, ids)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete notifications rows: %w", err)
	}
	return affected, nil
}
