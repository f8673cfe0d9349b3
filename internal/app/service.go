package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"craftlink/api/internal/access"
	"craftlink/api/internal/auth"
	"craftlink/api/internal/authpw"
	"craftlink/api/internal/config"
	"craftlink/api/internal/store"
	"craftlink/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type CreateOrderInput struct {
	ArtisanID   string  `json:"artisanId"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
}

type SendMessageInput struct {
	ReceiverID  string   `json:"receiverId"`
	Content     string   `json:"content"`
	MessageType string   `json:"messageType"`
	Attachments []string `json:"attachments"`
}

type CreateNotificationInput struct {
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	Data      json.RawMessage `json:"data"`
	EmailSent bool            `json:"emailSent"`
	SMSSent   bool            `json:"smsSent"`
	PushSent  bool            `json:"pushSent"`
}

type NotificationBatchInput struct {
	IDs    []string `json:"ids"`
	Action string   `json:"action"`
}

type NotificationListInput struct {
	Limit      int
	Offset     int
	UnreadOnly bool
}

var allowedMessageTypes = map[string]struct{}{
	"TEXT":   {},
	"IMAGE":  {},
	"FILE":   {},
	"SYSTEM": {},
}

// batchAction is the closed set of notification batch transitions. Raw input
// strings are parsed once at the boundary; anything else is rejected.
type batchAction string

const (
	batchMarkRead   batchAction = "mark-read"
	batchMarkUnread batchAction = "mark-unread"
	batchDelete     batchAction = "delete"
)

func parseBatchAction(raw string) (batchAction, bool) {
	switch batchAction(strings.TrimSpace(raw)) {
	case batchMarkRead:
		return batchMarkRead, true
	case batchMarkUnread:
		return batchMarkUnread, true
	case batchDelete:
		return batchDelete, true
	default:
		return "", false
	}
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	CreateOrder(context.Context, store.Order) error
	GetOrder(context.Context, string) (store.Order, error)
	ListOrdersForUser(context.Context, string) ([]store.Order, error)
	InsertMessage(context.Context, store.Message) error
	GetMessage(context.Context, string) (store.Message, error)
	ListMessages(context.Context, string) ([]store.Message, error)
	InsertNotification(context.Context, store.Notification) (store.Notification, error)
	ListNotifications(context.Context, string, int, int, bool) (store.NotificationPage, error)
	MarkNotificationsRead(context.Context, string, []string) (int64, error)
	MarkNotificationsUnread(context.Context, string, []string) (int64, error)
	DeleteNotifications(context.Context, string, []string) (int64, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens, backed by Redis in production and by
// Postgres when Redis is not configured.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type mediaResolver interface {
	ResolveURL(ctx context.Context, key string) (string, error)
}

type notificationMailer interface {
	IsConfigured() bool
	SendNotification(to, title, content string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	accounts *authpw.Service
	media    mediaResolver
	mailer   notificationMailer
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		accounts: authpw.NewService(dataStore),
	}
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore) *Service {
	service := New(cfg, dataStore)
	service.sessions = sessions
	return service
}

// UseMedia enables presigned URL resolution for avatar and attachment keys.
func (s *Service) UseMedia(resolver mediaResolver) {
	s.media = resolver
}

// UseMailer enables best-effort email delivery for notifications.
func (s *Service) UseMailer(mailer notificationMailer) {
	s.mailer = mailer
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Identity

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// Re-read the account so a rotated session always carries current
	// role and display name.
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Orders

func (s *Service) CreateOrder(ctx context.Context, session Session, input CreateOrderInput) (map[string]any, error) {
	if access.Normalize(session.Role) != access.RoleCustomer {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only customers can commission orders", nil)
	}
	artisanID := strings.TrimSpace(input.ArtisanID)
	title := strings.TrimSpace(input.Title)
	if artisanID == "" || title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "artisanId and title are required", nil)
	}
	if input.Price < 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "price must not be negative", nil)
	}
	artisan, err := s.store.GetUserByID(ctx, artisanID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown artisan", nil)
	}
	if err != nil {
		return nil, err
	}
	if access.Normalize(artisan.Role) != access.RoleArtisan {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "artisanId must reference an artisan account", nil)
	}

	order := store.Order{
		ID:          util.NewID("ord"),
		CustomerID:  session.UserID,
		ArtisanID:   artisan.ID,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Status:      "PENDING",
		Price:       input.Price,
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	created, err := s.store.GetOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return orderPayload(created), nil
}

func (s *Service) ListOrders(ctx context.Context, session Session) (map[string]any, error) {
	orders, err := s.store.ListOrdersForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(orders))
	for _, order := range orders {
		items = append(items, orderPayload(order))
	}
	return map[string]any{"orders": items}, nil
}

func (s *Service) GetOrder(ctx context.Context, session Session, orderID string) (map[string]any, error) {
	order, err := s.authorizeOrder(ctx, session, orderID)
	if err != nil {
		return nil, err
	}
	return orderPayload(order), nil
}

// authorizeOrder runs the order access guard: load the order, then require
// the principal to be one of its two participants. Every order-scoped
// operation goes through here on every request; decisions are never cached.
func (s *Service) authorizeOrder(ctx context.Context, session Session, orderID string) (store.Order, error) {
	if session.UserID == "" {
		return store.Order{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	order, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Order{}, errOrderHidden()
	}
	if err != nil {
		return store.Order{}, err
	}
	if err := access.Authorize(session.UserID, order.CustomerID, order.ArtisanID); err != nil {
		return store.Order{}, errOrderHidden()
	}
	return order, nil
}

// Messages

func (s *Service) ListMessages(ctx context.Context, session Session, orderID string) (map[string]any, error) {
	if _, err := s.authorizeOrder(ctx, session, orderID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, orderID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		items = append(items, s.messagePayload(ctx, message))
	}
	return map[string]any{
		"orderId":  orderID,
		"messages": items,
	}, nil
}

func (s *Service) SendMessage(ctx context.Context, session Session, orderID string, input SendMessageInput) (map[string]any, error) {
	receiverID := strings.TrimSpace(input.ReceiverID)
	content := strings.TrimSpace(input.Content)
	if receiverID == "" || content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "receiverId and content are required", nil)
	}
	if receiverID == session.UserID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "receiver must differ from sender", nil)
	}
	messageType := strings.ToUpper(strings.TrimSpace(input.MessageType))
	if messageType == "" {
		messageType = "TEXT"
	}
	if _, ok := allowedMessageTypes[messageType]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid message type", nil)
	}

	order, err := s.authorizeOrder(ctx, session, orderID)
	if err != nil {
		return nil, err
	}
	// The guard proved the sender is a participant; the receiver must be the
	// other party. Rejecting here does not leak existence because the caller
	// already holds access to the order.
	if !access.Participant(receiverID, order.CustomerID, order.ArtisanID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "receiver is not part of this order", nil)
	}

	attachments := input.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	message := store.Message{
		ID:          util.NewID("msg"),
		OrderID:     order.ID,
		SenderID:    session.UserID,
		ReceiverID:  receiverID,
		Content:     content,
		MessageType: messageType,
		Attachments: attachments,
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return nil, err
	}
	created, err := s.store.GetMessage(ctx, message.ID)
	if err != nil {
		return nil, err
	}
	return s.messagePayload(ctx, created), nil
}

// Notifications

func (s *Service) CreateNotification(ctx context.Context, session Session, input CreateNotificationInput) (map[string]any, error) {
	notificationType := strings.TrimSpace(input.Type)
	title := strings.TrimSpace(input.Title)
	if notificationType == "" || title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type and title are required", nil)
	}

	created, err := s.store.InsertNotification(ctx, store.Notification{
		ID:        util.NewID("ntf"),
		UserID:    session.UserID,
		Type:      notificationType,
		Title:     title,
		Content:   strings.TrimSpace(input.Content),
		Data:      input.Data,
		EmailSent: input.EmailSent,
		SMSSent:   input.SMSSent,
		PushSent:  input.PushSent,
	})
	if err != nil {
		return nil, err
	}

	if input.EmailSent && s.mailer != nil && s.mailer.IsConfigured() {
		s.deliverEmail(ctx, session.UserID, created)
	}

	return notificationPayload(created), nil
}

// deliverEmail is best-effort: a failed send is logged and never rolls back
// or delays the created notification.
func (s *Service) deliverEmail(ctx context.Context, userID string, notification store.Notification) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		log.Printf("notification email skipped, user lookup failed: %v", err)
		return
	}
	if err := s.mailer.SendNotification(user.Email, notification.Title, notification.Content); err != nil {
		log.Printf("notification email failed for %s: %v", notification.ID, err)
	}
}

func (s *Service) ListNotifications(ctx context.Context, session Session, input NotificationListInput) (map[string]any, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := input.Offset
	if offset < 0 {
		offset = 0
	}

	page, err := s.store.ListNotifications(ctx, session.UserID, limit, offset, input.UnreadOnly)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(page.Items))
	for _, item := range page.Items {
		items = append(items, notificationPayload(item))
	}
	return map[string]any{
		"items":       items,
		"totalCount":  page.TotalCount,
		"unreadCount": page.UnreadCount,
	}, nil
}

func (s *Service) ApplyNotificationBatch(ctx context.Context, session Session, input NotificationBatchInput) (map[string]any, error) {
	ids := make([]string, 0, len(input.IDs))
	for _, id := range input.IDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	if len(ids) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "ids must not be empty", nil)
	}
	action, ok := parseBatchAction(input.Action)
	if !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "action must be mark-read, mark-unread, or delete", nil)
	}

	var affected int64
	var err error
	switch action {
	case batchMarkRead:
		affected, err = s.store.MarkNotificationsRead(ctx, session.UserID, ids)
	case batchMarkUnread:
		affected, err = s.store.MarkNotificationsUnread(ctx, session.UserID, ids)
	case batchDelete:
		affected, err = s.store.DeleteNotifications(ctx, session.UserID, ids)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"action":   string(action),
		"affected": affected,
	}, nil
}

// Payload projections

func orderPayload(order store.Order) map[string]any {
	return map[string]any{
		"id":          order.ID,
		"customerId":  order.CustomerID,
		"artisanId":   order.ArtisanID,
		"title":       order.Title,
		"description": order.Description,
		"status":      order.Status,
		"price":       order.Price,
		"createdAt":   order.CreatedAt.Format(time.RFC3339),
		"updatedAt":   order.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Service) messagePayload(ctx context.Context, message store.Message) map[string]any {
	return map[string]any{
		"id":          message.ID,
		"orderId":     message.OrderID,
		"senderId":    message.SenderID,
		"receiverId":  message.ReceiverID,
		"content":     message.Content,
		"messageType": message.MessageType,
		"attachments": message.Attachments,
		"createdAt":   message.CreatedAt.Format(time.RFC3339Nano),
		"sender":      s.userRefPayload(ctx, message.Sender),
		"receiver":    s.userRefPayload(ctx, message.Receiver),
	}
}

func (s *Service) userRefPayload(ctx context.Context, ref store.UserRef) map[string]any {
	avatar := ref.AvatarKey
	if s.media != nil && avatar != "" {
		resolved, err := s.media.ResolveURL(ctx, avatar)
		if err != nil {
			log.Printf("avatar resolve failed for %s: %v", ref.ID, err)
		} else {
			avatar = resolved
		}
	}
	return map[string]any{
		"id":     ref.ID,
		"name":   ref.Name,
		"avatar": avatar,
	}
}

func notificationPayload(item store.Notification) map[string]any {
	var readAt any
	if item.ReadAt != nil {
		readAt = item.ReadAt.Format(time.RFC3339Nano)
	}
	data := item.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return map[string]any{
		"id":        item.ID,
		"type":      item.Type,
		"title":     item.Title,
		"content":   item.Content,
		"data":      data,
		"emailSent": item.EmailSent,
		"smsSent":   item.SMSSent,
		"pushSent":  item.PushSent,
		"readAt":    readAt,
		"createdAt": item.CreatedAt.Format(time.RFC3339Nano),
	}
}
