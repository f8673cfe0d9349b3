package app

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"craftlink/api/internal/store"
)

// memoryNotifications backs the notification store methods with a map so the
// ownership and idempotency semantics can be exercised end to end.
type memoryNotifications struct {
	mu    sync.Mutex
	items map[string]store.Notification
}

func newMemoryNotifications() *memoryNotifications {
	return &memoryNotifications{items: make(map[string]store.Notification)}
}

func (m *memoryNotifications) insert(_ context.Context, item store.Notification) (store.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.CreatedAt = time.Now()
	m.items[item.ID] = item
	return item, nil
}

func (m *memoryNotifications) list(_ context.Context, userID string, limit, offset int, unreadOnly bool) (store.NotificationPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var owned []store.Notification
	page := store.NotificationPage{Items: []store.Notification{}}
	for _, item := range m.items {
		if item.UserID != userID {
			continue
		}
		owned = append(owned, item)
		page.TotalCount++
		if item.ReadAt == nil {
			page.UnreadCount++
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].ID < owned[j].ID })
	for _, item := range owned {
		if unreadOnly && item.ReadAt != nil {
			continue
		}
		page.Items = append(page.Items, item)
	}
	if offset < len(page.Items) {
		page.Items = page.Items[offset:]
	} else {
		page.Items = []store.Notification{}
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
	}
	return page, nil
}

func (m *memoryNotifications) markRead(_ context.Context, userID string, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected int64
	now := time.Now()
	for _, id := range ids {
		item, ok := m.items[id]
		if !ok || item.UserID != userID {
			continue
		}
		item.ReadAt = &now
		m.items[id] = item
		affected++
	}
	return affected, nil
}

func (m *memoryNotifications) markUnread(_ context.Context, userID string, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected int64
	for _, id := range ids {
		item, ok := m.items[id]
		if !ok || item.UserID != userID {
			continue
		}
		item.ReadAt = nil
		m.items[id] = item
		affected++
	}
	return affected, nil
}

func (m *memoryNotifications) delete(_ context.Context, userID string, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected int64
	for _, id := range ids {
		item, ok := m.items[id]
		if !ok || item.UserID != userID {
			continue
		}
		delete(m.items, id)
		affected++
	}
	return affected, nil
}

func notificationTestServer(t *testing.T) (*Service, http.Handler, *memoryNotifications) {
	t.Helper()
	mem := newMemoryNotifications()
	fs := orderFixture()
	fs.insertNotificationFn = mem.insert
	fs.listNotificationsFn = mem.list
	fs.markNotificationsReadFn = mem.markRead
	fs.markNotificationsUnreadFn = mem.markUnread
	fs.deleteNotificationsFn = mem.delete
	svc := newTestService(fs)
	return svc, NewHTTPServer(svc, "*").Handler(), mem
}

type notificationListBody struct {
	Items []struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		ReadAt any    `json:"readAt"`
	} `json:"items"`
	TotalCount  int `json:"totalCount"`
	UnreadCount int `json:"unreadCount"`
}

func TestNotificationLifecycleOverHTTP(t *testing.T) {
	svc, handler, _ := notificationTestServer(t)
	token := issueTestToken(t, svc, "usr-maya", "Maya", "CUSTOMER")

	for _, title := range []string{"Order accepted", "New message", "Order shipped"} {
		rr := doRequest(t, handler, http.MethodPost, "/api/notifications", token,
			`{"type":"ORDER_UPDATE","title":"`+title+`","content":"details"}`)
		if rr.Code != http.StatusCreated {
			t.Fatalf("create %q: got %d body=%s", title, rr.Code, rr.Body.String())
		}
	}

	rr := doRequest(t, handler, http.MethodGet, "/api/notifications", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list: got %d body=%s", rr.Code, rr.Body.String())
	}
	var listed notificationListBody
	if err := json.Unmarshal(rr.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listed.TotalCount != 3 || listed.UnreadCount != 3 || len(listed.Items) != 3 {
		t.Fatalf("after create: %+v", listed)
	}

	// Mark two read, then confirm unreadOnly filtering and counts.
	ids := []string{listed.Items[0].ID, listed.Items[1].ID}
	batch, _ := json.Marshal(map[string]any{"ids": ids, "action": "mark-read"})
	rr = doRequest(t, handler, http.MethodPost, "/api/notifications/batch", token, string(batch))
	if rr.Code != http.StatusOK {
		t.Fatalf("batch: got %d body=%s", rr.Code, rr.Body.String())
	}
	var batchResult struct {
		Action   string `json:"action"`
		Affected int64  `json:"affected"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &batchResult); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if batchResult.Affected != 2 {
		t.Fatalf("affected = %d", batchResult.Affected)
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/notifications?unreadOnly=true", token, "")
	if err := json.Unmarshal(rr.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode filtered: %v", err)
	}
	if listed.TotalCount != 3 || listed.UnreadCount != 1 || len(listed.Items) != 1 {
		t.Fatalf("after mark-read: %+v", listed)
	}

	// Marking the same ids read again is idempotent.
	rr = doRequest(t, handler, http.MethodPost, "/api/notifications/batch", token, string(batch))
	if rr.Code != http.StatusOK {
		t.Fatalf("repeat batch: got %d body=%s", rr.Code, rr.Body.String())
	}

	// Delete one and confirm it is gone from the totals.
	del, _ := json.Marshal(map[string]any{"ids": []string{ids[0]}, "action": "delete"})
	rr = doRequest(t, handler, http.MethodPost, "/api/notifications/batch", token, string(del))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doRequest(t, handler, http.MethodGet, "/api/notifications", token, "")
	if err := json.Unmarshal(rr.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode after delete: %v", err)
	}
	if listed.TotalCount != 2 {
		t.Fatalf("after delete: %+v", listed)
	}
}

func TestNotificationBatchIgnoresForeignIDs(t *testing.T) {
	svc, handler, mem := notificationTestServer(t)
	mayaToken := issueTestToken(t, svc, "usr-maya", "Maya", "CUSTOMER")
	theoToken := issueTestToken(t, svc, "usr-theo", "Theo", "ARTISAN")

	rr := doRequest(t, handler, http.MethodPost, "/api/notifications", mayaToken,
		`{"type":"ORDER_UPDATE","title":"Order accepted"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: got %d body=%s", rr.Code, rr.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}

	// Another user targeting the notification affects nothing and leaks
	// nothing; the response shape matches an all-foreign batch.
	del, _ := json.Marshal(map[string]any{"ids": []string{created.ID}, "action": "delete"})
	rr = doRequest(t, handler, http.MethodPost, "/api/notifications/batch", theoToken, string(del))
	if rr.Code != http.StatusOK {
		t.Fatalf("foreign delete: got %d body=%s", rr.Code, rr.Body.String())
	}
	var result struct {
		Affected int64 `json:"affected"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Affected != 0 {
		t.Fatalf("foreign batch affected = %d", result.Affected)
	}
	if _, ok := mem.items[created.ID]; !ok {
		t.Fatal("foreign delete must not remove the notification")
	}
}

func TestNotificationListRejectsBadPaging(t *testing.T) {
	svc, handler, _ := notificationTestServer(t)
	token := issueTestToken(t, svc, "usr-maya", "Maya", "CUSTOMER")

	rr := doRequest(t, handler, http.MethodGet, "/api/notifications?limit=abc", token, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doRequest(t, handler, http.MethodGet, "/api/notifications?offset=x", token, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}
