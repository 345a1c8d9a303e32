package notifications_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/esgqa/qa-engine/internal/notifications"
	"github.com/esgqa/qa-engine/internal/shared"
)

type memoryRepo struct {
	mu            sync.Mutex
	events        []notifications.ElementaryEvent
	notifications map[uuid.UUID]notifications.NotificationEvent
	payloads      map[uuid.UUID]notifications.Notification
	order         []uuid.UUID
	failures      map[uuid.UUID]int
	// commitErr fails the next commit after the callback succeeded.
	commitErr error
}

var _ notifications.Repository = (*memoryRepo)(nil)

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		notifications: make(map[uuid.UUID]notifications.NotificationEvent),
		payloads:      make(map[uuid.UUID]notifications.Notification),
		failures:      make(map[uuid.UUID]int),
	}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, notifications.TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := append([]notifications.ElementaryEvent(nil), m.events...)
	bundles := make(map[uuid.UUID]notifications.NotificationEvent, len(m.notifications))
	for k, v := range m.notifications {
		bundles[k] = v
	}
	payloads := make(map[uuid.UUID]notifications.Notification, len(m.payloads))
	for k, v := range m.payloads {
		payloads[k] = v
	}
	order := append([]uuid.UUID(nil), m.order...)
	err := fn(ctx, memoryTx{m})
	if err == nil && m.commitErr != nil {
		err, m.commitErr = m.commitErr, nil
	}
	if err != nil {
		m.events = events
		m.notifications = bundles
		m.payloads = payloads
		m.order = order
		return err
	}
	return nil
}

func (m *memoryRepo) ListEvents(_ context.Context, companyID string) ([]notifications.ElementaryEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notifications.ElementaryEvent
	for _, e := range m.events {
		if e.CompanyID == companyID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryRepo) PendingScopes(context.Context) ([]notifications.Scope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[notifications.Scope]bool{}
	var out []notifications.Scope
	add := func(s notifications.Scope) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, e := range m.events {
		if e.NotificationEventID == nil {
			add(notifications.Scope{CompanyID: e.CompanyID, Type: e.Type})
		}
	}
	for _, n := range m.notifications {
		if n.DispatchedAt == nil {
			add(notifications.Scope{CompanyID: n.CompanyID, Type: n.Type})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (m *memoryRepo) GetNotification(_ context.Context, id uuid.UUID) (notifications.NotificationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return notifications.NotificationEvent{}, shared.NotFound("notification event %s", id)
	}
	return n, nil
}

func (m *memoryRepo) PendingDispatches(_ context.Context, scope notifications.Scope) ([]notifications.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notifications.Notification
	for _, id := range m.order {
		n := m.notifications[id]
		if n.DispatchedAt == nil && n.CompanyID == scope.CompanyID && n.Type == scope.Type {
			out = append(out, m.payloads[id])
		}
	}
	return out, nil
}

func (m *memoryRepo) MarkDispatched(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return shared.NotFound("notification event %s", id)
	}
	if n.DispatchedAt == nil {
		n.DispatchedAt = &at
		m.notifications[id] = n
	}
	return nil
}

func (m *memoryRepo) RecordDispatchFailure(_ context.Context, id uuid.UUID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
	return nil
}

func (m *memoryRepo) undispatched() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.notifications {
		if b.DispatchedAt == nil {
			n++
		}
	}
	return n
}

func (m *memoryRepo) all() []notifications.ElementaryEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notifications.ElementaryEvent(nil), m.events...)
}

func (m *memoryRepo) bundleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications)
}

type memoryTx struct{ m *memoryRepo }

func (t memoryTx) InsertEvent(_ context.Context, e notifications.ElementaryEvent) error {
	t.m.events = append(t.m.events, e)
	return nil
}

func (memoryTx) LockScope(context.Context, notifications.Scope) error { return nil }

func (t memoryTx) FindUnnotified(_ context.Context, scope notifications.Scope) ([]notifications.ElementaryEvent, error) {
	var out []notifications.ElementaryEvent
	for _, e := range t.m.events {
		if e.CompanyID == scope.CompanyID && e.Type == scope.Type && e.NotificationEventID == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t memoryTx) InsertNotification(_ context.Context, n notifications.NotificationEvent, payload notifications.Notification) error {
	t.m.notifications[n.ID] = n
	t.m.payloads[n.ID] = payload
	t.m.order = append(t.m.order, n.ID)
	return nil
}

func (t memoryTx) MarkNotified(_ context.Context, notificationID uuid.UUID, eventIDs []uuid.UUID) (int64, error) {
	want := make(map[uuid.UUID]bool, len(eventIDs))
	for _, id := range eventIDs {
		want[id] = true
	}
	var n int64
	for i, e := range t.m.events {
		if want[e.ID] && e.NotificationEventID == nil {
			id := notificationID
			t.m.events[i].NotificationEventID = &id
			n++
		}
	}
	return n, nil
}
