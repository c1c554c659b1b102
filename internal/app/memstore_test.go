package app

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"bulletin/api/internal/config"
	"bulletin/api/internal/passcode"
	"bulletin/api/internal/realtime"
	"bulletin/api/internal/store"
	"bulletin/api/internal/util"
)

// memState is everything a transaction can touch. WithinTx works on a copy
// and swaps it in only when fn succeeds.
type memState struct {
	nextServiceID int64
	services      map[string]store.ServiceAssignment
	tasks         map[int64]map[string]store.WorkflowTask
	submissions   map[string]store.Submission
	translations  map[string]store.Translation
}

func (s memState) clone() memState {
	out := memState{
		nextServiceID: s.nextServiceID,
		services:      make(map[string]store.ServiceAssignment, len(s.services)),
		tasks:         make(map[int64]map[string]store.WorkflowTask, len(s.tasks)),
		submissions:   make(map[string]store.Submission, len(s.submissions)),
		translations:  make(map[string]store.Translation, len(s.translations)),
	}
	for k, v := range s.services {
		out.services[k] = v
	}
	for id, set := range s.tasks {
		copied := make(map[string]store.WorkflowTask, len(set))
		for k, v := range set {
			copied[k] = v
		}
		out.tasks[id] = copied
	}
	for k, v := range s.submissions {
		out.submissions[k] = v
	}
	for k, v := range s.translations {
		out.translations[k] = v
	}
	return out
}

type memStore struct {
	mu sync.Mutex

	state      memState
	users      map[string]store.User
	activity   []store.ActivityEntry
	messages   []store.Message
	mentions   []store.Mention
	refresh    map[string]string
	revoked    map[string]bool
	nextActID  int64
	now        func() time.Time
	pingErr    error
	appendErr  error
	replaceErr error
}

func newMemStore() *memStore {
	return &memStore{
		state: memState{
			services:     map[string]store.ServiceAssignment{},
			tasks:        map[int64]map[string]store.WorkflowTask{},
			submissions:  map[string]store.Submission{},
			translations: map[string]store.Translation{},
		},
		users:   map[string]store.User{},
		refresh: map[string]string{},
		revoked: map[string]bool{},
		now:     time.Now,
	}
}

func (m *memStore) addUser(username, role string) store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := store.User{
		ID:          util.NewID("usr"),
		Username:    username,
		DisplayName: strings.ToUpper(username[:1]) + username[1:],
		Role:        role,
		CreatedAt:   m.now(),
	}
	m.users[user.ID] = user
	return user
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) CountUsers(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users), nil
}

func (m *memStore) CreateUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Username, user.Username) {
			return store.ErrConflict
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (m *memStore) GetUserByUsername(_ context.Context, username string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if strings.EqualFold(user.Username, username) {
			return user, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (m *memStore) FindUsersByUsername(_ context.Context, usernames []string) (map[string]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := make(map[string]store.User)
	for _, name := range usernames {
		for _, user := range m.users {
			if strings.EqualFold(user.Username, name) {
				found[strings.ToLower(user.Username)] = user
			}
		}
	}
	return found, nil
}

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = userID
	return nil
}

func (m *memStore) ConsumeRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.refresh[tokenHash]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	delete(m.refresh, tokenHash)
	return store.User{ID: userID}, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = true
	return nil
}

func (m *memStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

func (m *memStore) WithinTx(_ context.Context, fn func(store.Tx) error) error {
	m.mu.Lock()
	working := m.state.clone()
	replaceErr := m.replaceErr
	m.mu.Unlock()

	tx := &memTx{state: &working, now: m.now(), replaceErr: replaceErr}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = working
	m.mu.Unlock()
	return nil
}

func (m *memStore) GetServiceAssignment(_ context.Context, dateString string) (store.ServiceAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.state.services[dateString]
	if !ok {
		return store.ServiceAssignment{}, store.ErrNotFound
	}
	return item, nil
}

func (m *memStore) GetTasksForService(_ context.Context, serviceID int64) (map[string]store.TaskView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	views := make(map[string]store.TaskView)
	for id, task := range m.state.tasks[serviceID] {
		views[id] = task.View()
	}
	return views, nil
}

func (m *memStore) GetAllServicesWithTasks(ctx context.Context) ([]store.ServiceWithTasks, error) {
	m.mu.Lock()
	services := make([]store.ServiceAssignment, 0, len(m.state.services))
	for _, item := range m.state.services {
		services = append(services, item)
	}
	m.mu.Unlock()

	sort.Slice(services, func(i, j int) bool { return services[i].DateString < services[j].DateString })
	out := make([]store.ServiceWithTasks, 0, len(services))
	for _, item := range services {
		tasks, _ := m.GetTasksForService(ctx, item.ID)
		out = append(out, store.ServiceWithTasks{ServiceAssignment: item, Tasks: tasks})
	}
	return out, nil
}

func (m *memStore) AppendActivity(_ context.Context, entry store.ActivityEntry) (store.ActivityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return store.ActivityEntry{}, m.appendErr
	}
	m.nextActID++
	entry.ID = m.nextActID
	entry.CreatedAt = m.now()
	m.activity = append(m.activity, entry)
	return entry, nil
}

func (m *memStore) RecentActivity(_ context.Context, limit int, activityType string) ([]store.ActivityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ActivityEntry, 0)
	for i := len(m.activity) - 1; i >= 0 && len(out) < limit; i-- {
		if activityType == "" || m.activity[i].ActivityType == activityType {
			out = append(out, m.activity[i])
		}
	}
	return out, nil
}

func (m *memStore) ActivityForDate(_ context.Context, dateString string, limit int) ([]store.ActivityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ActivityEntry, 0)
	for i := len(m.activity) - 1; i >= 0 && len(out) < limit; i-- {
		if m.activity[i].DateString == dateString {
			out = append(out, m.activity[i])
		}
	}
	return out, nil
}

func (m *memStore) InsertMessage(_ context.Context, msg store.Message, mentions []store.Mention) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sender, ok := m.users[msg.SenderID]
	if !ok {
		return store.Message{}, store.ErrNotFound
	}
	msg.CreatedAt = m.now()
	msg.SenderUsername = sender.Username
	msg.SenderName = sender.DisplayName
	msg.SenderRole = sender.Role
	m.messages = append(m.messages, msg)
	for _, mention := range mentions {
		mention.CreatedAt = msg.CreatedAt
		m.mentions = append(m.mentions, mention)
	}
	return msg, nil
}

func (m *memStore) ListMessages(_ context.Context, limit, offset int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Message, 0)
	for i := len(m.messages) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.messages[i])
	}
	return out, nil
}

func (m *memStore) addressed(mention store.Mention, userID, role string) bool {
	return (mention.MentionedUserID != "" && mention.MentionedUserID == userID) ||
		(mention.MentionedRole != "" && mention.MentionedRole == role)
}

func (m *memStore) ListMentionsFor(_ context.Context, userID, role string, limit, offset int) ([]store.MentionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.MentionView, 0)
	skipped := 0
	for i := len(m.mentions) - 1; i >= 0 && len(out) < limit; i-- {
		mention := m.mentions[i]
		if !m.addressed(mention, userID, role) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		view := store.MentionView{Mention: mention}
		for _, msg := range m.messages {
			if msg.ID == mention.MessageID {
				view.Message = msg
			}
		}
		out = append(out, view)
	}
	return out, nil
}

func (m *memStore) MarkMentionsRead(_ context.Context, ids []string, userID, role string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var updated int64
	for i, mention := range m.mentions {
		if wanted[mention.ID] && !mention.IsRead && m.addressed(mention, userID, role) {
			m.mentions[i].IsRead = true
			updated++
		}
	}
	return updated, nil
}

func (m *memStore) UnreadMentionCount(_ context.Context, userID, role string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, mention := range m.mentions {
		if !mention.IsRead && m.addressed(mention, userID, role) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) ListSubmissions(_ context.Context, kind, dateString string) ([]store.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Submission, 0)
	for _, item := range m.state.submissions {
		if item.Kind != kind || (dateString != "" && item.DateString != dateString) {
			continue
		}
		if translation, ok := m.state.translations[item.ID]; ok {
			translation := translation
			item.Translation = &translation
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memTx struct {
	state      *memState
	now        time.Time
	replaceErr error
}

func (t *memTx) UpsertServiceAssignment(_ context.Context, assignment store.ServiceAssignment) (int64, error) {
	existing, ok := t.state.services[assignment.DateString]
	if !ok {
		t.state.nextServiceID++
		existing = store.ServiceAssignment{
			ID:         t.state.nextServiceID,
			DateString: assignment.DateString,
			Status:     "planning",
			CreatedAt:  t.now,
		}
	}
	if assignment.Title != "" {
		existing.Title = assignment.Title
	}
	if assignment.Status != "" {
		existing.Status = assignment.Status
	}
	existing.DaysUntil = assignment.DaysUntil
	existing.UpdatedAt = t.now
	t.state.services[assignment.DateString] = existing
	return existing.ID, nil
}

func (t *memTx) DeleteServiceAssignment(_ context.Context, dateString string) error {
	existing, ok := t.state.services[dateString]
	if !ok {
		return store.ErrNotFound
	}
	delete(t.state.services, dateString)
	delete(t.state.tasks, existing.ID)
	for id, item := range t.state.submissions {
		if item.ServiceID == existing.ID {
			delete(t.state.submissions, id)
			delete(t.state.translations, id)
		}
	}
	return nil
}

func (t *memTx) TasksForService(_ context.Context, serviceID int64) ([]store.WorkflowTask, error) {
	out := make([]store.WorkflowTask, 0)
	for _, task := range t.state.tasks[serviceID] {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (t *memTx) ReplaceTasksForService(_ context.Context, serviceID int64, tasks []store.WorkflowTask) error {
	set := make(map[string]store.WorkflowTask, len(tasks))
	for i, task := range tasks {
		// Fail part-way through so a rollback has something to undo.
		if t.replaceErr != nil && i == len(tasks)-1 {
			t.state.tasks[serviceID] = set
			return t.replaceErr
		}
		if task.Status == "" {
			task.Status = store.StatusPending
		}
		if task.Status != store.StatusCompleted {
			task.CompletedBy = nil
		}
		task.ServiceID = serviceID
		task.UpdatedAt = t.now
		set[task.TaskID] = task
	}
	t.state.tasks[serviceID] = set
	return nil
}

func (t *memTx) UpsertTask(_ context.Context, task store.WorkflowTask) (store.WorkflowTask, error) {
	set := t.state.tasks[task.ServiceID]
	if set == nil {
		set = map[string]store.WorkflowTask{}
		t.state.tasks[task.ServiceID] = set
	}
	existing, ok := set[task.TaskID]
	if !ok {
		if task.Status != store.StatusCompleted {
			task.CompletedBy = nil
		}
		task.UpdatedAt = t.now
		set[task.TaskID] = task
		return task, nil
	}

	if task.Status == store.StatusCompleted && existing.Status != store.StatusCompleted {
		existing.CompletedBy = task.CompletedBy
	}
	existing.Status = task.Status
	if task.DocumentLink != nil {
		existing.DocumentLink = task.DocumentLink
	}
	if task.AssignedTo != nil {
		existing.AssignedTo = task.AssignedTo
	}
	if len(task.Metadata) > 0 {
		merged := make(map[string]any, len(existing.Metadata)+len(task.Metadata))
		for k, v := range existing.Metadata {
			merged[k] = v
		}
		for k, v := range task.Metadata {
			merged[k] = v
		}
		existing.Metadata = merged
	}
	existing.UpdatedAt = t.now
	set[task.TaskID] = existing
	return existing, nil
}

func (t *memTx) DeleteTask(_ context.Context, serviceID int64, taskID string) error {
	set := t.state.tasks[serviceID]
	if _, ok := set[taskID]; !ok {
		return store.ErrNotFound
	}
	delete(set, taskID)
	return nil
}

func (t *memTx) GetSubmission(_ context.Context, id string) (store.Submission, error) {
	item, ok := t.state.submissions[id]
	if !ok {
		return store.Submission{}, store.ErrNotFound
	}
	return item, nil
}

func (t *memTx) UpsertSubmission(_ context.Context, submission store.Submission) (store.Submission, error) {
	for id, existing := range t.state.submissions {
		if existing.ServiceID == submission.ServiceID && existing.Kind == submission.Kind && existing.Title == submission.Title {
			existing.Content = submission.Content
			existing.Language = submission.Language
			existing.SubmittedBy = submission.SubmittedBy
			existing.Status = store.SubmissionPending
			existing.UpdatedAt = t.now
			t.state.submissions[id] = existing
			return existing, nil
		}
	}
	for _, service := range t.state.services {
		if service.ID == submission.ServiceID {
			submission.DateString = service.DateString
		}
	}
	submission.Status = store.SubmissionPending
	submission.CreatedAt = t.now
	submission.UpdatedAt = t.now
	t.state.submissions[submission.ID] = submission
	return submission, nil
}

func (t *memTx) UpsertTranslation(_ context.Context, translation store.Translation) (store.Translation, error) {
	if existing, ok := t.state.translations[translation.OriginalID]; ok {
		translation.ID = existing.ID
		translation.CreatedAt = existing.CreatedAt
	} else {
		translation.CreatedAt = t.now
	}
	translation.UpdatedAt = t.now
	t.state.translations[translation.OriginalID] = translation
	return translation, nil
}

func (t *memTx) MarkSubmissionTranslated(_ context.Context, id string) error {
	item, ok := t.state.submissions[id]
	if !ok {
		return store.ErrNotFound
	}
	item.Status = store.SubmissionTranslated
	item.UpdatedAt = t.now
	t.state.submissions[id] = item
	return nil
}

type busEvent struct {
	room    string
	event   string
	payload any
}

// recordingBus captures everything the service pushes to clients.
type recordingBus struct {
	mu     sync.Mutex
	events []busEvent
}

func (b *recordingBus) BroadcastToAll(event string, payload any) {
	b.add(busEvent{event: event, payload: payload})
}

func (b *recordingBus) BroadcastToRoom(room, event string, payload any) {
	b.add(busEvent{room: room, event: event, payload: payload})
}

func (b *recordingBus) EmitActivity(record any) {
	b.add(busEvent{event: "activity", payload: record})
}

func (b *recordingBus) EndSession(userID, tokenID string) {
	b.add(busEvent{room: realtime.UserRoom(userID), event: realtime.EventSessionEnded, payload: tokenID})
}

func (b *recordingBus) add(e busEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) byEvent(event string) []busEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]busEvent, 0)
	for _, e := range b.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() config.Config {
	return config.Config{
		TokenSecret: "test-secret",
		AccessTTL:   15 * time.Minute,
		RefreshTTL:  24 * time.Hour,
		Limits:      config.LimitsConfig{Messages: 50, Activity: 50, MaxList: 200},
	}
}

var testNow = time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memStore, *recordingBus) {
	t.Helper()
	ms := newMemStore()
	ms.now = func() time.Time { return testNow }
	bus := &recordingBus{}
	svc := New(testConfig(), Dependencies{
		Store: ms,
		Bus:   bus,
		Now:   func() time.Time { return testNow },
	})
	return svc, ms, bus
}

func sessionFor(user store.User) Session {
	return Session{UserID: user.ID, Username: user.Username, UserName: user.Name(), Role: user.Role}
}

// addLoginUser stores a user whose passcode verifies.
func addLoginUser(t *testing.T, ms *memStore, username, role, code string) store.User {
	t.Helper()
	hash, err := passcode.Hash(code)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	user := store.User{ID: util.NewID("usr"), Username: username, Role: role, PasscodeHash: hash}
	if err := ms.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func requireDomainError(t *testing.T, err error, status int) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected domain error with status %d, got %v", status, err)
	}
	if domainErr.Status != status {
		t.Fatalf("expected status %d, got %d (%s)", status, domainErr.Status, domainErr.Message)
	}
}
