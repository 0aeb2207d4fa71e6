package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/crm"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/phone"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testNormalizer() *phone.Normalizer {
	return phone.NewNormalizer("51", 9)
}

// store backs every fake repository so cross-table conditions behave like the database
type store struct {
	mu        sync.Mutex
	campaigns []*models.Campaign
	senders   []*models.Sender
	targets   []*models.Target
	entries   []*models.QueueEntry
	messages  []*models.MessageRecord
	events    []*models.EventRecord

	enqueueErr error
}

// fakeTx drops rows appended to st when fn fails
type fakeTx struct {
	st    *store
	calls int
}

func (f *fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	if f.st == nil {
		return fn(ctx)
	}

	f.st.mu.Lock()
	campaigns, targets, entries := len(f.st.campaigns), len(f.st.targets), len(f.st.entries)
	f.st.mu.Unlock()

	err := fn(ctx)
	if err != nil {
		f.st.mu.Lock()
		f.st.campaigns = f.st.campaigns[:campaigns]
		f.st.targets = f.st.targets[:targets]
		f.st.entries = f.st.entries[:entries]
		f.st.mu.Unlock()
	}
	return err
}

// mockCampaignRepository for testing
type mockCampaignRepository struct {
	*store
}

func (m *mockCampaignRepository) Create(ctx context.Context, campaign *models.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	campaign.ID = int64(len(m.campaigns) + 1)
	copied := *campaign
	m.campaigns = append(m.campaigns, &copied)
	return nil
}

func (m *mockCampaignRepository) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.campaigns {
		if c.ID == id {
			copied := *c
			return &copied, nil
		}
	}
	return nil, models.ErrNotFoundWithMsg("campaign not found")
}

func (m *mockCampaignRepository) GetWithStats(ctx context.Context, id int64) (*models.CampaignWithStats, error) {
	campaign, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	result := &models.CampaignWithStats{Campaign: *campaign}
	for _, t := range m.targets {
		if t.CampaignID != id {
			continue
		}
		result.Stats.Total++
		switch t.Status {
		case models.TargetStatusQueued:
			result.Stats.Queued++
		case models.TargetStatusSent:
			result.Stats.Sent++
		case models.TargetStatusFailed:
			result.Stats.Failed++
		case models.TargetStatusCanceled:
			result.Stats.Canceled++
		}
	}
	return result, nil
}

func (m *mockCampaignRepository) List(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filtered := []*models.Campaign{}
	for _, c := range m.campaigns {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		filtered = append(filtered, c)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID > filtered[j].ID })

	totalCount := int64(len(filtered))

	models.ValidateAndSetDefaults(&filter.Page, &filter.PageSize)
	offset := models.CalculateOffset(filter.Page, filter.PageSize)

	start := offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + filter.PageSize
	if end > len(filtered) {
		end = len(filtered)
	}

	return filtered[start:end], totalCount, nil
}

func (m *mockCampaignRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.campaigns {
		if c.ID == id {
			c.Status = status
			return nil
		}
	}
	return models.ErrNotFoundWithMsg("campaign not found")
}

func (m *mockCampaignRepository) AddTotalTargets(ctx context.Context, id int64, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.campaigns {
		if c.ID == id {
			c.TotalTargets += delta
			return nil
		}
	}
	return models.ErrNotFoundWithMsg("campaign not found")
}

func (m *mockCampaignRepository) ListDueScheduled(ctx context.Context, now time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, c := range m.campaigns {
		if c.Status == models.CampaignStatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func (m *mockCampaignRepository) CompleteIdle(ctx context.Context) ([]int64, []int64, error) {
	return nil, nil, nil
}

type mockSenderRepository struct {
	*store
}

func (m *mockSenderRepository) GetByID(ctx context.Context, id int64) (*models.Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.senders {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, models.ErrNotFoundWithMsg("sender not found")
}

func (m *mockSenderRepository) GetOrCreate(ctx context.Context, sender *models.Sender) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.senders {
		if s.PhoneNumberID == sender.PhoneNumberID {
			*sender = *s
			return nil
		}
	}
	sender.ID = int64(len(m.senders) + 1)
	copied := *sender
	m.senders = append(m.senders, &copied)
	return nil
}

type mockTargetRepository struct {
	*store
}

func (m *mockTargetRepository) InsertBatch(ctx context.Context, campaignID int64, targets []*models.Target) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, t := range targets {
		dup := false
		for _, existing := range m.targets {
			if existing.CampaignID == campaignID && existing.Phone == t.Phone {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		t.ID = int64(len(m.targets) + 1)
		t.CampaignID = campaignID
		if t.Status == "" {
			t.Status = models.TargetStatusQueued
		}
		t.UpdatedAt = time.Now()
		m.targets = append(m.targets, t)
		inserted++
	}
	return inserted, nil
}

func (m *mockTargetRepository) find(id int64) *models.Target {
	for _, t := range m.targets {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (m *mockTargetRepository) GetByID(ctx context.Context, id int64) (*models.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.find(id); t != nil {
		copied := *t
		return &copied, nil
	}
	return nil, models.ErrNotFoundWithMsg("target not found")
}

func (m *mockTargetRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.targets {
		if t.ProviderMessageID != nil && *t.ProviderMessageID == providerMessageID {
			copied := *t
			return &copied, nil
		}
	}
	return nil, models.ErrNotFoundWithMsg("target not found")
}

func (m *mockTargetRepository) GetLatestByPhone(ctx context.Context, phone string) (*models.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Target
	for _, t := range m.targets {
		if t.Phone == phone && (latest == nil || !t.UpdatedAt.Before(latest.UpdatedAt)) {
			latest = t
		}
	}
	if latest == nil {
		return nil, models.ErrNotFoundWithMsg("target not found")
	}
	copied := *latest
	return &copied, nil
}

func (m *mockTargetRepository) ListEnqueueable(ctx context.Context, campaignID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, t := range m.targets {
		if t.CampaignID != campaignID {
			continue
		}
		if t.Status != models.TargetStatusQueued && t.Status != models.TargetStatusFailed {
			continue
		}
		open := false
		for _, e := range m.entries {
			if e.TargetID == t.ID && (e.Status == models.QueueStatusQueued || e.Status == models.QueueStatusProcessing) {
				open = true
			}
		}
		if !open {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

func (m *mockTargetRepository) RequeueFailed(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if t := m.find(id); t != nil && t.Status == models.TargetStatusFailed {
			t.Status = models.TargetStatusQueued
		}
	}
	return nil
}

func (m *mockTargetRepository) UpdateStatus(ctx context.Context, id int64, status string, lastError *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.find(id)
	if t == nil {
		return models.ErrNotFoundWithMsg("target not found")
	}
	t.Status = status
	if lastError != nil {
		msg := models.Truncate(*lastError)
		t.LastError = &msg
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (m *mockTargetRepository) MarkFailed(ctx context.Context, id int64, lastError string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.find(id)
	if t == nil || t.Status == models.TargetStatusCanceled {
		return false, nil
	}
	msg := models.Truncate(lastError)
	t.Status = models.TargetStatusFailed
	t.LastError = &msg
	return true, nil
}

func (m *mockTargetRepository) RecordError(ctx context.Context, id int64, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.find(id)
	if t == nil {
		return nil
	}
	msg := models.Truncate(lastError)
	t.LastError = &msg
	if t.Status == models.TargetStatusSending {
		t.Status = models.TargetStatusQueued
	}
	return nil
}

func (m *mockTargetRepository) MarkSent(ctx context.Context, id int64, providerMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.find(id)
	if t == nil {
		return models.ErrNotFoundWithMsg("target not found")
	}
	now := time.Now()
	t.Status = models.TargetStatusSent
	t.ProviderMessageID = &providerMessageID
	t.SentAt = &now
	t.UpdatedAt = now
	return nil
}

func (m *mockTargetRepository) Touch(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.find(id)
	if t == nil {
		return models.ErrNotFoundWithMsg("target not found")
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (m *mockTargetRepository) CancelOpen(ctx context.Context, campaignID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.targets {
		if t.CampaignID == campaignID && (t.Status == models.TargetStatusQueued || t.Status == models.TargetStatusSending) {
			t.Status = models.TargetStatusCanceled
			n++
		}
	}
	return n, nil
}

type mockMessageRepository struct {
	*store
}

func (m *mockMessageRepository) CreateMessage(ctx context.Context, record *models.MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.ID = int64(len(m.messages) + 1)
	m.messages = append(m.messages, record)
	return nil
}

func (m *mockMessageRepository) CreateEvent(ctx context.Context, record *models.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.ID = int64(len(m.events) + 1)
	m.events = append(m.events, record)
	return nil
}

type mockQueue struct {
	*store
}

func (m *mockQueue) Enqueue(ctx context.Context, campaignID, targetID, senderID int64) (*models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return nil, m.enqueueErr
	}
	entry := &models.QueueEntry{
		ID:         int64(len(m.entries) + 1),
		CampaignID: campaignID,
		TargetID:   targetID,
		SenderID:   senderID,
		Status:     models.QueueStatusQueued,
	}
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *mockQueue) FetchBatch(ctx context.Context, limit int) ([]*models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var batch []*models.QueueEntry
	for _, e := range m.entries {
		if len(batch) == limit {
			break
		}
		if e.Status == models.QueueStatusQueued {
			e.Status = models.QueueStatusProcessing
			batch = append(batch, e)
		}
	}
	return batch, nil
}

func (m *mockQueue) setStatus(id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			e.Status = status
			return nil
		}
	}
	return models.ErrNotFoundWithMsg("queue entry not found")
}

func (m *mockQueue) MarkDone(ctx context.Context, id int64) error {
	return m.setStatus(id, models.QueueStatusDone)
}

func (m *mockQueue) MarkFailed(ctx context.Context, id int64, backoff time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			e.Attempts++
			e.Status = models.QueueStatusQueued
			return e.Attempts, nil
		}
	}
	return 0, models.ErrNotFoundWithMsg("queue entry not found")
}

func (m *mockQueue) MarkDead(ctx context.Context, id int64) error {
	return m.setStatus(id, models.QueueStatusFailed)
}

func (m *mockQueue) Release(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if err := m.setStatus(id, models.QueueStatusQueued); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockQueue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

func (m *mockQueue) OpenCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.Status == models.QueueStatusQueued || e.Status == models.QueueStatusProcessing {
			n++
		}
	}
	return n, nil
}

type crmComment struct {
	EntityType string
	EntityID   string
	Text       string
}

type mockCRM struct {
	resolved   []crm.Resolved
	fetchErr   error
	commentErr error
	requests   []crm.FetchRequest
	comments   []crmComment
}

func (m *mockCRM) FetchTargets(ctx context.Context, req crm.FetchRequest) ([]crm.Resolved, error) {
	m.requests = append(m.requests, req)
	return m.resolved, m.fetchErr
}

func (m *mockCRM) PushTimelineComment(ctx context.Context, entityType, entityID, text string) error {
	m.comments = append(m.comments, crmComment{EntityType: entityType, EntityID: entityID, Text: text})
	return m.commentErr
}
