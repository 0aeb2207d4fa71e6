package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/whatsapp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Mock repositories for testing
type mockCampaignRepo struct {
	campaigns    map[int64]*models.Campaign
	done, failed []int64
	completes    int
}

func (m *mockCampaignRepo) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	campaign, ok := m.campaigns[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg("campaign not found")
	}
	return campaign, nil
}

func (m *mockCampaignRepo) CompleteIdle(ctx context.Context) ([]int64, []int64, error) {
	m.completes++
	return m.done, m.failed, nil
}

// Unused methods for interface compliance
func (m *mockCampaignRepo) Create(ctx context.Context, campaign *models.Campaign) error {
	return nil
}
func (m *mockCampaignRepo) GetWithStats(ctx context.Context, id int64) (*models.CampaignWithStats, error) {
	return nil, nil
}
func (m *mockCampaignRepo) List(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, int64, error) {
	return nil, 0, nil
}
func (m *mockCampaignRepo) UpdateStatus(ctx context.Context, id int64, status string) error {
	return nil
}
func (m *mockCampaignRepo) AddTotalTargets(ctx context.Context, id int64, delta int) error {
	return nil
}
func (m *mockCampaignRepo) ListDueScheduled(ctx context.Context, now time.Time) ([]int64, error) {
	return nil, nil
}

type statusUpdate struct {
	id        int64
	status    string
	lastError *string
}

type mockTargetRepo struct {
	targets map[int64]*models.Target
	updates []statusUpdate
}

func (m *mockTargetRepo) GetByID(ctx context.Context, id int64) (*models.Target, error) {
	target, ok := m.targets[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg("target not found")
	}
	copied := *target
	return &copied, nil
}

func (m *mockTargetRepo) UpdateStatus(ctx context.Context, id int64, status string, lastError *string) error {
	target, ok := m.targets[id]
	if !ok {
		return models.ErrNotFoundWithMsg("target not found")
	}
	target.Status = status
	if lastError != nil {
		target.LastError = lastError
	}
	m.updates = append(m.updates, statusUpdate{id, status, lastError})
	return nil
}

func (m *mockTargetRepo) MarkFailed(ctx context.Context, id int64, lastError string) (bool, error) {
	target, ok := m.targets[id]
	if !ok || target.Status == models.TargetStatusCanceled {
		return false, nil
	}
	target.Status = models.TargetStatusFailed
	target.LastError = &lastError
	m.updates = append(m.updates, statusUpdate{id, models.TargetStatusFailed, &lastError})
	return true, nil
}

func (m *mockTargetRepo) RecordError(ctx context.Context, id int64, lastError string) error {
	target, ok := m.targets[id]
	if !ok {
		return models.ErrNotFoundWithMsg("target not found")
	}
	if target.Status == models.TargetStatusSending {
		target.Status = models.TargetStatusQueued
	}
	target.LastError = &lastError
	m.updates = append(m.updates, statusUpdate{id, target.Status, &lastError})
	return nil
}

func (m *mockTargetRepo) MarkSent(ctx context.Context, id int64, providerMessageID string) error {
	target, ok := m.targets[id]
	if !ok {
		return models.ErrNotFoundWithMsg("target not found")
	}
	target.Status = models.TargetStatusSent
	target.ProviderMessageID = &providerMessageID
	m.updates = append(m.updates, statusUpdate{id, models.TargetStatusSent, nil})
	return nil
}

// Unused methods for interface compliance
func (m *mockTargetRepo) InsertBatch(ctx context.Context, campaignID int64, targets []*models.Target) (int, error) {
	return 0, nil
}
func (m *mockTargetRepo) GetByProviderMessageID(ctx context.Context, id string) (*models.Target, error) {
	return nil, models.ErrNotFoundWithMsg("target not found")
}
func (m *mockTargetRepo) GetLatestByPhone(ctx context.Context, phone string) (*models.Target, error) {
	return nil, models.ErrNotFoundWithMsg("target not found")
}
func (m *mockTargetRepo) ListEnqueueable(ctx context.Context, campaignID int64) ([]int64, error) {
	return nil, nil
}
func (m *mockTargetRepo) RequeueFailed(ctx context.Context, ids []int64) error {
	return nil
}
func (m *mockTargetRepo) Touch(ctx context.Context, id int64) error {
	return nil
}
func (m *mockTargetRepo) CancelOpen(ctx context.Context, campaignID int64) (int64, error) {
	return 0, nil
}

type mockSenderRepo struct {
	senders map[int64]*models.Sender
	lookups int
}

func (m *mockSenderRepo) GetByID(ctx context.Context, id int64) (*models.Sender, error) {
	m.lookups++
	sender, ok := m.senders[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg("sender not found")
	}
	return sender, nil
}

func (m *mockSenderRepo) GetOrCreate(ctx context.Context, sender *models.Sender) error {
	return nil
}

type mockMessageRepo struct {
	messages []*models.MessageRecord
}

func (m *mockMessageRepo) CreateMessage(ctx context.Context, record *models.MessageRecord) error {
	m.messages = append(m.messages, record)
	return nil
}

func (m *mockMessageRepo) CreateEvent(ctx context.Context, record *models.EventRecord) error {
	return nil
}

type failedCall struct {
	id      int64
	backoff time.Duration
}

type mockQueue struct {
	batch    []*models.QueueEntry
	fetchErr error
	attempts map[int64]int
	open     int64
	fetches  int
	reclaims int
	done     []int64
	failed   []failedCall
	dead     []int64
	released []int64
}

func (m *mockQueue) Enqueue(ctx context.Context, campaignID, targetID, senderID int64) (*models.QueueEntry, error) {
	return nil, errors.New("not used")
}

func (m *mockQueue) FetchBatch(ctx context.Context, limit int) ([]*models.QueueEntry, error) {
	m.fetches++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	batch := m.batch
	if len(batch) > limit {
		batch = batch[:limit]
	}
	m.batch = nil
	return batch, nil
}

func (m *mockQueue) MarkDone(ctx context.Context, id int64) error {
	m.done = append(m.done, id)
	return nil
}

func (m *mockQueue) MarkFailed(ctx context.Context, id int64, backoff time.Duration) (int, error) {
	if m.attempts == nil {
		m.attempts = map[int64]int{}
	}
	m.attempts[id]++
	m.failed = append(m.failed, failedCall{id, backoff})
	return m.attempts[id], nil
}

func (m *mockQueue) MarkDead(ctx context.Context, id int64) error {
	m.dead = append(m.dead, id)
	return nil
}

func (m *mockQueue) Release(ctx context.Context, ids []int64) error {
	m.released = append(m.released, ids...)
	return nil
}

func (m *mockQueue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.reclaims++
	return 0, nil
}

func (m *mockQueue) OpenCount(ctx context.Context) (int64, error) {
	return m.open, nil
}

type sendCall struct {
	phoneNumberID string
	to            string
}

type testMockSender struct {
	buildErr error
	sendErr  error
	onSend   func()
	builds   []whatsapp.TemplateMessage
	calls    []sendCall
}

func (m *testMockSender) BuildRequest(ctx context.Context, msg whatsapp.TemplateMessage) (*whatsapp.SendRequest, error) {
	m.builds = append(m.builds, msg)
	if m.buildErr != nil {
		return nil, m.buildErr
	}
	return &whatsapp.SendRequest{
		MessagingProduct: "whatsapp",
		To:               msg.To,
		Type:             "template",
		Template:         whatsapp.TemplateRef{Name: msg.Template, Language: whatsapp.Language{Code: msg.Language}},
	}, nil
}

func (m *testMockSender) Send(ctx context.Context, phoneNumberID string, req *whatsapp.SendRequest) (*whatsapp.SendResult, error) {
	m.calls = append(m.calls, sendCall{phoneNumberID, req.To})
	if m.onSend != nil {
		m.onSend()
	}
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &whatsapp.SendResult{
		MessageID: "wamid.test." + req.To,
		Payload:   []byte(`{"to":"` + req.To + `"}`),
		Response:  []byte(`{"messages":[{"id":"wamid.test"}]}`),
	}, nil
}
