package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
)

func newTestCampaignService(st *store) *campaignService {
	return &campaignService{
		tx:           &fakeTx{st: st},
		campaignRepo: &mockCampaignRepository{st},
		targetRepo:   &mockTargetRepository{st},
		senderRepo:   &mockSenderRepository{st},
		targetSvc:    NewTargetService(nil, testNormalizer(), testLogger()),
		queueClient:  &mockQueue{st},
		sender:       SenderDefaults{PhoneNumberID: "1055", Label: "main", QPS: 20},
		logger:       testLogger(),
	}
}

func createRequest(phones ...string) *CreateCampaignRequest {
	req := &CreateCampaignRequest{
		Name:         "Promo octubre",
		TemplateName: "promo_oct",
		Language:     "es",
	}
	for _, p := range phones {
		req.Targets = append(req.Targets, TargetInput{Phone: p, Variables: models.Variables{"1": "Ana"}})
	}
	return req
}

func appCode(t *testing.T, err error) string {
	t.Helper()
	var appErr *models.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %v", err)
	return appErr.Code
}

func TestCampaignService_Create(t *testing.T) {
	tests := []struct {
		name           string
		phones         []string
		wantInserted   int
		wantDuplicates int
		wantInvalid    int
	}{
		{
			name:         "valid and invalid phones",
			phones:       []string{"918131082", "51999888777", "+51 987 654 321", "123", "abc"},
			wantInserted: 3,
			wantInvalid:  2,
		},
		{
			name:           "same number in two forms is one target",
			phones:         []string{"+51918131082", "918131082"},
			wantInserted:   1,
			wantDuplicates: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &store{}
			svc := newTestCampaignService(st)

			result, err := svc.Create(context.Background(), createRequest(tt.phones...))
			require.NoError(t, err)

			assert.Equal(t, tt.wantInserted, result.Inserted)
			assert.Equal(t, tt.wantDuplicates, result.Duplicates)
			assert.Equal(t, tt.wantInvalid, result.SkippedInvalid)
			assert.Equal(t, models.CampaignStatusDraft, result.Campaign.Status)
			assert.Equal(t, tt.wantInserted, st.campaigns[0].TotalTargets)
			assert.Len(t, st.targets, tt.wantInserted)
			assert.Empty(t, st.entries, "draft campaigns enqueue nothing")
			for _, target := range st.targets {
				assert.Equal(t, models.TargetStatusQueued, target.Status)
			}
		})
	}
}

func TestCampaignService_Create_NoValidTargets(t *testing.T) {
	st := &store{}
	svc := newTestCampaignService(st)

	_, err := svc.Create(context.Background(), createRequest("12", "not-a-phone"))
	require.Error(t, err)
	assert.Equal(t, models.CodeInvalidInput, appCode(t, err))
	assert.Empty(t, st.campaigns)
	assert.Empty(t, st.targets)
}

func TestCampaignService_Create_Validation(t *testing.T) {
	scheduled := time.Now().Add(time.Hour)

	tests := []struct {
		name   string
		mutate func(r *CreateCampaignRequest)
	}{
		{name: "missing name", mutate: func(r *CreateCampaignRequest) { r.Name = "" }},
		{name: "missing template", mutate: func(r *CreateCampaignRequest) { r.TemplateName = "" }},
		{name: "no targets", mutate: func(r *CreateCampaignRequest) { r.Targets = nil }},
		{name: "empty phone", mutate: func(r *CreateCampaignRequest) { r.Targets[0].Phone = "" }},
		{name: "start with schedule", mutate: func(r *CreateCampaignRequest) {
			r.Start = true
			r.ScheduledAt = &scheduled
		}},
		{name: "crm without configured client", mutate: func(r *CreateCampaignRequest) {
			r.CRM = &CRMSource{EntityType: "contact", IDs: []string{"1"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestCampaignService(&store{})
			req := createRequest("918131082")
			tt.mutate(req)

			_, err := svc.Create(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, models.CodeInvalidInput, appCode(t, err))
		})
	}
}

func TestCampaignService_Create_SenderRequired(t *testing.T) {
	svc := newTestCampaignService(&store{})
	svc.sender = SenderDefaults{}

	_, err := svc.Create(context.Background(), createRequest("918131082"))
	require.Error(t, err)
	assert.Equal(t, models.CodeInvalidInput, appCode(t, err))

	req := createRequest("918131082")
	req.Sender = &SenderInput{PhoneNumberID: "2077", QPS: 5}
	result, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.NotZero(t, result.Campaign.SenderID)
}

func TestCampaignService_Create_Start(t *testing.T) {
	st := &store{}
	svc := newTestCampaignService(st)

	req := createRequest("918131082", "918131083")
	req.Start = true

	result, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusRunning, result.Campaign.Status)
	assert.Equal(t, 2, result.Enqueued)
	assert.Len(t, st.entries, 2)
}

func TestCampaignService_Create_StartFailureKeepsNothing(t *testing.T) {
	st := &store{enqueueErr: errors.New("connection refused")}
	svc := newTestCampaignService(st)

	req := createRequest("918131082", "918131083")
	req.Start = true

	result, err := svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Empty(t, st.campaigns, "a failed start must not leave a campaign behind")
	assert.Empty(t, st.targets)
	assert.Empty(t, st.entries)

	// retrying the same request creates exactly one campaign
	st.enqueueErr = nil
	result, err = svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Enqueued)
	assert.Len(t, st.campaigns, 1)
	assert.Equal(t, models.CampaignStatusRunning, st.campaigns[0].Status)
}

func TestCampaignService_Start_RetriesOnlyUnfinished(t *testing.T) {
	st := &store{}
	svc := newTestCampaignService(st)
	ctx := context.Background()

	created, err := svc.Create(ctx, createRequest("918131081", "918131082", "918131083"))
	require.NoError(t, err)
	id := created.Campaign.ID

	first, err := svc.Start(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Enqueued)

	// first target sent, second failed permanently, third still waiting
	st.targets[0].Status = models.TargetStatusSent
	st.entries[0].Status = models.QueueStatusDone
	st.targets[1].Status = models.TargetStatusFailed
	st.entries[1].Status = models.QueueStatusDone

	second, err := svc.Start(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Enqueued)
	require.Len(t, st.entries, 4)
	assert.Equal(t, st.targets[1].ID, st.entries[3].TargetID)
	assert.Equal(t, models.TargetStatusQueued, st.targets[1].Status)
	assert.Equal(t, models.TargetStatusSent, st.targets[0].Status)
}

func TestCampaignService_Transitions(t *testing.T) {
	st := &store{}
	svc := newTestCampaignService(st)
	ctx := context.Background()

	created, err := svc.Create(ctx, createRequest("918131081", "918131082"))
	require.NoError(t, err)
	id := created.Campaign.ID

	_, err = svc.Pause(ctx, id)
	assert.Equal(t, models.CodeConflict, appCode(t, err), "draft cannot be paused")

	_, err = svc.Resume(ctx, id)
	assert.Equal(t, models.CodeConflict, appCode(t, err), "draft cannot be resumed")

	_, err = svc.Start(ctx, id)
	require.NoError(t, err)

	paused, err := svc.Pause(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusPaused, paused.Status)

	_, err = svc.Start(ctx, id)
	assert.Equal(t, models.CodeConflict, appCode(t, err), "paused campaigns resume instead")

	// the worker dropped the paused campaign's entries
	for _, e := range st.entries {
		e.Status = models.QueueStatusDone
	}

	resumed, err := svc.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusRunning, resumed.Status)
	assert.Equal(t, 2, resumed.Enqueued)

	canceled, err := svc.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCanceled, canceled.Status)
	assert.Equal(t, int64(2), canceled.Canceled)
	for _, target := range st.targets {
		assert.Equal(t, models.TargetStatusCanceled, target.Status)
	}

	_, err = svc.Cancel(ctx, id)
	assert.Equal(t, models.CodeConflict, appCode(t, err))
	_, err = svc.Resume(ctx, id)
	assert.Equal(t, models.CodeConflict, appCode(t, err))
	_, err = svc.Start(ctx, id)
	assert.Equal(t, models.CodeConflict, appCode(t, err))

	_, err = svc.Start(ctx, 999)
	assert.True(t, models.IsNotFound(err))
}

func TestCampaignService_AddTargets(t *testing.T) {
	st := &store{}
	svc := newTestCampaignService(st)
	ctx := context.Background()

	created, err := svc.Create(ctx, createRequest("918131081"))
	require.NoError(t, err)
	id := created.Campaign.ID

	// draft: stored, not enqueued
	added, err := svc.AddTargets(ctx, id, &AddTargetsRequest{TargetSource{Targets: []TargetInput{
		{Phone: "918131082"}, {Phone: "+51918131081"},
	}}})
	require.NoError(t, err)
	assert.Equal(t, 1, added.Inserted)
	assert.Equal(t, 1, added.Duplicates)
	assert.Empty(t, st.entries)

	_, err = svc.Start(ctx, id)
	require.NoError(t, err)
	require.Len(t, st.entries, 2)

	// running: only the new target is enqueued
	added, err = svc.AddTargets(ctx, id, &AddTargetsRequest{TargetSource{Targets: []TargetInput{
		{Phone: "918131083"}, {Phone: "918131082"}, {Phone: "x"},
	}}})
	require.NoError(t, err)
	assert.Equal(t, 1, added.Inserted)
	assert.Equal(t, 1, added.Duplicates)
	assert.Equal(t, 1, added.SkippedInvalid)
	require.Len(t, st.entries, 3)
	assert.Equal(t, st.targets[2].ID, st.entries[2].TargetID)
	assert.Equal(t, 3, st.campaigns[0].TotalTargets)

	_, err = svc.Cancel(ctx, id)
	require.NoError(t, err)
	_, err = svc.AddTargets(ctx, id, &AddTargetsRequest{TargetSource{Targets: []TargetInput{{Phone: "918131084"}}}})
	assert.Equal(t, models.CodeConflict, appCode(t, err))
}

func TestCampaignService_DryRun(t *testing.T) {
	st := &store{}
	svc := newTestCampaignService(st)

	result, err := svc.DryRun(context.Background(), &DryRunRequest{TargetSource{Targets: []TargetInput{
		{Phone: "918131082"},
		{Phone: "+51918131082"},
		{Phone: "51999888777"},
		{Phone: "12"},
	}}})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 2, result.Valid)
	assert.Equal(t, 1, result.Invalid)
	assert.Equal(t, 1, result.Duplicates)
	assert.Equal(t, []string{"12"}, result.SampleInvalid)
	assert.Empty(t, st.campaigns)
	assert.Empty(t, st.targets)
}

func TestCampaignService_StartDue(t *testing.T) {
	st := &store{}
	svc := newTestCampaignService(st)
	ctx := context.Background()
	now := time.Now()

	due := now.Add(-time.Minute)
	later := now.Add(time.Hour)

	for _, at := range []*time.Time{&due, &later} {
		req := createRequest("918131082")
		req.ScheduledAt = at
		result, err := svc.Create(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, models.CampaignStatusScheduled, result.Campaign.Status)
	}

	started, err := svc.StartDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Equal(t, models.CampaignStatusRunning, st.campaigns[0].Status)
	assert.Equal(t, models.CampaignStatusScheduled, st.campaigns[1].Status)
	assert.Len(t, st.entries, 1)
}

func TestCampaignService_GetByID(t *testing.T) {
	st := &store{}
	svc := newTestCampaignService(st)
	ctx := context.Background()

	created, err := svc.Create(ctx, createRequest("918131081", "918131082"))
	require.NoError(t, err)

	got, err := svc.GetByID(ctx, created.Campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Stats.Total)
	assert.Equal(t, int64(2), got.Stats.Queued)

	_, err = svc.GetByID(ctx, 42)
	assert.True(t, models.IsNotFound(err))
}

func TestCampaignService_List_Pagination(t *testing.T) {
	tests := []struct {
		name           string
		totalCampaigns int
		page           int
		pageSize       int
		wantCount      int
		wantTotalCount int64
		wantTotalPages int
	}{
		{
			name:           "first page with default page size (20)",
			totalCampaigns: 50,
			page:           1,
			pageSize:       20,
			wantCount:      20,
			wantTotalCount: 50,
			wantTotalPages: 3,
		},
		{
			name:           "last page (partial)",
			totalCampaigns: 50,
			page:           3,
			pageSize:       20,
			wantCount:      10,
			wantTotalCount: 50,
			wantTotalPages: 3,
		},
		{
			name:           "page beyond last (empty)",
			totalCampaigns: 50,
			page:           10,
			pageSize:       20,
			wantCount:      0,
			wantTotalCount: 50,
			wantTotalPages: 3,
		},
		{
			name:           "zero page defaults to 1",
			totalCampaigns: 30,
			page:           0,
			pageSize:       10,
			wantCount:      10,
			wantTotalCount: 30,
			wantTotalPages: 3,
		},
		{
			name:           "zero page size defaults to 20",
			totalCampaigns: 50,
			page:           1,
			pageSize:       0,
			wantCount:      20,
			wantTotalCount: 50,
			wantTotalPages: 3,
		},
		{
			name:           "page size over 100 capped at 100",
			totalCampaigns: 150,
			page:           1,
			pageSize:       200,
			wantCount:      100,
			wantTotalCount: 150,
			wantTotalPages: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &store{}
			for i := 0; i < tt.totalCampaigns; i++ {
				st.campaigns = append(st.campaigns, &models.Campaign{
					ID:     int64(i + 1),
					Name:   fmt.Sprintf("Campaign %d", i+1),
					Status: models.CampaignStatusDraft,
				})
			}

			svc := &campaignService{campaignRepo: &mockCampaignRepository{st}}

			result, err := svc.List(context.Background(), models.CampaignFilter{
				Page:     tt.page,
				PageSize: tt.pageSize,
			})
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}

			if len(result.Data) != tt.wantCount {
				t.Errorf("List() returned %d campaigns, want %d", len(result.Data), tt.wantCount)
			}
			if result.Pagination.TotalCount != tt.wantTotalCount {
				t.Errorf("List() TotalCount = %d, want %d", result.Pagination.TotalCount, tt.wantTotalCount)
			}
			if result.Pagination.TotalPages != tt.wantTotalPages {
				t.Errorf("List() TotalPages = %d, want %d", result.Pagination.TotalPages, tt.wantTotalPages)
			}
		})
	}
}

func TestCampaignService_List_Filtering(t *testing.T) {
	st := &store{campaigns: []*models.Campaign{
		{ID: 1, Status: models.CampaignStatusDraft},
		{ID: 2, Status: models.CampaignStatusRunning},
		{ID: 3, Status: models.CampaignStatusRunning},
	}}
	svc := &campaignService{campaignRepo: &mockCampaignRepository{st}}

	result, err := svc.List(context.Background(), models.CampaignFilter{Status: models.CampaignStatusRunning})
	require.NoError(t, err)
	require.Len(t, result.Data, 2)
	assert.Equal(t, int64(3), result.Data[0].ID, "newest first")

	_, err = svc.List(context.Background(), models.CampaignFilter{Status: "sent"})
	assert.Equal(t, models.CodeInvalidInput, appCode(t, err))
}
