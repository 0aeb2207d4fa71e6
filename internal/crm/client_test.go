package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
)

type stubTokens struct {
	token     string
	refreshed int
}

func (s *stubTokens) ValidToken(ctx context.Context) (string, error) { return s.token, nil }

func (s *stubTokens) Refresh(ctx context.Context) (string, error) {
	s.refreshed++
	s.token = "fresh"
	return s.token, nil
}

func (s *stubTokens) Current(ctx context.Context) (*Token, error) {
	return &Token{AccessToken: s.token, ExpiresAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}, nil
}

type restCall struct {
	Method string
	Auth   string
	Body   map[string]any
}

func newCRMServer(t *testing.T, handle func(call restCall) (int, any)) (*httptest.Server, *[]restCall) {
	t.Helper()
	calls := &[]restCall{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := restCall{Method: r.URL.Path, Auth: r.URL.Query().Get("auth")}
		_ = json.NewDecoder(r.Body).Decode(&call.Body)
		*calls = append(*calls, call)

		status, body := handle(call)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(server.Close)
	return server, calls
}

func TestFetchTargets_Contact(t *testing.T) {
	server, _ := newCRMServer(t, func(call restCall) (int, any) {
		assert.Equal(t, "/rest/crm.contact.get.json", call.Method)
		return http.StatusOK, map[string]any{"result": map[string]any{
			"ID":    call.Body["id"],
			"NAME":  "Ana",
			"PHONE": []map[string]string{{"VALUE": "918131082"}},
		}}
	})

	client := NewClient(server.URL, 5*time.Second, &stubTokens{token: "t"}, discardLogger())
	resolved, err := client.FetchTargets(context.Background(), FetchRequest{
		EntityType: "Contact",
		IDs:        []string{"7"},
		Variables:  map[string]string{"1": "NAME"},
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "918131082", resolved[0].Phone)
	assert.Equal(t, "Ana", resolved[0].Variables["1"])
	assert.Equal(t, "contact", resolved[0].Variables[models.VarCRMEntity])
	assert.Equal(t, "7", resolved[0].Variables[models.VarCRMID])
}

func TestFetchTargets_DealUsesLinkedContact(t *testing.T) {
	server, calls := newCRMServer(t, func(call restCall) (int, any) {
		switch call.Method {
		case "/rest/crm.deal.get.json":
			return http.StatusOK, map[string]any{"result": map[string]any{"ID": "9", "TITLE": "Pedido 9", "CONTACT_ID": "3"}}
		case "/rest/crm.contact.get.json":
			return http.StatusOK, map[string]any{"result": map[string]any{"ID": "3", "NAME": "Luis", "PHONE": []map[string]string{{"VALUE": "51999888777"}}}}
		}
		return http.StatusNotFound, map[string]any{"error": "NOT_FOUND"}
	})

	client := NewClient(server.URL, 5*time.Second, &stubTokens{token: "t"}, discardLogger())
	resolved, err := client.FetchTargets(context.Background(), FetchRequest{
		EntityType: EntityDeal,
		IDs:        []string{"9"},
		Variables:  map[string]string{"1": "contact.NAME", "2": "TITLE"},
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "51999888777", resolved[0].Phone)
	assert.Equal(t, "Luis", resolved[0].Variables["1"])
	assert.Equal(t, "Pedido 9", resolved[0].Variables["2"])
	assert.Len(t, *calls, 2)
}

func TestFetchTargets_MissingRecordHasNoPhone(t *testing.T) {
	server, _ := newCRMServer(t, func(call restCall) (int, any) {
		return http.StatusBadRequest, map[string]any{"error": "NOT_FOUND", "error_description": "Not found"}
	})

	client := NewClient(server.URL, 5*time.Second, &stubTokens{token: "t"}, discardLogger())
	resolved, err := client.FetchTargets(context.Background(), FetchRequest{EntityType: EntityLead, IDs: []string{"1"}})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Empty(t, resolved[0].Phone)
}

func TestFetchTargets_UnsupportedEntity(t *testing.T) {
	client := NewClient("http://127.0.0.1:0", time.Second, &stubTokens{token: "t"}, discardLogger())
	_, err := client.FetchTargets(context.Background(), FetchRequest{EntityType: "invoice", IDs: []string{"1"}})

	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.CodeInvalidInput, appErr.Code)
}

func TestCall_RefreshesExpiredTokenOnce(t *testing.T) {
	server, calls := newCRMServer(t, func(call restCall) (int, any) {
		if call.Auth != "fresh" {
			return http.StatusUnauthorized, map[string]any{"error": "expired_token"}
		}
		return http.StatusOK, map[string]any{"result": true}
	})

	tokens := &stubTokens{token: "stale"}
	client := NewClient(server.URL, 5*time.Second, tokens, discardLogger())

	err := client.PushTimelineComment(context.Background(), "Contact", "7", "WhatsApp: entregado")
	require.NoError(t, err)
	assert.Equal(t, 1, tokens.refreshed)
	require.Len(t, *calls, 2)

	last := (*calls)[1]
	assert.Equal(t, "/rest/crm.timeline.comment.add.json", last.Method)
	fields := last.Body["fields"].(map[string]any)
	assert.Equal(t, "7", fields["ENTITY_ID"])
	assert.Equal(t, "contact", fields["ENTITY_TYPE"])
	assert.Equal(t, "WhatsApp: entregado", fields["COMMENT"])
}

func TestHealth(t *testing.T) {
	server, _ := newCRMServer(t, func(call restCall) (int, any) {
		assert.Equal(t, "/rest/profile.json", call.Method)
		return http.StatusOK, map[string]any{"result": map[string]any{"ID": "1", "ADMIN": true}}
	})

	client := NewClient(server.URL, 5*time.Second, &stubTokens{token: "t"}, discardLogger())
	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.HasToken)
	require.NotNil(t, health.ExpiresAt)
	assert.Equal(t, true, health.Profile["ADMIN"])
	assert.Empty(t, health.Error)
}
