package crm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
)

func TestClientUpdateLeadStatusSendsEnvelopeRequest(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotAuth   string
		gotBody   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"lead-42"}}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/api/", APIKey: "crm-key"})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	if err := client.UpdateLeadStatus(context.Background(), "lead-42", "QUALIFIED"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/api/leads/lead-42/status" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bearer crm-key" {
		t.Fatalf("expected api key to be forwarded, got %q", gotAuth)
	}
	if !strings.Contains(gotBody, `"status":"QUALIFIED"`) {
		t.Fatalf("unexpected body %s", gotBody)
	}
}

func TestClientSurfacesEnvelopeFailures(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusBadGateway, body: `{"success":false,"error":{"code":"upstream","message":"down"}}`},
		{name: "success false", status: http.StatusOK, body: `{"success":false,"error":{"code":"conflict","message":"stale"}}`},
		{name: "not an envelope", status: http.StatusOK, body: `<html>`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testCase.status)
				_, _ = w.Write([]byte(testCase.body))
			}))
			defer server.Close()

			client, err := NewClient(ClientConfig{BaseURL: server.URL})
			if err != nil {
				t.Fatalf("failed to construct client: %v", err)
			}
			err = client.RecordCallSummary(context.Background(), "lead-42", CallSummary{
				CallID:   "call-1",
				EndedAt:  time.Now(),
				Insights: calls.Insights{EngagementLevel: calls.EngagementLow},
			})
			if err == nil {
				t.Fatalf("expected failure")
			}
		})
	}
}

func TestClientReportsRemoteErrorCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":"stale_lead","message":"lead was merged"}}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	err = client.UpdateLeadStatus(context.Background(), "lead-42", "WON")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if remote.StatusCode != http.StatusConflict || remote.Code != "stale_lead" {
		t.Fatalf("unexpected remote error %+v", remote)
	}
}

func TestClientRecordCallSummaryIsKeyedByCall(t *testing.T) {
	var requests []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.Method+" "+r.URL.Path)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	summary := CallSummary{CallID: "call-1", HostID: "H1", EndedAt: time.Now()}
	for attempt := 0; attempt < 2; attempt++ {
		if err := client.RecordCallSummary(context.Background(), "lead-42", summary); err != nil {
			t.Fatalf("attempt %d failed: %v", attempt, err)
		}
	}
	want := "PUT /leads/lead-42/call-summaries/call-1"
	if len(requests) != 2 || requests[0] != want || requests[1] != want {
		t.Fatalf("expected a repeatable upsert, got %v", requests)
	}
	if err := client.RecordCallSummary(context.Background(), "lead-42", CallSummary{}); err == nil {
		t.Fatalf("expected a summary without a call id to be refused")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	if err := (Nop{}).UpdateLeadStatus(context.Background(), "", ""); err != nil {
		t.Fatalf("expected nop writer to accept everything")
	}
}
