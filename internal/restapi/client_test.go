package restapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payflow/batchwatch/internal/filter"
	"github.com/payflow/batchwatch/pkg/schema"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

func newTestClient(t *testing.T, server *httptest.Server, token string) *Client {
	t.Helper()
	return NewClient(Options{
		BaseURL:    server.URL,
		Prefix:     "/api",
		HTTPClient: server.Client(),
		Tokens:     staticToken(token),
		MaxRetries: 2,
	}, nil)
}

func TestListItemsForwardsPaginationAndFilters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/batches/12/items/", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "3", q.Get("page"))
		assert.Equal(t, "10", q.Get("page_size"))
		assert.Equal(t, "failed", q.Get("status"))
		assert.Equal(t, "0711", q.Get("phone"))
		assert.Equal(t, "5", q.Get("min_amount"))
		assert.False(t, q.Has("max_amount"))
		assert.Equal(t, "Token tok-1", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"count":25,"next":null,"previous":null,"results":[{"id":21,"row_number":21,"phone":"0711","amount":"7.50","status":"failed"}]}`))
	}))
	defer server.Close()

	min := decimal.NewFromInt(5)
	client := newTestClient(t, server, "tok-1")
	page, err := client.ListItems(context.Background(), "12", filter.Set{
		Status:    schema.ItemStatusFailed,
		Phone:     "0711",
		MinAmount: &min,
	}, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 25, page.Count)
	require.Len(t, page.Results, 1)
	assert.Equal(t, schema.ItemID("21"), page.Results[0].ID)
	assert.True(t, page.Results[0].Amount.Equal(decimal.RequireFromString("7.5")))
}

func TestRequestsWithoutTokenOmitAuthorization(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":4,"original_filename":"pay.xlsx","status":"processing","uploaded_by":{"username":"ada","full_name":"Ada L"}}`))
	}))
	defer server.Close()

	batch, err := newTestClient(t, server, "").GetBatch(context.Background(), "4")
	require.NoError(t, err)
	assert.Equal(t, schema.BatchStatusProcessing, batch.Status)
	require.NotNil(t, batch.UploadedBy)
	assert.Equal(t, "Ada L", batch.UploadedBy.DisplayName())
}

func TestErrorResponsesCarryServerDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"detail":"You do not have permission to view items for this batch"}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server, "tok").ListItems(context.Background(), "1", filter.Set{}, 1, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, "You do not have permission to view items for this batch", ErrorMessage(err, "Failed to load items"))
}

func TestErrorMessageFallsBackToStatusText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server, "tok").GetBatch(context.Background(), "99")
	require.Error(t, err)
	assert.Equal(t, "Not Found", ErrorMessage(err, "Failed to load batch"))
	assert.False(t, errors.Is(err, ErrUnauthorized))
}

func TestAPIErrorMessagePrecedence(t *testing.T) {
	assert.Equal(t, "d", (&APIError{Detail: "d", ErrorText: "e", Status: "s"}).Message("f"))
	assert.Equal(t, "e", (&APIError{ErrorText: "e", Status: "s"}).Message("f"))
	assert.Equal(t, "s", (&APIError{Status: "s"}).Message("f"))
	assert.Equal(t, "f", (&APIError{}).Message("f"))
	assert.Equal(t, "", ErrorMessage(nil, "f"))
}

func TestGetRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":1,"status":"completed"}`))
	}))
	defer server.Close()

	batch, err := newTestClient(t, server, "tok").GetBatch(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, schema.BatchStatusCompleted, batch.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestUploadBatchPostsMultipartFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/batches/", r.URL.Path)
		assert.Equal(t, "Token tok", r.Header.Get("Authorization"))

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "payments.csv", header.Filename)
		assert.Equal(t, "phone,amount\n0711,10\n", string(data))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":77,"original_filename":"payments.csv","status":"processing","total_rows":1}`))
	}))
	defer server.Close()

	batch, err := newTestClient(t, server, "tok").UploadBatch(context.Background(), "/tmp/in/payments.csv", strings.NewReader("phone,amount\n0711,10\n"))
	require.NoError(t, err)
	assert.Equal(t, schema.BatchID("77"), batch.ID)
	assert.Equal(t, 1, batch.TotalRows)
}

func TestUploadIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"Uploaded file is empty"}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server, "tok").UploadBatch(context.Background(), "empty.xlsx", strings.NewReader(""))
	require.Error(t, err)
	assert.Equal(t, "Uploaded file is empty", ErrorMessage(err, "Upload failed"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLoginSendsCredentialsWithoutToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/accounts/login", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"username":"ada","password":"secret"}`, string(body))
		_, _ = w.Write([]byte(`{"token":"abc","user":{"id":1,"username":"ada","full_name":"Ada Lovelace"}}`))
	}))
	defer server.Close()

	resp, err := newTestClient(t, server, "stale").Login(context.Background(), "ada", "secret")
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.Token)
	assert.Equal(t, "Ada Lovelace", resp.User.DisplayName())
}

func TestLoginFailureUsesErrorField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"non_field_errors":["Unable to log in"],"error":"bad credentials"}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server, "").Login(context.Background(), "ada", "nope")
	require.Error(t, err)
	assert.Equal(t, "bad credentials", ErrorMessage(err, "Login failed"))
}

func TestRateLimiterInfo(t *testing.T) {
	assert.Equal(t, "unlimited", NewSafeRateLimiter(0).GetLimitInfo(EndpointRead))
	limiter := NewSafeRateLimiter(100)
	assert.Equal(t, "80 req/min (100 req/min with 20% buffer)", limiter.GetLimitInfo(EndpointRead))
	assert.Equal(t, "Unknown endpoint", limiter.GetLimitInfo("unknown"))
}
