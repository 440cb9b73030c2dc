package imsi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mansoorceksport/esimpay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, api http.HandlerFunc) (*Client, *atomic.Int32) {
	t.Helper()
	var tokens atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "reseller", r.PostForm.Get("username"))
		assert.Equal(t, "pw", r.PostForm.Get("password"))
		tokens.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	})
	mux.HandleFunc("/", api)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return NewClient(Config{BaseURL: srv.URL, Username: "reseller", Password: "pw", Timeout: 2 * time.Second}, nil), &tokens
}

func TestInfo(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantBalance float64
		wantHas     bool
		wantMCC     int
	}{
		{
			name:        "numeric fields",
			body:        `{"ICCID":"8901","IMSI":"250990000000001","MSISDN":"48500","BALANCE":512.5,"LASTMCC":401,"LASTMNC":2}`,
			wantBalance: 512.5,
			wantHas:     true,
			wantMCC:     401,
		},
		{
			name:        "misspelled balance and string numbers",
			body:        `{"ICCID":"8901","IMSI":"250990000000001","MSISDN":"48500","BALNCE":"120","LASTMCC":"250"}`,
			wantBalance: 120,
			wantHas:     true,
			wantMCC:     250,
		},
		{
			name: "no balance",
			body: `{"ICCID":"8901","IMSI":"250990000000001","MSISDN":"48500"}`,
		},
		{
			name:        "document encoded as a string",
			body:        `"{\"IMSI\":\"250990000000001\",\"BALANCE\":42}"`,
			wantBalance: 42,
			wantHas:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/imsi/250990000000001", r.URL.Path)
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				w.Write([]byte(tt.body))
			})

			info, err := client.Info(t.Context(), "250990000000001")
			require.NoError(t, err)
			assert.Equal(t, tt.wantBalance, info.BalanceMB)
			assert.Equal(t, tt.wantHas, info.HasBalance)
			assert.Equal(t, tt.wantMCC, info.LastMCC)
		})
	}
}

func TestTokenIsCachedAndRefreshedOn401(t *testing.T) {
	var calls atomic.Int32
	client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 2 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"IMSI":"1","BALANCE":1}`))
	})

	_, err := client.Info(t.Context(), "1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), tokens.Load())

	// second call hits a 401 and retries with a fresh token
	_, err = client.Info(t.Context(), "1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), tokens.Load())
	assert.Equal(t, int32(3), calls.Load())
}

func TestTopUp(t *testing.T) {
	t.Run("applied", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/topup/250990000000001/3000", r.URL.Path)
			w.Write([]byte(`{"BEFORE":100,"ADDED":3000,"AFTER":3100,"FUEL":5000}`))
		})

		res, err := client.TopUp(t.Context(), "250990000000001", 3000)
		require.NoError(t, err)
		assert.Equal(t, 3100.0, res.After)
	})

	t.Run("not applied is a rejection", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"BEFORE":100,"NOT_ADDED":3000,"FUEL":0,"REASON":"insufficient fuel"}`))
		})

		_, err := client.TopUp(t.Context(), "250990000000001", 3000)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrGatewayRejected))
		assert.Contains(t, err.Error(), "insufficient fuel")
	})

	t.Run("server error is unavailable", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		_, err := client.TopUp(t.Context(), "250990000000001", 3000)
		assert.True(t, errors.Is(err, domain.ErrGatewayUnavailable))
	})
}
