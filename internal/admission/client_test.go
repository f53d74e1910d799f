package admission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token", r.URL.Path)
		assert.Equal(t, "standup", r.URL.Query().Get("room"))
		assert.Equal(t, "alice", r.URL.Query().Get("identity"))
		json.NewEncoder(w).Encode(Grant{Token: "tok-1", URL: "wss://sfu.example/ws"})
	}))
	defer srv.Close()

	g, err := NewClient(srv.URL+"/token").Fetch(context.Background(), "standup", "alice")
	require.NoError(t, err)
	assert.Equal(t, Grant{Token: "tok-1", URL: "wss://sfu.example/ws"}, g)
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", http.StatusForbidden)
			},
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html>"))
			},
		},
		{
			name: "missing token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"url":"wss://sfu.example/ws"}`))
			},
			wantErr: ErrIncompleteGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewClient(srv.URL).Fetch(context.Background(), "room", "id")
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestSignalURL(t *testing.T) {
	u, err := Grant{Token: "a b", URL: "wss://sfu.example/ws?room=x"}.SignalURL("ws://fallback")
	require.NoError(t, err)
	assert.Equal(t, "wss://sfu.example/ws?room=x&token=a+b", u)

	u, err = Grant{Token: "t"}.SignalURL("ws://localhost:3000/ws")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:3000/ws?token=t", u)
}
