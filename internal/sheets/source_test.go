package sheets

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"
)

func TestNormalize(t *testing.T) {
	got := Normalize([]string{" aapl", "", "MSFT", "aapl", "  ", "tsla "})
	assert.Equal(t, []string{"AAPL", "MSFT", "TSLA"}, got)
}

func TestStaticSource(t *testing.T) {
	got, err := StaticSource{"spy", "qqq", "spy"}.Symbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"SPY", "QQQ"}, got)
}

func TestDecodeCredentials(t *testing.T) {
	raw := `{"type":"service_account"}`

	got, err := DecodeCredentials(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, string(got))

	got, err = DecodeCredentials(base64.StdEncoding.EncodeToString([]byte(raw)))
	require.NoError(t, err)
	assert.Equal(t, raw, string(got))

	_, err = DecodeCredentials("not base64!")
	assert.Error(t, err)
}

func newTestSource(t *testing.T, handler http.HandlerFunc) *GoogleSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	api, err := sheetsapi.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return NewGoogleSourceWithService(api, "sheet-id", "", nil)
}

func TestGoogleSource_Symbols(t *testing.T) {
	var gotPath string
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"range": "HUB_INPUT!A2:A43",
			"majorDimension": "ROWS",
			"values": [["aapl"], [], ["MSFT", "ignored"], [" "], ["nvda"]]
		}`))
	})

	got, err := src.Symbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT", "NVDA"}, got)
	assert.True(t, strings.Contains(gotPath, "/spreadsheets/sheet-id/values/"), gotPath)
}

func TestGoogleSource_Error(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"denied"}}`, http.StatusForbidden)
	})

	_, err := src.Symbols(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), DefaultRange)
}

func TestNewGoogleSource_BadCredentials(t *testing.T) {
	_, err := NewGoogleSource(context.Background(), []byte("{}"), "sheet-id", "", nil)
	assert.Error(t, err)
}
