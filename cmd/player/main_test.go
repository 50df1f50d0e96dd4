package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onboardx/backend/config"
)

const tourJSON = `{
  "name": "Checkout",
  "steps": [
    {"id": "s1", "order": 1, "title": "Welcome", "position": "bottom"},
    {"id": "s2", "order": 2, "title": "Cart", "position": "left", "target_element": "#missing"},
    {"id": "s3", "order": 3, "title": "Address", "position": "top"},
    {"id": "s4", "order": 4, "title": "Payment", "position": "right"},
    {"id": "s5", "order": 5, "title": "Confirm", "position": "top"}
  ]
}`

type output struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	Analytics struct {
		TotalStarted   int     `json:"totalStarted"`
		TotalCompleted int     `json:"totalCompleted"`
		TotalAbandoned int     `json:"totalAbandoned"`
		CompletionRate float64 `json:"completionRate"`
	} `json:"analytics"`
}

func playOffline(t *testing.T, actions string) output {
	t.Helper()
	dir := t.TempDir()
	tourPath := filepath.Join(dir, "tour.json")
	require.NoError(t, os.WriteFile(tourPath, []byte(tourJSON), 0o600))

	cfg, err := config.Load()
	require.NoError(t, err)
	offline, empty := true, ""
	width, height := 1280.0, 800.0
	f := flags{
		offline: &offline, apiURL: &empty, tourID: &empty, tourFile: &tourPath, page: &empty,
		width: &width, height: &height, actions: &actions, userID: &empty,
	}
	var buf bytes.Buffer
	require.NoError(t, run(cfg, f, zap.NewNop(), &buf))
	var out output
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestPlayerOfflineCompletes(t *testing.T) {
	out := playOffline(t, "next,next,next,next,skip,done")
	assert.Equal(t, "completed", out.Status)
	assert.NotEmpty(t, out.SessionID)
	assert.Equal(t, 1, out.Analytics.TotalStarted)
	assert.Equal(t, 1, out.Analytics.TotalCompleted)
	assert.Equal(t, 100.0, out.Analytics.CompletionRate)
}

func TestPlayerOfflineAbandons(t *testing.T) {
	out := playOffline(t, "next,close")
	assert.Equal(t, "abandoned", out.Status)
	assert.Equal(t, 1, out.Analytics.TotalAbandoned)
	assert.Zero(t, out.Analytics.CompletionRate)
}

func TestApplyRejectsUnknownAction(t *testing.T) {
	assert.Error(t, apply(nil, "teleport"))
	assert.Equal(t, []string{"next", "key:Escape"}, splitActions(" next, ,key:Escape"))
}
