package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Prismer-AI/convsync"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "default.token", "tok"))
	require.NoError(t, setConfigValue(cfg, "sync.transport", "sse"))
	require.NoError(t, setConfigValue(cfg, "sync.page_size", "50"))
	require.NoError(t, setConfigValue(cfg, "sync.read_threshold", "0"))
	require.NoError(t, setConfigValue(cfg, "log.level", "debug"))
	assert.Equal(t, "tok", cfg.Default.Token)
	assert.Equal(t, "sse", cfg.Sync.Transport)
	assert.Equal(t, 50, cfg.Sync.PageSize)
	assert.Equal(t, "debug", cfg.Log.Level)

	for _, bad := range [][2]string{
		{"token", "x"},
		{"default.nope", "x"},
		{"nope.token", "x"},
		{"sync.transport", "grpc"},
		{"sync.page_size", "0"},
		{"sync.read_threshold", "-1"},
		{"log.level", "loud"},
	} {
		assert.Error(t, setConfigValue(cfg, bad[0], bad[1]), bad[0]+"="+bad[1])
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CONVSYNC_TOKEN":     "from-env",
		"CONVSYNC_PAGE_SIZE": "25",
	}
	cfg := &Config{Default: ConfigDefault{Token: "from-file", UserID: "u1"}}
	require.NoError(t, applyEnv(cfg, func(k string) string { return env[k] }))
	assert.Equal(t, "from-env", cfg.Default.Token)
	assert.Equal(t, "u1", cfg.Default.UserID)
	assert.Equal(t, 25, cfg.Sync.PageSize)

	env["CONVSYNC_TRANSPORT"] = "carrier-pigeon"
	err := applyEnv(cfg, func(k string) string { return env[k] })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONVSYNC_TRANSPORT")
}

func TestConfigTOMLRoundTrip(t *testing.T) {
	in := Config{
		Default: ConfigDefault{BaseURL: "http://localhost:3000", Token: "tok", UserID: "me"},
		Sync:    ConfigSync{Transport: "ws", PageSize: 30, ReadThreshold: 80},
		Log:     ConfigLog{Level: "warn"},
	}
	data, err := toml.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[sync]")

	var out Config
	require.NoError(t, toml.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestGetClientPassesPageSize(t *testing.T) {
	var limit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"data":{"messages":[]}}`))
	}))
	t.Cleanup(srv.Close)

	cfg := &Config{
		Default: ConfigDefault{BaseURL: srv.URL, Token: "tok"},
		Sync:    ConfigSync{PageSize: 30},
	}
	_, err := getClient(cfg).FetchHistory(context.Background(), "c1", "")
	require.NoError(t, err)
	assert.Equal(t, "30", limit)
}

func TestParseLevel(t *testing.T) {
	l, err := parseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, l)
	l, err = parseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)
	_, err = parseLevel("chatty")
	assert.Error(t, err)
}

func TestTailViewShowsLastRows(t *testing.T) {
	v := &tailView{rows: 2}
	v.Render([]convsync.Message{{ID: "1"}, {ID: "2"}, {ID: "3"}})

	assert.Equal(t, 1.0, v.ScrollTop())
	assert.Equal(t, 3.0, v.ContentHeight())
	top, h, ok := v.ItemBounds("3")
	require.True(t, ok)
	assert.Equal(t, 2.0, top)
	assert.Equal(t, 1.0, h)
	_, _, ok = v.ItemBounds("9")
	assert.False(t, ok)

	v.Render(nil)
	assert.Zero(t, v.ScrollTop())
}

func TestPrintMessage(t *testing.T) {
	var buf bytes.Buffer
	printMessage(&buf, convsync.Message{
		ID:            "tmp-1",
		AuthorID:      "me",
		Body:          "two\nlines",
		CreatedAt:     time.Now(),
		DeliveryState: convsync.Pending,
		Attachments:   []convsync.Attachment{{SourceRef: "a"}, {SourceRef: "b"}},
	}, "me")
	out := buf.String()
	assert.Contains(t, out, "you: two lines (sending)")
	assert.Contains(t, out, "[2 attachments]")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "abcd...wxyz", maskKey("abcdefghuvwxyz"))
	assert.Equal(t, "*****", maskKey("short"))
	assert.Equal(t, "1 message", pluralize(1, "message"))
	assert.Equal(t, "1,200 messages", pluralize(1200, "message"))
	assert.Equal(t, "def", valueOrDefault("", "def"))
	assert.Equal(t, 120.0, readThreshold(&Config{}))
}

func TestScenariosSettle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			res, err := runScenario(context.Background(), sc, 3, logger)
			require.NoError(t, err)
			assert.Zero(t, res.pending)
			require.NotEmpty(t, res.messages)
			for _, m := range res.messages {
				assert.False(t, convsync.IsTempID(m.ID), m.ID)
				assert.Equal(t, convsync.Confirmed, m.DeliveryState, m.ID)
			}
		})
	}
}
