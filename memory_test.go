package convsync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackendPaging(t *testing.T) {
	api := NewMemoryBackend("me")
	api.SetPageSize(4)
	for i := 1; i <= 10; i++ {
		api.Seed(msgAt(fmt.Sprint(i), i))
	}
	api.Seed(Message{ID: "other", ConversationID: "c2", CreatedAt: t0})

	ctx := context.Background()
	var ids []string
	cursor := ""
	pages := 0
	for {
		page, err := api.FetchHistory(ctx, "c1", cursor)
		require.NoError(t, err)
		pages++
		for _, m := range page.Messages {
			ids = append(ids, m.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, ids, 10)
	assert.Equal(t, []string{"7", "8", "9", "10", "3", "4", "5", "6", "1", "2"}, ids)
	assert.Equal(t, 3, api.HistoryCalls())

	_, err := api.FetchHistory(ctx, "c1", "!!not-a-cursor")
	assert.Error(t, err)
}

func TestMemoryBackendEchoOrder(t *testing.T) {
	api := NewMemoryBackend("me")
	var got collector
	sub, err := api.Subscribe(context.Background(), "c1", got.add)
	require.NoError(t, err)

	m, err := api.SendMessage(context.Background(), "c1", SendRequest{Body: "first", ClientID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{m.ID}, got.ids(), "echo lands before the response")
	assert.Equal(t, "c-1", m.ClientID)

	api.HoldEchoes()
	api.SetEchoClientIDs(false)
	m2, err := api.SendMessage(context.Background(), "c1", SendRequest{Body: "second", ClientID: "c-2"})
	require.NoError(t, err)
	assert.Empty(t, m2.ClientID)
	assert.Len(t, got.ids(), 1)
	assert.Equal(t, 1, api.FlushEchoes())
	assert.Equal(t, []string{m.ID, m2.ID}, got.ids())

	require.NoError(t, sub.Unsubscribe())
	api.Inject(Message{ConversationID: "c1", Body: "after"})
	assert.Len(t, got.ids(), 2)
}

func TestMemoryBackendUpdates(t *testing.T) {
	api := NewMemoryBackend("me")
	clock := t0
	api.SetClock(func() time.Time { return clock })
	ctx := context.Background()

	mine, err := api.SendMessage(ctx, "c1", SendRequest{Body: "draft"})
	require.NoError(t, err)
	theirs := api.Inject(Message{ConversationID: "c1", AuthorID: "u2", Body: "hi"})
	assert.True(t, theirs.CreatedAt.Equal(t0))

	edited, err := api.EditMessage(ctx, "c1", mine.ID, "final")
	require.NoError(t, err)
	assert.Equal(t, "final", edited.Body)
	_, err = api.EditMessage(ctx, "c1", theirs.ID, "hijack")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "FORBIDDEN", apiErr.Code)

	clock = t0.Add(time.Minute)
	read, err := api.MarkRead(ctx, "c1", theirs.ID)
	require.NoError(t, err)
	require.NotNil(t, read.ReadAt)
	assert.True(t, read.ReadAt.Equal(clock))
	_, err = api.MarkRead(ctx, "c2", theirs.ID)
	assert.ErrorAs(t, err, &apiErr)

	api.FailNextDeletes(1)
	assert.ErrorIs(t, api.DeleteMessage(ctx, "c1", mine.ID), ErrInjected)
	require.NoError(t, api.DeleteMessage(ctx, "c1", mine.ID))
	assert.Equal(t, 1, api.Count("c1"))
	_, ok := api.Message(mine.ID)
	assert.False(t, ok)
}

func TestMemoryBackendAttachments(t *testing.T) {
	api := NewMemoryBackend("me")
	api.PutAttachment("files/a.png", []byte{1, 2, 3}, "image/png")

	data, mediaType, err := api.FetchAttachment(context.Background(), "files/a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, "image/png", mediaType)

	_, _, err = api.FetchAttachment(context.Background(), "files/none")
	assert.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, 1, api.Fetches("files/none"))

	m, err := api.SendMessage(context.Background(), "c1", SendRequest{
		Body:        "pic",
		Attachments: []Attachment{{SourceRef: "file:///tmp/shot.png", IsLocalPreview: true}},
	})
	require.NoError(t, err)
	require.Len(t, m.Attachments, 1)
	assert.Equal(t, "files/"+m.ID+"/shot.png", m.Attachments[0].SourceRef)
	assert.False(t, m.Attachments[0].IsLocalPreview)
}
