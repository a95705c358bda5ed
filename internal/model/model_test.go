package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushMessageCreatedAtFormats(t *testing.T) {
	t.Parallel()
	want := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	cases := map[string]string{
		"rfc3339":  `"2026-05-06T07:08:09Z"`,
		"local":    `"2026-05-06T07:08:09"`,
		"spaced":   `"2026-05-06 07:08:09"`,
		"millis":   `1778051289000`,
		"fraction": `"2026-05-06T07:08:09.000"`,
		"array":    `[2026,5,6,7,8,9]`,
		"seconds":  `1778051289`,
		"decimal":  `1778051289.000`,
	}
	for name, ts := range cases {
		t.Run(name, func(t *testing.T) {
			var m PushMessage
			require.NoError(t, json.Unmarshal([]byte(`{"title":"t","content":"c","type":"X","createdAt":`+ts+`}`), &m))
			assert.True(t, want.Equal(m.CreatedAt), m.CreatedAt)
			assert.Equal(t, "t", m.Title)
			assert.Equal(t, "X", m.Type)
		})
	}
}

func TestNotificationTolerantDecode(t *testing.T) {
	t.Parallel()
	var n Notification
	require.NoError(t, json.Unmarshal([]byte(`{"id":3,"title":"a","read":true,"createdAt":null}`), &n))
	assert.Equal(t, int64(3), n.ID)
	assert.True(t, n.Read)
	assert.True(t, n.CreatedAt.IsZero())

	var odd Notification
	require.NoError(t, json.Unmarshal([]byte(`{"id":4,"title":"b","createdAt":"yesterday"}`), &odd))
	assert.Equal(t, int64(4), odd.ID)
	assert.True(t, odd.CreatedAt.IsZero())
}

func TestPushMessageKeepsUnreadableCreatedAt(t *testing.T) {
	t.Parallel()
	var m PushMessage
	require.NoError(t, json.Unmarshal([]byte(`{"title":"t","createdAt":[2026,13,1]}`), &m))
	assert.Equal(t, "t", m.Title)
	assert.True(t, m.CreatedAt.IsZero())
	assert.Equal(t, "[2026,13,1]", m.UnreadableCreatedAt())

	require.NoError(t, json.Unmarshal([]byte(`{"title":"t","createdAt":"2026-05-06T07:08"}`), &m))
	assert.Equal(t, time.Date(2026, 5, 6, 7, 8, 0, 0, time.UTC), m.CreatedAt)
	assert.Empty(t, m.UnreadableCreatedAt())
}

func TestCloneNotificationsIsIndependent(t *testing.T) {
	t.Parallel()
	src := []Notification{{ID: 1}}
	dst := CloneNotifications(src)
	dst[0].Read = true
	assert.False(t, src[0].Read)
	assert.Nil(t, CloneNotifications(nil))
}
