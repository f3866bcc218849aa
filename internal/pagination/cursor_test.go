package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	id := "dsp_abc123"

	cursor, err := Decode(Encode(ts, id))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{"not-base64!!!", "bm9waXBl", "YWJjfA"} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestCursor_After(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "m"}

	assert.True(t, c.After(ts.Add(-time.Second), "z"))
	assert.False(t, c.After(ts.Add(time.Second), "a"))
	assert.True(t, c.After(ts, "a"))
	assert.False(t, c.After(ts, "m"))
	assert.True(t, (*Cursor)(nil).After(ts, "x"))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 10, ClampLimit(10))
	assert.Equal(t, MaxLimit, ClampLimit(MaxLimit+1))
}

func TestComputePage(t *testing.T) {
	key := func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	}

	page := ComputePage([]string{"a", "b", "c"}, 3, key)
	assert.Len(t, page.Items, 3)
	assert.Empty(t, page.NextCursor)
	assert.False(t, page.HasMore)

	page = ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	assert.Len(t, page.Items, 3)
	assert.True(t, page.HasMore)

	c, err := Decode(page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}
