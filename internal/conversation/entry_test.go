package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryUpdateThroughHandle(t *testing.T) {
	var h History
	h.Append(Entry{Role: RoleUser, Content: "Hello", Final: true})
	hd := h.Append(Entry{Role: RoleAssistant})
	assert.Equal(t, 1, hd.Index())

	require.NoError(t, h.Update(hd, "Hi"))
	require.NoError(t, h.Update(hd, "Hi there"))
	require.NoError(t, h.Seal(hd))

	assert.Equal(t, Entry{Role: RoleAssistant, Content: "Hi there", Final: true}, h.At(1))
	assert.ErrorIs(t, h.Update(hd, "changed"), ErrStaleHandle)
	assert.ErrorIs(t, h.Seal(hd), ErrStaleHandle)
}

func TestHistoryRejectsNonTrailingHandle(t *testing.T) {
	var h History
	hd := h.Append(Entry{Role: RoleAssistant})
	h.Append(Entry{Role: RoleUser, Content: "interrupt", Final: true})

	assert.ErrorIs(t, h.Update(hd, "late"), ErrStaleHandle)
	user := h.Append(Entry{Role: RoleUser, Content: "x", Final: true})
	assert.ErrorIs(t, h.Update(user, "y"), ErrStaleHandle)
}

func TestHistoryEntriesIsCopy(t *testing.T) {
	var h History
	h.Append(Entry{Role: RoleUser, Content: "a", Final: true})
	entries := h.Entries()
	entries[0].Content = "mutated"
	assert.Equal(t, "a", h.At(0).Content)
	assert.Equal(t, 1, h.Len())
}
