package conversation

import "errors"

// Role identifies who spoke an entry.
type Role string

const (
	RoleUser      Role = "User"
	RoleAssistant Role = "Assistant"
)

// Entry is one line of the conversation. Final is false only while an
// assistant reply is still being revealed.
type Entry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Final   bool   `json:"final"`
}

// ErrStaleHandle is returned when a handle no longer refers to the
// in-progress trailing entry.
var ErrStaleHandle = errors.New("conversation entry is not in progress")

// Handle refers to an entry appended to a History.
type Handle struct {
	index int
}

// Index is the entry position in its history.
func (h Handle) Index() int { return h.index }

// History is the ordered, append-only conversation log. Only the trailing
// assistant entry may change, and only through its handle until sealed.
type History struct {
	entries []Entry
}

func (h *History) Append(e Entry) Handle {
	h.entries = append(h.entries, e)
	return Handle{index: len(h.entries) - 1}
}

func (h *History) inProgress(hd Handle) bool {
	if hd.index < 0 || hd.index != len(h.entries)-1 {
		return false
	}
	e := h.entries[hd.index]
	return e.Role == RoleAssistant && !e.Final
}

// Update rewrites the content of the in-progress entry.
func (h *History) Update(hd Handle, content string) error {
	if !h.inProgress(hd) {
		return ErrStaleHandle
	}
	h.entries[hd.index].Content = content
	return nil
}

// Seal freezes the in-progress entry.
func (h *History) Seal(hd Handle) error {
	if !h.inProgress(hd) {
		return ErrStaleHandle
	}
	h.entries[hd.index].Final = true
	return nil
}

func (h *History) At(i int) Entry { return h.entries[i] }

func (h *History) Len() int { return len(h.entries) }

// Entries returns a copy of the log.
func (h *History) Entries() []Entry {
	return append([]Entry(nil), h.entries...)
}
