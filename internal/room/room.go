package room

import (
	"sync"

	"github.com/samber/lo"
)

// Language tags understood by the editor and the execution provider
type Language string

const (
	Java    Language = "java"
	Cpp     Language = "cpp"
	Python3 Language = "python3"
	C       Language = "c"

	DefaultLanguage = Java
)

// A participant entry in a room's roster
type Member struct {
	ConnID string
	Name   string
}

// State is a point-in-time copy of a room, safe to hand to other goroutines
type State struct {
	ID       string
	Buffer   string
	Language Language
	Roster   []Member
}

// Names returns the display names in roster order
func (s State) Names() []string {
	return lo.Map(s.Roster, func(m Member, _ int) string { return m.Name })
}

// A collaborative editing session
type Room struct {
	ID       string
	buffer   string
	language Language
	roster   []Member

	// dead is set once the roster empties; the record must not be reused
	dead bool
	mu   sync.Mutex
}

// Creates a new room with an empty buffer and the default language
func NewRoom(id string) *Room {
	return &Room{
		ID:       id,
		language: DefaultLanguage,
		roster:   make([]Member, 0, 2),
	}
}

func (r *Room) indexOf(connID string) int {
	_, idx, ok := lo.FindIndexOf(r.roster, func(m Member) bool { return m.ConnID == connID })
	if !ok {
		return -1
	}
	return idx
}

// snapshot must be called with r.mu held
func (r *Room) snapshot() State {
	roster := make([]Member, len(r.roster))
	copy(roster, r.roster)
	return State{
		ID:       r.ID,
		Buffer:   r.buffer,
		Language: r.language,
		Roster:   roster,
	}
}

// ParseLanguage reports whether tag is one of the supported languages
func ParseLanguage(tag string) (Language, bool) {
	switch lang := Language(tag); lang {
	case Java, Cpp, Python3, C:
		return lang, true
	default:
		return DefaultLanguage, false
	}
}
