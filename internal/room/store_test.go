package room

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinCreatesRoomWithDefaults(t *testing.T) {
	store := NewStore()

	res := store.Join("r1", "c1", "alice", nil)

	assert.True(t, res.Added)
	assert.Equal(t, "", res.Buffer)
	assert.Equal(t, DefaultLanguage, res.Language)
	assert.Equal(t, []string{"alice"}, res.Names())
	assert.Equal(t, 1, store.Len())
}

func TestJoinOrderDoesNotAffectInitialState(t *testing.T) {
	store := NewStore()

	var wg sync.WaitGroup
	results := make([]JoinResult, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.Join("fresh", fmt.Sprintf("c%d", i), fmt.Sprintf("user%d", i), nil)
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		assert.Equal(t, "", res.Buffer)
		assert.Equal(t, DefaultLanguage, res.Language)
	}

	state, ok := store.Snapshot("fresh")
	require.True(t, ok)
	assert.Len(t, state.Roster, 10)
}

func TestDuplicateJoinIsIdempotent(t *testing.T) {
	store := NewStore()

	store.Join("r1", "c1", "alice", nil)
	res := store.Join("r1", "c1", "alice-again", nil)

	assert.False(t, res.Added)
	assert.Equal(t, "alice", res.Name, "display name is set once")
	assert.Len(t, res.Roster, 1)
}

func TestRosterKeepsJoinOrder(t *testing.T) {
	store := NewStore()

	store.Join("r1", "c1", "alice", nil)
	store.Join("r1", "c2", "bob", nil)
	res := store.Join("r1", "c3", "carol", nil)

	assert.Equal(t, []string{"alice", "bob", "carol"}, res.Names())

	left, err := store.Leave("r1", "c2", nil)
	require.NoError(t, err)
	assert.Equal(t, "bob", left.Name)
	assert.Equal(t, []string{"alice", "carol"}, left.Names())
}

func TestApplyEditLastWriterWins(t *testing.T) {
	store := NewStore()
	store.Join("r1", "c1", "alice", nil)

	require.NoError(t, store.ApplyEdit("r1", "first", nil))
	require.NoError(t, store.ApplyEdit("r1", "second", nil))

	state, ok := store.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, "second", state.Buffer)
}

func TestApplyLanguage(t *testing.T) {
	store := NewStore()
	store.Join("r1", "c1", "alice", nil)

	var committed State
	require.NoError(t, store.ApplyLanguage("r1", Python3, func(s State) { committed = s }))

	assert.Equal(t, Python3, committed.Language)
	state, _ := store.Snapshot("r1")
	assert.Equal(t, Python3, state.Language)
}

func TestMutationsOnMissingRoom(t *testing.T) {
	store := NewStore()

	assert.ErrorIs(t, store.ApplyEdit("nope", "x", nil), ErrRoomNotFound)
	assert.ErrorIs(t, store.ApplyLanguage("nope", C, nil), ErrRoomNotFound)

	_, err := store.Leave("nope", "c1", nil)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.Equal(t, 0, store.Len())
}

func TestLeaveDeletesEmptyRoom(t *testing.T) {
	store := NewStore()
	store.Join("r1", "c1", "alice", nil)
	require.NoError(t, store.ApplyEdit("r1", "print(1)", nil))

	res, err := store.Leave("r1", "c1", nil)
	require.NoError(t, err)
	assert.True(t, res.Deleted)
	assert.Empty(t, res.Roster)

	_, ok := store.Snapshot("r1")
	assert.False(t, ok)

	assert.ErrorIs(t, store.ApplyEdit("r1", "resurrect", nil), ErrRoomNotFound)
	assert.ErrorIs(t, store.ApplyLanguage("r1", C, nil), ErrRoomNotFound)
	assert.Equal(t, 0, store.Len())

	// A later join starts from scratch.
	fresh := store.Join("r1", "c2", "bob", nil)
	assert.Equal(t, "", fresh.Buffer)
	assert.Equal(t, DefaultLanguage, fresh.Language)
}

func TestDoubleLeave(t *testing.T) {
	store := NewStore()
	store.Join("r1", "c1", "alice", nil)
	store.Join("r1", "c2", "bob", nil)

	_, err := store.Leave("r1", "c1", nil)
	require.NoError(t, err)

	_, err = store.Leave("r1", "c1", nil)
	assert.ErrorIs(t, err, ErrNotMember)

	state, ok := store.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, []string{"bob"}, state.Names())
}

func TestCommitHookRunsInLinearizationOrder(t *testing.T) {
	store := NewStore()
	store.Join("r1", "c1", "alice", nil)

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := fmt.Sprintf("edit-%d", i)
			_ = store.ApplyEdit("r1", payload, func(s State) {
				mu.Lock()
				order = append(order, s.Buffer)
				mu.Unlock()
			})
		}(i)
	}
	wg.Wait()

	state, _ := store.Snapshot("r1")
	require.Len(t, order, 50)
	assert.Equal(t, order[len(order)-1], state.Buffer, "last committed edit is the stored buffer")
}

func TestConcurrentEditsNeverMix(t *testing.T) {
	store := NewStore()
	store.Join("r1", "c1", "alice", nil)

	a := strings.Repeat("a", 4096)
	b := strings.Repeat("b", 4096)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = store.ApplyEdit("r1", a, nil) }()
		go func() { defer wg.Done(); _ = store.ApplyEdit("r1", b, nil) }()
	}
	wg.Wait()

	state, _ := store.Snapshot("r1")
	assert.True(t, state.Buffer == a || state.Buffer == b)
}

func TestJoinRacingWithLastLeave(t *testing.T) {
	store := NewStore()

	for i := 0; i < 200; i++ {
		store.Join("churn", "owner", "owner", nil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = store.Leave("churn", "owner", nil)
		}()
		go func() {
			defer wg.Done()
			store.Join("churn", "guest", "guest", nil)
		}()
		wg.Wait()

		state, ok := store.Snapshot("churn")
		require.True(t, ok, "guest must end up in a live room")
		assert.Equal(t, []string{"guest"}, state.Names())

		_, err := store.Leave("churn", "guest", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, store.Len())
}

func TestRoomsSummary(t *testing.T) {
	store := NewStore()
	store.Join("b", "c1", "alice", nil)
	store.Join("a", "c2", "bob", nil)
	store.Join("a", "c3", "carol", nil)

	rooms := store.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, Summary{ID: "a", Language: DefaultLanguage, Participants: 2}, rooms[0])
	assert.Equal(t, "b", rooms[1].ID)
}
