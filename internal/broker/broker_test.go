package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/registry"
	"github.com/manpreetbhatti/coderoom/internal/room"
)

type memGateway struct {
	id     string
	mu     sync.Mutex
	events []protocol.Event
}

func newGateway(id string) *memGateway { return &memGateway{id: id} }

func (g *memGateway) ID() string { return g.id }

func (g *memGateway) Deliver(ev protocol.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, ev)
}

// take returns and clears everything delivered so far.
func (g *memGateway) take() []protocol.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.events
	g.events = nil
	return out
}

func kinds(evs []protocol.Event) []protocol.Kind {
	out := make([]protocol.Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind()
	}
	return out
}

func userIDs(p protocol.Presence) []string {
	out := make([]string, len(p.Users))
	for i, u := range p.Users {
		out[i] = u.UserID
	}
	return out
}

type fixture struct {
	reg    *registry.Registry
	broker *Broker
	ctx    context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New(db.NewMemoryStore(),
		registry.WithHasher(registry.NewBcryptHasher(bcrypt.MinCost)),
		registry.WithTokens(registry.NewTokens([]byte("test-secret"), time.Hour)))
	b := New(reg, nil)
	b.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return &fixture{reg: reg, broker: b, ctx: context.Background()}
}

func (f *fixture) room(t *testing.T, name, password string, max int) *room.Room {
	t.Helper()
	rm, err := f.reg.CreateRoom(f.ctx, registry.CreateParams{Name: name, Password: password, MaxParticipants: max})
	require.NoError(t, err)
	return rm
}

func (f *fixture) join(gw Gateway, roomID, userID, password string) {
	f.broker.Handle(f.ctx, gw, protocol.JoinRoom{
		RoomID: roomID, UserID: userID, DisplayName: "name-" + userID, Password: password,
	})
}

func requireError(t *testing.T, evs []protocol.Event, code string) {
	t.Helper()
	require.Len(t, evs, 1)
	e, ok := evs[0].(protocol.Error)
	require.True(t, ok, "expected error event, got %T", evs[0])
	assert.Equal(t, code, e.Code)
}

func TestAlgoStudyScenario(t *testing.T) {
	f := newFixture(t)
	rm := f.room(t, "Algo Study", "secret1", 2)
	alice, bob, carol := newGateway("gw-a"), newGateway("gw-b"), newGateway("gw-c")

	f.join(alice, rm.ID, "alice", "secret1")
	evs := alice.take()
	require.Equal(t, []protocol.Kind{protocol.KindPresence, protocol.KindDocumentSync}, kinds(evs))
	assert.Equal(t, []string{"alice"}, userIDs(evs[0].(protocol.Presence)))
	assert.Equal(t, protocol.DocumentSync{Code: room.WelcomeCode, Language: room.LangJavaScript}, evs[1])

	f.join(bob, rm.ID, "bob", "secret1")
	evs = alice.take()
	require.Equal(t, []protocol.Kind{protocol.KindUserJoined, protocol.KindPresence}, kinds(evs))
	assert.Equal(t, protocol.UserJoined{UserID: "bob", DisplayName: "name-bob", RoomID: rm.ID}, evs[0])
	assert.Equal(t, []string{"alice", "bob"}, userIDs(evs[1].(protocol.Presence)))
	assert.Equal(t, []protocol.Kind{protocol.KindPresence, protocol.KindDocumentSync}, kinds(bob.take()))

	// third participant exceeds capacity
	f.join(carol, rm.ID, "carol", "secret1")
	requireError(t, carol.take(), CodeCapacityExceeded)
	assert.Empty(t, alice.take())
	assert.Equal(t, 2, rm.ParticipantCount())

	f.broker.Handle(f.ctx, alice, protocol.CodeChange{RoomID: rm.ID, UserID: "alice", Code: "print('hi')"})
	assert.Empty(t, alice.take(), "originator does not receive its own edit")
	evs = bob.take()
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.CodeChanged{
		Code: "print('hi')", Revision: 1, UserID: "alice", Timestamp: 1700000000000,
	}, evs[0])

	f.broker.Handle(f.ctx, bob, protocol.CursorChange{RoomID: rm.ID, UserID: "bob", Cursor: room.Cursor{Line: 3, Column: 7}})
	evs = alice.take()
	require.Len(t, evs, 1)
	assert.Equal(t, room.Cursor{Line: 3, Column: 7}, evs[0].(protocol.CursorMoved).Cursor)
	assert.Equal(t, uint64(1), rm.Document().Revision)
	assert.Equal(t, "print('hi')", rm.Document().Code)

	f.broker.Handle(f.ctx, bob, protocol.LeaveRoom{RoomID: rm.ID, UserID: "bob"})
	evs = alice.take()
	require.Len(t, evs, 1)
	assert.Equal(t, []string{"alice"}, userIDs(evs[0].(protocol.Presence)))
	assert.Empty(t, bob.take())

	f.broker.Handle(f.ctx, alice, protocol.CodeChange{RoomID: rm.ID, UserID: "alice", Code: "after"})
	assert.Empty(t, bob.take(), "no delivery after leave")

	f.broker.Handle(f.ctx, bob, protocol.CodeChange{RoomID: rm.ID, UserID: "bob", Code: "sneaky"})
	requireError(t, bob.take(), CodeNotJoined)
	assert.Equal(t, "after", rm.Document().Code)
}

func TestJoinWrongPassword(t *testing.T) {
	f := newFixture(t)
	rm := f.room(t, "Algo Study", "secret1", 2)
	alice, mallory := newGateway("a"), newGateway("m")
	f.join(alice, rm.ID, "alice", "secret1")
	alice.take()

	f.join(mallory, rm.ID, "mallory", "wrong-password")
	requireError(t, mallory.take(), CodeInvalidCredentials)
	assert.Empty(t, alice.take())
	assert.Equal(t, 1, rm.ParticipantCount())
	assert.Equal(t, 1, f.broker.Stats().Subscribers)
}

func TestJoinUnknownRoom(t *testing.T) {
	f := newFixture(t)
	gw := newGateway("a")
	f.join(gw, "NOSUCHROOM00", "alice", "secret1")
	requireError(t, gw.take(), CodeNotFound)
	assert.Zero(t, f.broker.Stats().Rooms)
}

func TestJoinWithToken(t *testing.T) {
	f := newFixture(t)
	rm := f.room(t, "Algo Study", "secret1", 2)

	// admitted over HTTP first, then connects with the issued token
	_, _, err := f.reg.JoinRoom(f.ctx, rm.ID, "secret1", room.Participant{ID: "alice"})
	require.NoError(t, err)
	token, err := f.reg.IssueParticipantToken(rm.ID, "alice")
	require.NoError(t, err)

	observer := newGateway("o")
	f.join(observer, rm.ID, "bob", "secret1")
	observer.take()

	gw := newGateway("a")
	f.broker.Handle(f.ctx, gw, protocol.JoinRoom{RoomID: rm.ID, UserID: "alice", Token: token})
	assert.Equal(t, []protocol.Kind{protocol.KindPresence, protocol.KindDocumentSync}, kinds(gw.take()))
	assert.Equal(t, []protocol.Kind{protocol.KindUserJoined, protocol.KindPresence}, kinds(observer.take()))

	// a token is bound to its user
	other := newGateway("x")
	f.broker.Handle(f.ctx, other, protocol.JoinRoom{RoomID: rm.ID, UserID: "eve", Token: token})
	requireError(t, other.take(), CodeInvalidCredentials)
}

func TestRoomIsolation(t *testing.T) {
	f := newFixture(t)
	one := f.room(t, "one", "secret1", 2)
	two := f.room(t, "two", "secret2", 2)
	a, b := newGateway("a"), newGateway("b")
	f.join(a, one.ID, "alice", "secret1")
	f.join(b, two.ID, "bob", "secret2")
	a.take()
	b.take()

	f.broker.Handle(f.ctx, a, protocol.CodeChange{RoomID: one.ID, UserID: "alice", Code: "x = 1"})

	assert.Empty(t, b.take())
	assert.Equal(t, uint64(1), one.Document().Revision)
	assert.Equal(t, uint64(0), two.Document().Revision)
	assert.Equal(t, room.WelcomeCode, two.Document().Code)

	// a gateway cannot act on a room it has not joined
	f.broker.Handle(f.ctx, a, protocol.CodeChange{RoomID: two.ID, UserID: "alice", Code: "y"})
	requireError(t, a.take(), CodeNotJoined)
}

func TestUserIDMustMatchJoinedIdentity(t *testing.T) {
	f := newFixture(t)
	rm := f.room(t, "r", "secret1", 3)
	a, b := newGateway("a"), newGateway("b")
	f.join(a, rm.ID, "alice", "secret1")
	f.join(b, rm.ID, "bob", "secret1")
	a.take()
	b.take()

	f.broker.Handle(f.ctx, a, protocol.CodeChange{RoomID: rm.ID, UserID: "bob", Code: "spoof"})
	requireError(t, a.take(), CodeNotJoined)
	assert.Empty(t, b.take())
}

func TestRejectedIdentitySwitchLeavesPresence(t *testing.T) {
	f := newFixture(t)
	rm := f.room(t, "r", "secret1", 2)
	a, b := newGateway("a"), newGateway("b")
	f.join(a, rm.ID, "alice", "secret1")
	a.take()

	f.join(a, rm.ID, "mallory", "secret1")
	requireError(t, a.take(), CodeInvalidCredentials)
	assert.False(t, rm.HasParticipant("mallory"))
	assert.Equal(t, 1, rm.ParticipantCount())

	// the free slot is still available to a legitimate user
	f.join(b, rm.ID, "bob", "secret1")
	assert.Equal(t, []protocol.Kind{protocol.KindPresence, protocol.KindDocumentSync}, kinds(b.take()))
	assert.Equal(t, 2, rm.ParticipantCount())
}

func TestFailedJoinLeavesNoSession(t *testing.T) {
	f := newFixture(t)
	rm := f.room(t, "r", "secret1", 1)
	_, _, err := f.reg.JoinRoom(f.ctx, rm.ID, "secret1", room.Participant{ID: "alice"})
	require.NoError(t, err)

	late := newGateway("late")
	f.join(late, rm.ID, "late", "secret1")
	requireError(t, late.take(), CodeCapacityExceeded)

	st := f.broker.Stats()
	assert.Zero(t, st.Rooms)
	assert.Zero(t, st.Subscribers)
	assert.Empty(t, st.PerRoom)
}

func TestLanguageChange(t *testing.T) {
	f := newFixture(t)
	rm := f.room(t, "r", "secret1", 2)
	a, b := newGateway("a"), newGateway("b")
	f.join(a, rm.ID, "alice", "secret1")
	f.join(b, rm.ID, "bob", "secret1")
	a.take()
	b.take()

	f.broker.Handle(f.ctx, a, protocol.LanguageChange{RoomID: rm.ID, UserID: "alice", Language: "python"})
	evs := b.take()
	require.Len(t, evs, 1)
	changed := evs[0].(protocol.LanguageChanged)
	assert.Equal(t, room.LangPython, changed.Language)
	assert.Equal(t, uint64(1), changed.Revision)

	f.broker.Handle(f.ctx, a, protocol.LanguageChange{RoomID: rm.ID, UserID: "alice", Language: "cobol"})
	requireError(t, a.take(), CodeValidation)
	assert.Empty(t, b.take())
	assert.Equal(t, room.LangPython, rm.Document().Language)
}

func TestDisconnectActsAsLeave(t *testing.T) {
	f := newFixture(t)
	one := f.room(t, "one", "secret1", 2)
	two := f.room(t, "two", "secret2", 2)
	a, b := newGateway("a"), newGateway("b")
	f.join(a, one.ID, "alice", "secret1")
	f.join(b, one.ID, "bob", "secret1")
	f.join(b, two.ID, "bob", "secret2")
	a.take()
	b.take()

	f.broker.Disconnect(b)

	evs := a.take()
	require.Len(t, evs, 1)
	assert.Equal(t, []string{"alice"}, userIDs(evs[0].(protocol.Presence)))
	assert.False(t, one.HasParticipant("bob"))
	assert.False(t, two.HasParticipant("bob"))
	assert.Equal(t, room.StateEmpty, two.State())

	st := f.broker.Stats()
	assert.Equal(t, 1, st.Rooms)
	assert.Equal(t, 1, st.Subscribers)

	// a second disconnect is harmless
	f.broker.Disconnect(b)
	assert.Empty(t, a.take())
}

func TestSecondConnectionKeepsParticipant(t *testing.T) {
	f := newFixture(t)
	rm := f.room(t, "r", "secret1", 2)
	tab1, tab2 := newGateway("tab1"), newGateway("tab2")
	f.join(tab1, rm.ID, "alice", "secret1")
	f.join(tab2, rm.ID, "alice", "secret1")
	assert.Equal(t, 1, rm.ParticipantCount())

	f.broker.Disconnect(tab1)
	assert.True(t, rm.HasParticipant("alice"))

	f.broker.Disconnect(tab2)
	assert.False(t, rm.HasParticipant("alice"))
}

func TestCloseRoom(t *testing.T) {
	f := newFixture(t)
	rm := f.room(t, "r", "secret1", 2)
	a, b := newGateway("a"), newGateway("b")
	f.join(a, rm.ID, "alice", "secret1")
	f.join(b, rm.ID, "bob", "secret1")
	a.take()
	b.take()

	require.NoError(t, f.reg.DeleteRoom(f.ctx, rm.ID))
	f.broker.CloseRoom(rm.ID)

	assert.Equal(t, []protocol.Event{protocol.RoomClosed{RoomID: rm.ID}}, a.take())
	assert.Equal(t, []protocol.Event{protocol.RoomClosed{RoomID: rm.ID}}, b.take())
	assert.Zero(t, f.broker.Stats().Rooms)

	f.broker.Handle(f.ctx, a, protocol.CodeChange{RoomID: rm.ID, UserID: "alice", Code: "x"})
	requireError(t, a.take(), CodeNotJoined)

	f.join(a, rm.ID, "alice", "secret1")
	requireError(t, a.take(), CodeNotFound)

	f.broker.Disconnect(a)
	f.broker.CloseRoom(rm.ID)
}

func TestPublishOrderMatchesRevisionOrder(t *testing.T) {
	f := newFixture(t)
	rm := f.room(t, "r", "secret1", 5)
	observer := newGateway("observer")
	f.join(observer, rm.ID, "observer", "secret1")

	const writers, edits = 4, 25
	gws := make([]*memGateway, writers)
	for i := range gws {
		gws[i] = newGateway(fmt.Sprintf("w%d", i))
		f.join(gws[i], rm.ID, fmt.Sprintf("writer-%d", i), "secret1")
	}
	observer.take()

	var wg sync.WaitGroup
	for i, gw := range gws {
		wg.Add(1)
		go func(i int, gw *memGateway) {
			defer wg.Done()
			for n := 0; n < edits; n++ {
				f.broker.Handle(f.ctx, gw, protocol.CodeChange{
					RoomID: rm.ID, UserID: fmt.Sprintf("writer-%d", i), Code: fmt.Sprintf("%d-%d", i, n),
				})
			}
		}(i, gw)
	}
	wg.Wait()

	evs := observer.take()
	require.Len(t, evs, writers*edits)
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.(protocol.CodeChanged).Revision)
	}
	last := evs[len(evs)-1].(protocol.CodeChanged)
	assert.Equal(t, last.Code, rm.Document().Code)
}

func TestSubscribeAndPublish(t *testing.T) {
	f := newFixture(t)
	a, b := newGateway("a"), newGateway("b")

	f.broker.Subscribe("room1", a)
	f.broker.Subscribe("room1", a)
	f.broker.Subscribe("room1", b)
	assert.Equal(t, 2, f.broker.Stats().Subscribers)

	ev := protocol.RoomClosed{RoomID: "ROOM1"}
	f.broker.Publish("room1", ev, "a")
	assert.Empty(t, a.take())
	assert.Equal(t, []protocol.Event{ev}, b.take())

	f.broker.Unsubscribe("room1", "b")
	f.broker.Unsubscribe("room1", "b")
	f.broker.Publish("room1", ev, "")
	assert.Empty(t, b.take())
	assert.Len(t, a.take(), 1)

	f.broker.Unsubscribe("room1", "a")
	assert.Zero(t, f.broker.Stats().Rooms)
	f.broker.Publish("room1", ev, "")
}

func TestHandleFrame(t *testing.T) {
	f := newFixture(t)
	rm := f.room(t, "r", "secret1", 2)
	gw := newGateway("a")

	f.broker.HandleFrame(f.ctx, gw, []byte(`{"type":"presence","data":{}}`))
	requireError(t, gw.take(), CodeValidation)

	f.broker.HandleFrame(f.ctx, gw, []byte(`not json`))
	requireError(t, gw.take(), CodeValidation)

	frame := fmt.Sprintf(`{"type":"join-room","data":{"roomId":%q,"userId":"alice","password":"secret1"}}`, rm.ID)
	f.broker.HandleFrame(f.ctx, gw, []byte(frame))
	assert.Equal(t, []protocol.Kind{protocol.KindPresence, protocol.KindDocumentSync}, kinds(gw.take()))
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{room.NewValidationError(room.ReasonEmptyName, ""), CodeValidation},
		{fmt.Errorf("wrapped: %w", room.ErrNotFound), CodeNotFound},
		{room.ErrRoomDeleted, CodeNotFound},
		{room.ErrInvalidCredentials, CodeInvalidCredentials},
		{room.ErrCapacityExceeded, CodeCapacityExceeded},
		{ErrNotJoined, CodeNotJoined},
		{protocol.ErrUnknownKind, CodeValidation},
		{fmt.Errorf("disk on fire"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), tt.err.Error())
	}
	assert.Equal(t, "internal error", errorMessage(fmt.Errorf("disk on fire")))
}
