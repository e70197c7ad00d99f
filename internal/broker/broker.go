package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/coderoom/internal/metrics"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/room"
)

// Gateway is one participant's connection as the broker sees it. Deliver
// must not block; a transport that cannot keep up drops events.
type Gateway interface {
	ID() string
	Deliver(ev protocol.Event)
}

// Authenticator resolves room credentials to a live room.
type Authenticator interface {
	Authenticate(ctx context.Context, key, password string) (*room.Room, error)
	AuthenticateToken(ctx context.Context, key, token, userID string) (*room.Room, error)
}

var ErrNotJoined = errors.New("gateway has not joined this room")

type subscriber struct {
	gw     Gateway
	userID string
}

// session is the serialization point of one room: its mutex is held for
// the whole apply+publish of every event, so subscribers observe room
// events in one order.
type session struct {
	id     string
	mu     sync.Mutex
	room   *room.Room
	subs   []subscriber
	closed bool
}

func (s *session) indexOf(gatewayID string) int {
	for i, sub := range s.subs {
		if sub.gw.ID() == gatewayID {
			return i
		}
	}
	return -1
}

func (s *session) subscribe(gw Gateway, userID string) bool {
	if s.indexOf(gw.ID()) >= 0 {
		return false
	}
	s.subs = append(s.subs, subscriber{gw: gw, userID: userID})
	metrics.SubscriberAdded()
	return true
}

func (s *session) unsubscribe(gatewayID string) (subscriber, bool) {
	i := s.indexOf(gatewayID)
	if i < 0 {
		return subscriber{}, false
	}
	sub := s.subs[i]
	s.subs = append(s.subs[:i], s.subs[i+1:]...)
	metrics.SubscriberRemoved()
	return sub, true
}

func (s *session) hasUser(userID string) bool {
	for _, sub := range s.subs {
		if sub.userID == userID {
			return true
		}
	}
	return false
}

func (s *session) publish(ev protocol.Event, excludeGatewayID string) {
	kind := string(ev.Kind())
	for _, sub := range s.subs {
		if sub.gw.ID() == excludeGatewayID {
			continue
		}
		sub.gw.Deliver(ev)
		metrics.Delivered(kind)
	}
}

func (s *session) presence() protocol.Presence {
	p := protocol.Presence{RoomID: s.id, Users: []protocol.PresenceEntry{}}
	if s.room == nil {
		return p
	}
	p.Users = lo.Map(s.room.Participants(), func(participant room.Participant, _ int) protocol.PresenceEntry {
		return protocol.PresenceEntry{UserID: participant.ID, DisplayName: participant.DisplayName}
	})
	return p
}

type handler func(ctx context.Context, gw Gateway, ev protocol.Inbound) error

// Broker routes events between the gateways of each room.
type Broker struct {
	auth     Authenticator
	log      *zap.Logger
	now      func() time.Time
	handlers map[protocol.Kind]handler

	mu       sync.RWMutex
	sessions map[string]*session

	gwMu   sync.Mutex
	joined map[string]map[string]struct{}
}

func New(auth Authenticator, log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Broker{
		auth:     auth,
		log:      log,
		now:      time.Now,
		sessions: make(map[string]*session),
		joined:   make(map[string]map[string]struct{}),
	}
	b.handlers = map[protocol.Kind]handler{
		protocol.KindJoinRoom:       b.handleJoin,
		protocol.KindCodeChange:     b.handleCodeChange,
		protocol.KindCursorChange:   b.handleCursorChange,
		protocol.KindLanguageChange: b.handleLanguageChange,
		protocol.KindLeaveRoom:      b.handleLeave,
	}
	return b
}

func normalizeRoomID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// acquire returns the locked live session for roomID, creating it when rm
// is non-nil. It returns nil if there is no session and rm is nil.
func (b *Broker) acquire(roomID string, rm *room.Room) *session {
	for {
		b.mu.Lock()
		s, ok := b.sessions[roomID]
		if !ok {
			if rm == nil {
				b.mu.Unlock()
				return nil
			}
			s = &session{id: roomID, room: rm}
			b.sessions[roomID] = s
		}
		b.mu.Unlock()

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		if s.room == nil {
			s.room = rm
		}
		return s
	}
}

// release drops a session that has no subscribers left.
func (b *Broker) release(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 && !s.closed {
		s.closed = true
		delete(b.sessions, s.id)
	}
}

func (b *Broker) track(gatewayID, roomID string) {
	b.gwMu.Lock()
	defer b.gwMu.Unlock()
	rooms, ok := b.joined[gatewayID]
	if !ok {
		rooms = make(map[string]struct{})
		b.joined[gatewayID] = rooms
	}
	rooms[roomID] = struct{}{}
}

func (b *Broker) untrack(gatewayID, roomID string) {
	b.gwMu.Lock()
	defer b.gwMu.Unlock()
	if rooms, ok := b.joined[gatewayID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(b.joined, gatewayID)
		}
	}
}

// Subscribe registers gw as a listener of roomID. Idempotent.
func (b *Broker) Subscribe(roomID string, gw Gateway) {
	roomID = normalizeRoomID(roomID)
	s := b.acquire(roomID, nil)
	if s == nil {
		b.mu.Lock()
		s = b.sessions[roomID]
		if s == nil {
			s = &session{id: roomID}
			b.sessions[roomID] = s
		}
		b.mu.Unlock()
		s.mu.Lock()
	}
	s.subscribe(gw, "")
	s.mu.Unlock()
	b.track(gw.ID(), roomID)
}

// Unsubscribe removes a listener. Idempotent.
func (b *Broker) Unsubscribe(roomID, gatewayID string) {
	roomID = normalizeRoomID(roomID)
	s := b.acquire(roomID, nil)
	if s == nil {
		return
	}
	s.unsubscribe(gatewayID)
	empty := len(s.subs) == 0
	s.mu.Unlock()

	b.untrack(gatewayID, roomID)
	if empty {
		b.release(s)
	}
}

// Publish delivers ev to every subscriber of roomID except the gateway
// with excludeGatewayID. There is no acknowledgement and no retry.
func (b *Broker) Publish(roomID string, ev protocol.Event, excludeGatewayID string) {
	s := b.acquire(normalizeRoomID(roomID), nil)
	if s == nil {
		return
	}
	defer s.mu.Unlock()
	s.publish(ev, excludeGatewayID)
}

// Handle applies one inbound event. Failures never escape: they become an
// error event delivered to gw alone.
func (b *Broker) Handle(ctx context.Context, gw Gateway, ev protocol.Inbound) {
	kind := ev.Kind()
	h, ok := b.handlers[kind]
	if !ok {
		metrics.EventRejected(string(kind))
		gw.Deliver(protocol.Error{Code: CodeValidation, Message: "unsupported event", Event: kind})
		return
	}

	if err := h(ctx, gw, ev); err != nil {
		metrics.EventRejected(string(kind))
		code := ErrorCode(err)
		if code == CodeInternal {
			b.log.Error("event failed",
				zap.String("gateway", gw.ID()),
				zap.String("room", ev.Room()),
				zap.String("kind", string(kind)),
				zap.Error(err))
		} else {
			b.log.Debug("event rejected",
				zap.String("gateway", gw.ID()),
				zap.String("room", ev.Room()),
				zap.String("kind", string(kind)),
				zap.String("code", code))
		}
		gw.Deliver(protocol.Error{Code: code, Message: errorMessage(err), Event: kind})
		return
	}
	metrics.EventHandled(string(kind))
}

// HandleFrame decodes a raw frame and handles it.
func (b *Broker) HandleFrame(ctx context.Context, gw Gateway, frame []byte) {
	ev, err := protocol.Decode(frame)
	if err != nil {
		metrics.EventRejected("invalid")
		gw.Deliver(protocol.Error{Code: ErrorCode(err), Message: err.Error()})
		return
	}
	b.Handle(ctx, gw, ev)
}

func (b *Broker) handleJoin(ctx context.Context, gw Gateway, ev protocol.Inbound) error {
	join := ev.(protocol.JoinRoom)
	roomID := normalizeRoomID(join.RoomID)

	var (
		rm  *room.Room
		err error
	)
	if join.Token != "" {
		rm, err = b.auth.AuthenticateToken(ctx, roomID, join.Token, join.UserID)
	} else {
		rm, err = b.auth.Authenticate(ctx, roomID, join.Password)
	}
	if err != nil {
		return err
	}

	s := b.acquire(roomID, rm)
	if i := s.indexOf(gw.ID()); i >= 0 && s.subs[i].userID != join.UserID {
		// one connection speaks for one user per room
		s.mu.Unlock()
		return room.ErrInvalidCredentials
	}
	res, err := rm.Join(room.Participant{ID: join.UserID, DisplayName: join.DisplayName})
	if err != nil {
		empty := len(s.subs) == 0
		s.mu.Unlock()
		if empty {
			b.release(s)
		}
		return err
	}
	// a participant admitted over HTTP first is announced on its first connection
	announce := !s.hasUser(join.UserID)
	s.subscribe(gw, join.UserID)

	if announce {
		s.publish(protocol.UserJoined{
			UserID:      join.UserID,
			DisplayName: join.DisplayName,
			RoomID:      roomID,
		}, gw.ID())
	}
	s.publish(s.presence(), "")

	doc := rm.Document()
	gw.Deliver(protocol.DocumentSync{Code: doc.Code, Language: doc.Language, Revision: doc.Revision})
	metrics.Delivered(string(protocol.KindDocumentSync))
	s.mu.Unlock()

	b.track(gw.ID(), roomID)
	b.log.Info("participant joined",
		zap.String("room", roomID),
		zap.String("user", join.UserID),
		zap.String("gateway", gw.ID()),
		zap.Bool("already_present", res.AlreadyPresent))
	return nil
}

// member returns the locked session after checking that gw joined roomID as userID.
func (b *Broker) member(roomID string, gw Gateway, userID string) (*session, error) {
	s := b.acquire(normalizeRoomID(roomID), nil)
	if s == nil {
		return nil, ErrNotJoined
	}
	i := s.indexOf(gw.ID())
	if i < 0 || s.subs[i].userID != userID || s.room == nil {
		s.mu.Unlock()
		return nil, ErrNotJoined
	}
	return s, nil
}

func (b *Broker) handleCodeChange(_ context.Context, gw Gateway, ev protocol.Inbound) error {
	change := ev.(protocol.CodeChange)
	s, err := b.member(change.RoomID, gw, change.UserID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	doc, err := s.room.ApplyEdit(change.Code)
	if err != nil {
		return err
	}
	s.publish(protocol.CodeChanged{
		Code:      doc.Code,
		Revision:  doc.Revision,
		UserID:    change.UserID,
		Timestamp: protocol.Timestamp(b.now()),
	}, gw.ID())
	return nil
}

func (b *Broker) handleCursorChange(_ context.Context, gw Gateway, ev protocol.Inbound) error {
	change := ev.(protocol.CursorChange)
	s, err := b.member(change.RoomID, gw, change.UserID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.room.SetCursor(change.UserID, change.Cursor)
	s.publish(protocol.CursorMoved{
		UserID:    change.UserID,
		Cursor:    change.Cursor,
		Timestamp: protocol.Timestamp(b.now()),
	}, gw.ID())
	return nil
}

func (b *Broker) handleLanguageChange(_ context.Context, gw Gateway, ev protocol.Inbound) error {
	change := ev.(protocol.LanguageChange)
	lang, err := room.ParseLanguage(change.Language)
	if err != nil {
		return err
	}

	s, err := b.member(change.RoomID, gw, change.UserID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	doc, err := s.room.SetLanguage(lang)
	if err != nil {
		return err
	}
	s.publish(protocol.LanguageChanged{
		Language:  doc.Language,
		Revision:  doc.Revision,
		UserID:    change.UserID,
		Timestamp: protocol.Timestamp(b.now()),
	}, gw.ID())
	return nil
}

func (b *Broker) handleLeave(_ context.Context, gw Gateway, ev protocol.Inbound) error {
	leave := ev.(protocol.LeaveRoom)
	s, err := b.member(leave.RoomID, gw, leave.UserID)
	if err != nil {
		return err
	}
	s.mu.Unlock()

	b.leave(s.id, gw.ID())
	return nil
}

// leave unsubscribes gatewayID from roomID, removes its participant unless
// another connection of the same user is still subscribed, and announces
// the new presence to whoever remains.
func (b *Broker) leave(roomID, gatewayID string) {
	s := b.acquire(roomID, nil)
	if s == nil {
		b.untrack(gatewayID, roomID)
		return
	}

	sub, ok := s.unsubscribe(gatewayID)
	if ok && sub.userID != "" && s.room != nil && !s.hasUser(sub.userID) {
		s.room.Leave(sub.userID)
		b.log.Info("participant left",
			zap.String("room", roomID),
			zap.String("user", sub.userID),
			zap.String("gateway", gatewayID))
	}
	if ok {
		s.publish(s.presence(), "")
	}
	empty := len(s.subs) == 0
	s.mu.Unlock()

	b.untrack(gatewayID, roomID)
	if empty {
		b.release(s)
	}
}

// Disconnect is called by the transport when a gateway goes away, whether
// it closed cleanly or was declared stale.
func (b *Broker) Disconnect(gw Gateway) {
	b.gwMu.Lock()
	rooms := make([]string, 0, len(b.joined[gw.ID()]))
	for roomID := range b.joined[gw.ID()] {
		rooms = append(rooms, roomID)
	}
	b.gwMu.Unlock()

	for _, roomID := range rooms {
		b.leave(roomID, gw.ID())
	}
}

// CloseRoom tells every subscriber the room is gone and drops its session.
// Called after the registry deletes the room.
func (b *Broker) CloseRoom(roomID string) {
	roomID = normalizeRoomID(roomID)

	b.mu.Lock()
	s, ok := b.sessions[roomID]
	delete(b.sessions, roomID)
	b.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.publishTo(subs, protocol.RoomClosed{RoomID: roomID})
	s.mu.Unlock()

	for _, sub := range subs {
		metrics.SubscriberRemoved()
		b.untrack(sub.gw.ID(), roomID)
	}
	b.log.Info("room closed", zap.String("room", roomID), zap.Int("subscribers", len(subs)))
}

func (s *session) publishTo(subs []subscriber, ev protocol.Event) {
	for _, sub := range subs {
		sub.gw.Deliver(ev)
		metrics.Delivered(string(ev.Kind()))
	}
}

type Stats struct {
	Rooms       int            `json:"rooms"`
	Subscribers int            `json:"subscribers"`
	PerRoom     map[string]int `json:"perRoom"`
}

func (b *Broker) Stats() Stats {
	b.mu.RLock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()

	st := Stats{PerRoom: make(map[string]int, len(sessions))}
	for _, s := range sessions {
		s.mu.Lock()
		n := len(s.subs)
		s.mu.Unlock()
		st.Rooms++
		st.Subscribers += n
		st.PerRoom[s.id] = n
	}
	return st
}
