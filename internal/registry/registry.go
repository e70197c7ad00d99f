package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/coderoom/internal/metrics"
	"github.com/manpreetbhatti/coderoom/internal/room"
)

const (
	MinPasswordLength      = 6
	MaxPasswordLength      = 72 // bcrypt ignores or rejects anything longer
	DefaultMaxParticipants = 10
	DefaultParticipantsCap = 50

	maxKeyAttempts = 16
)

// Returned when no unused key could be found. With 32^12 keys this means
// the generator is broken, not that the key space is full.
var ErrKeySpaceExhausted = errors.New("room key space exhausted")

// Repository is the storage boundary for rooms. Get returns room.ErrNotFound
// on a miss; Delete of a missing key is not an error.
type Repository interface {
	Get(ctx context.Context, key string) (room.Record, error)
	Put(ctx context.Context, key string, rec room.Record) error
	Delete(ctx context.Context, key string) error
}

type CreateParams struct {
	Name            string
	Password        string
	MaxParticipants int
	IsPrivate       bool
}

// Registry owns room identity, credentials and capacity policy. Live rooms
// are indexed in memory; the repository backs them across restarts.
type Registry struct {
	repo     Repository
	hasher   Hasher
	keys     KeyGenerator
	tokens   *Tokens
	strategy room.EditStrategy
	log      *zap.Logger
	limit    int

	mu    sync.RWMutex
	rooms map[string]*room.Room
	// keys deleted during this process; never restored or reissued
	deleted map[string]struct{}

	// serializes repository writes against deletes
	writeMu sync.Mutex
}

type Option func(*Registry)

func WithHasher(h Hasher) Option             { return func(r *Registry) { r.hasher = h } }
func WithKeyGenerator(k KeyGenerator) Option { return func(r *Registry) { r.keys = k } }
func WithTokens(t *Tokens) Option            { return func(r *Registry) { r.tokens = t } }
func WithLogger(l *zap.Logger) Option        { return func(r *Registry) { r.log = l } }

func WithEditStrategy(s room.EditStrategy) Option {
	return func(r *Registry) { r.strategy = s }
}

// WithParticipantsLimit caps the maxParticipants a creator may ask for.
func WithParticipantsLimit(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.limit = n
		}
	}
}

func New(repo Repository, opts ...Option) *Registry {
	r := &Registry{
		repo:     repo,
		hasher:   NewBcryptHasher(10),
		keys:     randomKeys{},
		strategy: room.LastWriteWins{},
		log:      zap.NewNop(),
		limit:    DefaultParticipantsCap,
		rooms:    make(map[string]*room.Room),
		deleted:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tokens == nil {
		r.tokens = NewTokens([]byte("coderoom-dev-secret"), 0)
	}
	return r
}

func (r *Registry) validate(p *CreateParams) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return room.NewValidationError(room.ReasonEmptyName, "")
	}
	if len(p.Password) < MinPasswordLength {
		return room.NewValidationError(room.ReasonWeakPassword,
			fmt.Sprintf("at least %d characters", MinPasswordLength))
	}
	if len(p.Password) > MaxPasswordLength {
		return room.NewValidationError(room.ReasonWeakPassword,
			fmt.Sprintf("at most %d bytes", MaxPasswordLength))
	}
	if p.MaxParticipants <= 0 {
		p.MaxParticipants = DefaultMaxParticipants
	}
	if p.MaxParticipants > r.limit {
		return room.NewValidationError(room.ReasonInvalidMaxParticipants,
			fmt.Sprintf("at most %d", r.limit))
	}
	return nil
}

func (r *Registry) CreateRoom(ctx context.Context, params CreateParams) (*room.Room, error) {
	if err := r.validate(&params); err != nil {
		return nil, err
	}

	hash, err := r.hasher.Hash(params.Password)
	if err != nil {
		return nil, err
	}

	created, err := r.reserve(ctx, func(key string) *room.Room {
		return room.New(key, params.Name, hash, params.MaxParticipants, params.IsPrivate,
			room.WithStrategy(r.strategy))
	})
	if err != nil {
		return nil, err
	}

	if err := r.Persist(ctx, created); err != nil {
		r.mu.Lock()
		delete(r.rooms, created.ID)
		r.mu.Unlock()
		return nil, fmt.Errorf("store room %s: %w", created.ID, err)
	}

	metrics.RoomCreated()
	r.log.Info("room created",
		zap.String("room", created.ID),
		zap.Int("max_participants", created.MaxParticipants),
		zap.Bool("private", created.IsPrivate))
	return created, nil
}

// reserve draws keys until one is unused both live and in storage, then
// inserts the room built for it.
func (r *Registry) reserve(ctx context.Context, build func(key string) *room.Room) (*room.Room, error) {
	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		key, err := r.keys.NewKey()
		if err != nil {
			return nil, err
		}
		key = NormalizeKey(key)

		if _, err := r.repo.Get(ctx, key); err == nil {
			r.log.Debug("room key collision in storage", zap.Int("attempt", attempt))
			continue
		} else if !errors.Is(err, room.ErrNotFound) {
			return nil, fmt.Errorf("check room key: %w", err)
		}

		r.mu.Lock()
		_, tombstoned := r.deleted[key]
		if _, taken := r.rooms[key]; taken || tombstoned {
			r.mu.Unlock()
			r.log.Debug("room key collision", zap.Int("attempt", attempt))
			continue
		}
		created := build(key)
		r.rooms[key] = created
		r.mu.Unlock()
		return created, nil
	}
	return nil, ErrKeySpaceExhausted
}

// Get returns the live room for key, loading it from storage if needed.
func (r *Registry) Get(ctx context.Context, key string) (*room.Room, error) {
	key = NormalizeKey(key)

	r.mu.RLock()
	existing, ok := r.rooms[key]
	_, tombstoned := r.deleted[key]
	r.mu.RUnlock()
	if ok {
		return existing, nil
	}
	if tombstoned {
		return nil, room.ErrNotFound
	}

	rec, err := r.repo.Get(ctx, key)
	if err != nil {
		if errors.Is(err, room.ErrNotFound) {
			return nil, room.ErrNotFound
		}
		return nil, fmt.Errorf("load room %s: %w", key, err)
	}

	loaded := room.FromRecord(rec, room.WithStrategy(r.strategy))

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.rooms[key]; ok {
		return existing, nil
	}
	// deleted while the record was being read
	if _, tombstoned := r.deleted[key]; tombstoned {
		return nil, room.ErrNotFound
	}
	r.rooms[key] = loaded
	r.log.Info("room restored from storage", zap.String("room", key))
	return loaded, nil
}

// Lookup returns only rooms already live in memory.
func (r *Registry) Lookup(key string) (*room.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	found, ok := r.rooms[NormalizeKey(key)]
	return found, ok
}

func (r *Registry) Authenticate(ctx context.Context, key, password string) (*room.Room, error) {
	found, err := r.Get(ctx, key)
	if err != nil {
		if errors.Is(err, room.ErrNotFound) {
			metrics.AuthFailed("not_found")
		}
		return nil, err
	}
	if err := r.hasher.Compare(found.PasswordHash(), password); err != nil {
		metrics.AuthFailed("invalid_credentials")
		return nil, room.ErrInvalidCredentials
	}
	return found, nil
}

// AuthenticateToken accepts a participant token issued by JoinRoom for the
// same room and user.
func (r *Registry) AuthenticateToken(ctx context.Context, key, token, userID string) (*room.Room, error) {
	claims, err := r.tokens.Verify(token)
	if err != nil || claims.Role != RoleParticipant ||
		claims.RoomKey != NormalizeKey(key) || claims.UserID != userID {
		metrics.AuthFailed("invalid_token")
		return nil, room.ErrInvalidCredentials
	}
	return r.Get(ctx, key)
}

// AuthorizeCreator checks a creator token for key.
func (r *Registry) AuthorizeCreator(key, token string) error {
	claims, err := r.tokens.Verify(token)
	if err != nil || claims.Role != RoleCreator || claims.RoomKey != NormalizeKey(key) {
		return room.ErrInvalidCredentials
	}
	return nil
}

func (r *Registry) IssueCreatorToken(key string) (string, error) {
	return r.tokens.Issue(NormalizeKey(key), "", RoleCreator)
}

func (r *Registry) IssueParticipantToken(key, userID string) (string, error) {
	return r.tokens.Issue(NormalizeKey(key), userID, RoleParticipant)
}

// JoinRoom authenticates and admits participant.
func (r *Registry) JoinRoom(ctx context.Context, key, password string, participant room.Participant) (room.JoinResult, *room.Room, error) {
	found, err := r.Authenticate(ctx, key, password)
	if err != nil {
		return room.JoinResult{}, nil, err
	}
	res, err := found.Join(participant)
	if err != nil {
		return res, nil, err
	}
	return res, found, nil
}

func (r *Registry) LeaveRoom(_ context.Context, key, userID string) bool {
	found, ok := r.Lookup(key)
	if !ok {
		return false
	}
	return found.Leave(userID)
}

// DeleteRoom is idempotent.
func (r *Registry) DeleteRoom(ctx context.Context, key string) error {
	key = NormalizeKey(key)

	r.mu.Lock()
	found, ok := r.rooms[key]
	delete(r.rooms, key)
	r.deleted[key] = struct{}{}
	r.mu.Unlock()

	if ok {
		found.MarkDeleted()
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.repo.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete room %s: %w", key, err)
	}
	if ok {
		metrics.RoomDeleted()
		r.log.Info("room deleted", zap.String("room", key))
	}
	return nil
}

// List returns live rooms, oldest first.
func (r *Registry) List() []*room.Room {
	r.mu.RLock()
	out := make([]*room.Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) RoomsByUser(userID string) []*room.Room {
	var out []*room.Room
	for _, rm := range r.List() {
		if rm.HasParticipant(userID) {
			out = append(out, rm)
		}
	}
	return out
}

// Persist writes the room's current record unless it has been deleted.
func (r *Registry) Persist(ctx context.Context, rm *room.Room) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if rm.State() == room.StateDeleted || r.isDeleted(rm.ID) {
		return nil
	}
	rec := rm.Record()
	if err := r.repo.Put(ctx, rec.ID, rec); err != nil {
		return err
	}
	rm.MarkPersisted(rec.Document.Revision)
	return nil
}

func (r *Registry) isDeleted(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.deleted[key]
	return ok
}

// PersistDirty stores every live room whose document changed since it was
// last written, and returns how many were stored.
func (r *Registry) PersistDirty(ctx context.Context) (int, error) {
	var (
		stored int
		errs   []error
	)
	for _, rm := range r.List() {
		if !rm.Dirty() {
			continue
		}
		if err := r.Persist(ctx, rm); err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", rm.ID, err))
			continue
		}
		stored++
	}
	return stored, errors.Join(errs...)
}

// Close flushes pending document changes and releases the repository.
func (r *Registry) Close(ctx context.Context) error {
	_, flushErr := r.PersistDirty(ctx)
	if closer, ok := r.repo.(io.Closer); ok {
		return errors.Join(flushErr, closer.Close())
	}
	return flushErr
}
