// Package metastore keeps users, photos, tags and the cross-reference maps
// between vector ids and the entities that own them.
package metastore

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// ErrNotFound is reported when a referenced user, photo or vector id is unknown.
var ErrNotFound = errors.New("not found")

// UnknownName is the display name of a user created without any usable candidate name.
const UnknownName = "Unknown"

// User is a person known to the system, keyed by their chat.
type User struct {
	ID               int64  `json:"id"`
	ChatID           int64  `json:"chat_id"`
	DisplayName      string `json:"display_name"`
	IdentityVectorID *int64 `json:"identity_vector_id,omitempty"`
	AvatarPhotoID    *int64 `json:"avatar_photo_id,omitempty"`
}

// Enrolled reports whether the user has an identity vector.
func (u User) Enrolled() bool { return u.IdentityVectorID != nil }

// Photo is a submitted image. Tags never contain SenderID and are kept sorted.
// Unresolved is set until the photo's descriptors have been applied.
type Photo struct {
	ID          int64   `json:"id"`
	SenderID    int64   `json:"sender_id"`
	StoragePath string  `json:"storage_path"`
	Tags        []int64 `json:"tags"`
	Unresolved  bool    `json:"unresolved,omitempty"`
	Vectors     []int64 `json:"-"`
}

// Stats summarizes the store contents.
type Stats struct {
	Users           int `json:"users"`
	EnrolledUsers   int `json:"enrolled_users"`
	Photos          int `json:"photos"`
	Tags            int `json:"tags"`
	PhotoVectors    int `json:"photo_vectors"`
	IdentityVectors int `json:"identity_vectors"`
	Unresolved      int `json:"unresolved_photos"`
}

// Store is the in-memory metadata store. Every method is safe for concurrent use;
// the tagger serializes all mutations through its own goroutine.
type Store struct {
	mu sync.RWMutex

	nextUserID  int64
	nextPhotoID int64

	users  map[int64]*User
	chats  map[int64]int64 // chat id -> user id
	photos map[int64]*Photo

	photoVectors    map[int64]int64 // photo index vector id -> photo id
	identityVectors map[int64]int64 // identity index vector id -> user id
}

// New creates an empty store.
func New() *Store {
	s := &Store{}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.nextUserID = 0
	s.nextPhotoID = 0
	s.users = make(map[int64]*User)
	s.chats = make(map[int64]int64)
	s.photos = make(map[int64]*Photo)
	s.photoVectors = make(map[int64]int64)
	s.identityVectors = make(map[int64]int64)
}

func notFound(kind string, id int64) {
	slog.Warn("metadata lookup failed", "kind", kind, "id", id, "error", ErrNotFound)
}

// GetOrCreateUser returns the user bound to chatID, creating it on first contact.
// The display name is the first candidate that is non-empty after cleaning.
func (s *Store) GetOrCreateUser(chatID int64, candidateNames []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.chats[chatID]; ok {
		return id
	}

	id := s.nextUserID
	s.nextUserID++
	s.users[id] = &User{ID: id, ChatID: chatID, DisplayName: PickDisplayName(candidateNames)}
	s.chats[chatID] = id
	slog.Info("user created", "user_id", id, "chat_id", chatID, "name", s.users[id].DisplayName)
	return id
}

// GetUserByChat looks up the user bound to chatID without creating one.
func (s *Store) GetUserByChat(chatID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.chats[chatID]
	return id, ok
}

// CreatePhoto records a photo sent by senderID, marked unresolved. It fails
// when the sender is unknown.
func (s *Store) CreatePhoto(senderID int64, storagePath string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[senderID]; !ok {
		notFound("user", senderID)
		return -1, false
	}

	id := s.nextPhotoID
	s.nextPhotoID++
	s.photos[id] = &Photo{ID: id, SenderID: senderID, StoragePath: storagePath, Unresolved: true}
	return id, true
}

// MarkResolved clears the unresolved flag. It reports whether the flag was set.
func (s *Store) MarkResolved(photoID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.photos[photoID]
	if !ok {
		notFound("photo", photoID)
		return false
	}
	was := p.Unresolved
	p.Unresolved = false
	return was
}

// UnresolvedPhotos returns the photos still waiting for descriptors, ordered by id.
func (s *Store) UnresolvedPhotos() []Photo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Photo
	for _, p := range s.photos {
		if p.Unresolved {
			out = append(out, copyPhoto(p))
		}
	}
	slices.SortFunc(out, func(a, b Photo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// GetIdentityVector returns the user's identity vector id, if enrolled.
func (s *Store) GetIdentityVector(userID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		notFound("user", userID)
		return -1, false
	}
	if u.IdentityVectorID == nil {
		return -1, false
	}
	return *u.IdentityVectorID, true
}

// SetIdentityVector binds an identity vector to a user. Overwriting an existing
// binding is logged and the last write wins.
func (s *Store) SetIdentityVector(userID, vectorID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		notFound("user", userID)
		return false
	}
	if u.IdentityVectorID != nil {
		slog.Warn("overwriting identity vector", "user_id", userID, "old_vector_id", *u.IdentityVectorID, "new_vector_id", vectorID)
		delete(s.identityVectors, *u.IdentityVectorID)
	}
	u.IdentityVectorID = &vectorID
	s.identityVectors[vectorID] = userID
	return true
}

// SetAvatar records photoID as the user's latest self-portrait.
func (s *Store) SetAvatar(userID, photoID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		notFound("user", userID)
		return false
	}
	if _, ok := s.photos[photoID]; !ok {
		notFound("photo", photoID)
		return false
	}
	u.AvatarPhotoID = &photoID
	return true
}

// GetAvatar returns the user's avatar photo id.
func (s *Store) GetAvatar(userID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		notFound("user", userID)
		return -1, false
	}
	if u.AvatarPhotoID == nil {
		return -1, false
	}
	return *u.AvatarPhotoID, true
}

// AddTag tags userID on photoID. It returns true only when the tag is new.
// Tagging the sender of the photo is refused.
func (s *Store) AddTag(photoID, userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.photos[photoID]
	if !ok {
		notFound("photo", photoID)
		return false
	}
	if _, ok := s.users[userID]; !ok {
		notFound("user", userID)
		return false
	}
	if p.SenderID == userID {
		slog.Warn("refusing to tag sender on own photo", "photo_id", photoID, "user_id", userID)
		return false
	}

	pos, found := slices.BinarySearch(p.Tags, userID)
	if found {
		return false
	}
	p.Tags = slices.Insert(p.Tags, pos, userID)
	return true
}

// GetSender returns the sender of a photo.
func (s *Store) GetSender(photoID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.photos[photoID]
	if !ok {
		notFound("photo", photoID)
		return -1, false
	}
	return p.SenderID, true
}

// GetTags returns the users tagged on a photo in ascending id order.
func (s *Store) GetTags(photoID int64) ([]int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.photos[photoID]
	if !ok {
		notFound("photo", photoID)
		return nil, false
	}
	return slices.Clone(p.Tags), true
}

// GetChat returns the chat a user is reached at.
func (s *Store) GetChat(userID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		notFound("user", userID)
		return 0, false
	}
	return u.ChatID, true
}

// GetDisplayName returns a user's display name.
func (s *Store) GetDisplayName(userID int64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		notFound("user", userID)
		return "", false
	}
	return u.DisplayName, true
}

// GetPhotoPath returns where a photo is stored.
func (s *Store) GetPhotoPath(photoID int64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.photos[photoID]
	if !ok {
		notFound("photo", photoID)
		return "", false
	}
	return p.StoragePath, true
}

// LinkPhotoVector records that a photo index vector was extracted from photoID.
func (s *Store) LinkPhotoVector(photoID, vectorID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.photos[photoID]
	if !ok {
		notFound("photo", photoID)
		return false
	}
	if prev, ok := s.photoVectors[vectorID]; ok && prev != photoID {
		slog.Warn("photo vector relinked", "vector_id", vectorID, "old_photo_id", prev, "new_photo_id", photoID)
		if old, ok := s.photos[prev]; ok {
			old.Vectors = slices.DeleteFunc(old.Vectors, func(v int64) bool { return v == vectorID })
		}
	}
	s.photoVectors[vectorID] = photoID
	if !slices.Contains(p.Vectors, vectorID) {
		p.Vectors = append(p.Vectors, vectorID)
	}
	return true
}

// ResolvePhotoByVector maps a photo index vector id to its photo.
func (s *Store) ResolvePhotoByVector(vectorID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.photoVectors[vectorID]
	if !ok {
		notFound("photo vector", vectorID)
		return -1, false
	}
	return id, true
}

// ResolveUserByIdentityVector maps an identity index vector id to its user.
func (s *Store) ResolveUserByIdentityVector(vectorID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.identityVectors[vectorID]
	if !ok {
		notFound("identity vector", vectorID)
		return -1, false
	}
	return id, true
}

// User returns a copy of a user record.
func (s *Store) User(userID int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return User{}, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return copyUser(u), nil
}

// Photo returns a copy of a photo record.
func (s *Store) Photo(photoID int64) (Photo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.photos[photoID]
	if !ok {
		return Photo{}, fmt.Errorf("photo %d: %w", photoID, ErrNotFound)
	}
	return copyPhoto(p), nil
}

// FindUsersByName returns users whose folded display name contains the folded query,
// ordered by id.
func (s *Store) FindUsersByName(query string) []User {
	q := NormalizeName(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []User
	for _, u := range s.users {
		if strings.Contains(NormalizeName(u.DisplayName), q) {
			out = append(out, copyUser(u))
		}
	}
	slices.SortFunc(out, func(a, b User) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Stats returns current counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Users:           len(s.users),
		Photos:          len(s.photos),
		PhotoVectors:    len(s.photoVectors),
		IdentityVectors: len(s.identityVectors),
	}
	for _, u := range s.users {
		if u.IdentityVectorID != nil {
			st.EnrolledUsers++
		}
	}
	for _, p := range s.photos {
		st.Tags += len(p.Tags)
		if p.Unresolved {
			st.Unresolved++
		}
	}
	return st
}

func copyUser(u *User) User {
	out := *u
	if u.IdentityVectorID != nil {
		v := *u.IdentityVectorID
		out.IdentityVectorID = &v
	}
	if u.AvatarPhotoID != nil {
		v := *u.AvatarPhotoID
		out.AvatarPhotoID = &v
	}
	return out
}

func copyPhoto(p *Photo) Photo {
	out := *p
	out.Tags = slices.Clone(p.Tags)
	out.Vectors = slices.Clone(p.Vectors)
	return out
}
