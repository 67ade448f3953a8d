package metastore

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/kozaktomas/photo-tagger/internal/atomicfile"
)

// ErrCorruptSnapshot marks a metadata file that exists but cannot be used.
var ErrCorruptSnapshot = errors.New("corrupt metadata snapshot")

// SchemaVersion is the version written by Snapshot; Load rejects anything else.
const SchemaVersion = 1

// State is the versioned on-disk form of the store: entity tables plus the
// vector id cross-reference maps.
type State struct {
	Version         int             `json:"version"`
	NextUserID      int64           `json:"next_user_id"`
	NextPhotoID     int64           `json:"next_photo_id"`
	Users           []User          `json:"users"`
	Photos          []Photo         `json:"photos"`
	PhotoVectors    map[int64]int64 `json:"photo_vectors"`
	IdentityVectors map[int64]int64 `json:"identity_vectors"`
}

// Export returns a consistent deep copy of the store, users and photos ordered by id.
func (s *Store) Export() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{
		Version:         SchemaVersion,
		NextUserID:      s.nextUserID,
		NextPhotoID:     s.nextPhotoID,
		Users:           make([]User, 0, len(s.users)),
		Photos:          make([]Photo, 0, len(s.photos)),
		PhotoVectors:    make(map[int64]int64, len(s.photoVectors)),
		IdentityVectors: make(map[int64]int64, len(s.identityVectors)),
	}
	for _, u := range s.users {
		st.Users = append(st.Users, copyUser(u))
	}
	for _, p := range s.photos {
		cp := copyPhoto(p)
		if cp.Tags == nil {
			cp.Tags = []int64{}
		}
		st.Photos = append(st.Photos, cp)
	}
	slices.SortFunc(st.Users, func(a, b User) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(st.Photos, func(a, b Photo) int { return cmp.Compare(a.ID, b.ID) })
	for k, v := range s.photoVectors {
		st.PhotoVectors[k] = v
	}
	for k, v := range s.identityVectors {
		st.IdentityVectors[k] = v
	}
	return st
}

// Import validates st and replaces the store contents with it.
func (s *Store) Import(st State) error {
	if st.Version != SchemaVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, st.Version)
	}

	users := make(map[int64]*User, len(st.Users))
	chats := make(map[int64]int64, len(st.Users))
	for _, u := range st.Users {
		if u.ID < 0 || u.ID >= st.NextUserID {
			return fmt.Errorf("%w: user id %d outside [0, %d)", ErrCorruptSnapshot, u.ID, st.NextUserID)
		}
		if _, dup := users[u.ID]; dup {
			return fmt.Errorf("%w: duplicate user %d", ErrCorruptSnapshot, u.ID)
		}
		if other, dup := chats[u.ChatID]; dup {
			return fmt.Errorf("%w: chat %d bound to users %d and %d", ErrCorruptSnapshot, u.ChatID, other, u.ID)
		}
		cp := copyUser(&u)
		users[u.ID] = &cp
		chats[u.ChatID] = u.ID
	}

	photos := make(map[int64]*Photo, len(st.Photos))
	for _, p := range st.Photos {
		if p.ID < 0 || p.ID >= st.NextPhotoID {
			return fmt.Errorf("%w: photo id %d outside [0, %d)", ErrCorruptSnapshot, p.ID, st.NextPhotoID)
		}
		if _, dup := photos[p.ID]; dup {
			return fmt.Errorf("%w: duplicate photo %d", ErrCorruptSnapshot, p.ID)
		}
		if _, ok := users[p.SenderID]; !ok {
			return fmt.Errorf("%w: photo %d has unknown sender %d", ErrCorruptSnapshot, p.ID, p.SenderID)
		}
		tags := slices.Clone(p.Tags)
		slices.Sort(tags)
		tags = slices.Compact(tags)
		for _, t := range tags {
			if _, ok := users[t]; !ok || t == p.SenderID {
				return fmt.Errorf("%w: photo %d has invalid tag %d", ErrCorruptSnapshot, p.ID, t)
			}
		}
		photos[p.ID] = &Photo{ID: p.ID, SenderID: p.SenderID, StoragePath: p.StoragePath, Tags: tags, Unresolved: p.Unresolved}
	}

	for _, u := range users {
		if u.AvatarPhotoID != nil {
			if _, ok := photos[*u.AvatarPhotoID]; !ok {
				return fmt.Errorf("%w: user %d has unknown avatar %d", ErrCorruptSnapshot, u.ID, *u.AvatarPhotoID)
			}
		}
	}

	photoVectors := make(map[int64]int64, len(st.PhotoVectors))
	vectorIDs := make([]int64, 0, len(st.PhotoVectors))
	for vid := range st.PhotoVectors {
		vectorIDs = append(vectorIDs, vid)
	}
	slices.Sort(vectorIDs)
	for _, vid := range vectorIDs {
		pid := st.PhotoVectors[vid]
		p, ok := photos[pid]
		if !ok {
			return fmt.Errorf("%w: photo vector %d points at unknown photo %d", ErrCorruptSnapshot, vid, pid)
		}
		photoVectors[vid] = pid
		p.Vectors = append(p.Vectors, vid)
	}

	identityVectors := make(map[int64]int64, len(st.IdentityVectors))
	for vid, uid := range st.IdentityVectors {
		u, ok := users[uid]
		if !ok {
			return fmt.Errorf("%w: identity vector %d points at unknown user %d", ErrCorruptSnapshot, vid, uid)
		}
		if u.IdentityVectorID == nil || *u.IdentityVectorID != vid {
			return fmt.Errorf("%w: identity vector %d does not match user %d", ErrCorruptSnapshot, vid, uid)
		}
		identityVectors[vid] = uid
	}
	for _, u := range users {
		if u.IdentityVectorID != nil {
			if _, ok := identityVectors[*u.IdentityVectorID]; !ok {
				return fmt.Errorf("%w: user %d identity vector %d missing from map", ErrCorruptSnapshot, u.ID, *u.IdentityVectorID)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUserID = st.NextUserID
	s.nextPhotoID = st.NextPhotoID
	s.users = users
	s.chats = chats
	s.photos = photos
	s.photoVectors = photoVectors
	s.identityVectors = identityVectors
	return nil
}

// Reset empties the store.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Snapshot writes the store to path atomically.
func (s *Store) Snapshot(path string) error {
	st := s.Export()

	err := atomicfile.Write(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing metadata %s: %w", path, err)
	}
	return nil
}

// Load replaces the store with the snapshot at path. On any failure the store is
// left empty and the condition is logged; the returned error is informational.
func (s *Store) Load(path string) error {
	if err := s.load(path); err != nil {
		s.Reset()
		slog.Error("unable to load metadata, starting empty", "path", path, "error", err)
		return err
	}
	st := s.Stats()
	slog.Info("metadata loaded", "path", path, "users", st.Users, "photos", st.Photos)
	return nil
}

func (s *Store) load(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("reading metadata: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	return s.Import(st)
}
