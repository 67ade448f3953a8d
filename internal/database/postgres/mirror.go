package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kozaktomas/photo-tagger/internal/metastore"
	"github.com/kozaktomas/photo-tagger/internal/tagger"
	"github.com/kozaktomas/photo-tagger/internal/vectorstore"
	"github.com/pgvector/pgvector-go"
)

// ErrNoMirror is returned by Load when nothing has been mirrored yet.
var ErrNoMirror = errors.New("no mirrored state")

// Mirror replicates tagger exports into the database.
type Mirror struct {
	pool *Pool
}

// NewMirror returns a mirror writing through pool.
func NewMirror(pool *Pool) *Mirror {
	return &Mirror{pool: pool}
}

var _ tagger.Mirror = (*Mirror)(nil)

// Sync replaces the mirrored state with exp in a single transaction.
func (m *Mirror) Sync(ctx context.Context, exp tagger.Export) error {
	return m.pool.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			TRUNCATE mirror_state, photo_tags, photo_vectors, identity_vectors, photos, users
		`); err != nil {
			return fmt.Errorf("truncate mirror: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mirror_state (schema_version, next_user_id, next_photo_id, descriptor_dim, metric,
				identity_vector_count, photo_vector_count, taken_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, exp.Meta.Version, exp.Meta.NextUserID, exp.Meta.NextPhotoID, exp.Identities.Dim, exp.Identities.Metric,
			len(exp.Identities.Vectors), len(exp.Photos.Vectors), exp.TakenAt); err != nil {
			return fmt.Errorf("insert mirror state: %w", err)
		}

		if err := insertUsers(ctx, tx, exp.Meta.Users); err != nil {
			return err
		}
		if err := insertPhotos(ctx, tx, exp.Meta.Photos); err != nil {
			return err
		}
		if err := insertVectors(ctx, tx, "identity_vectors", "user_id", exp.Identities, exp.Meta.IdentityVectors); err != nil {
			return err
		}
		return insertVectors(ctx, tx, "photo_vectors", "photo_id", exp.Photos, exp.Meta.PhotoVectors)
	})
}

func insertUsers(ctx context.Context, tx *sql.Tx, users []metastore.User) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO users (id, chat_id, display_name, identity_vector_id, avatar_photo_id)
		VALUES ($1, $2, $3, $4, $5)
	`)
	if err != nil {
		return fmt.Errorf("prepare users: %w", err)
	}
	defer stmt.Close()

	for _, u := range users {
		if _, err := stmt.ExecContext(ctx, u.ID, u.ChatID, u.DisplayName, nullInt64(u.IdentityVectorID), nullInt64(u.AvatarPhotoID)); err != nil {
			return fmt.Errorf("insert user %d: %w", u.ID, err)
		}
	}
	return nil
}

func insertPhotos(ctx context.Context, tx *sql.Tx, photos []metastore.Photo) error {
	photoStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO photos (id, sender_id, storage_path, unresolved) VALUES ($1, $2, $3, $4)
	`)
	if err != nil {
		return fmt.Errorf("prepare photos: %w", err)
	}
	defer photoStmt.Close()

	tagStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO photo_tags (photo_id, user_id) VALUES ($1, $2)
	`)
	if err != nil {
		return fmt.Errorf("prepare photo tags: %w", err)
	}
	defer tagStmt.Close()

	for _, p := range photos {
		if _, err := photoStmt.ExecContext(ctx, p.ID, p.SenderID, p.StoragePath, p.Unresolved); err != nil {
			return fmt.Errorf("insert photo %d: %w", p.ID, err)
		}
		for _, userID := range p.Tags {
			if _, err := tagStmt.ExecContext(ctx, p.ID, userID); err != nil {
				return fmt.Errorf("insert tag %d on photo %d: %w", userID, p.ID, err)
			}
		}
	}
	return nil
}

// insertVectors writes one row per index id. Removed ids get a NULL embedding.
func insertVectors(ctx context.Context, tx *sql.Tx, table, ownerColumn string, snap vectorstore.IndexSnapshot, owners map[int64]int64) error {
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (id, %s, embedding) VALUES ($1, $2, $3)", table, ownerColumn))
	if err != nil {
		return fmt.Errorf("prepare %s: %w", table, err)
	}
	defer stmt.Close()

	for id, vec := range snap.Vectors {
		var owner sql.NullInt64
		if o, ok := owners[int64(id)]; ok {
			owner = sql.NullInt64{Int64: o, Valid: true}
		}
		var embedding any
		if len(vec) > 0 {
			embedding = pgvector.NewVector(vec)
		}
		if _, err := stmt.ExecContext(ctx, id, owner, embedding); err != nil {
			return fmt.Errorf("insert %s %d: %w", table, id, err)
		}
	}
	return nil
}

// Load reads the mirrored state back into an export.
func (m *Mirror) Load(ctx context.Context) (tagger.Export, error) {
	var exp tagger.Export
	var dim int
	var metric string
	var identityCount, photoCount int
	err := m.pool.db.QueryRowContext(ctx, `
		SELECT schema_version, next_user_id, next_photo_id, descriptor_dim, metric,
			identity_vector_count, photo_vector_count, taken_at
		FROM mirror_state WHERE id = 1
	`).Scan(&exp.Meta.Version, &exp.Meta.NextUserID, &exp.Meta.NextPhotoID, &dim, &metric,
		&identityCount, &photoCount, &exp.TakenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return exp, ErrNoMirror
	}
	if err != nil {
		return exp, fmt.Errorf("query mirror state: %w", err)
	}

	if exp.Meta.Users, err = m.loadUsers(ctx); err != nil {
		return exp, err
	}
	if exp.Meta.Photos, err = m.loadPhotos(ctx); err != nil {
		return exp, err
	}

	exp.Identities, exp.Meta.IdentityVectors, err = m.loadVectors(ctx, "identity_vectors", "user_id", identityCount)
	if err != nil {
		return exp, err
	}
	exp.Photos, exp.Meta.PhotoVectors, err = m.loadVectors(ctx, "photo_vectors", "photo_id", photoCount)
	if err != nil {
		return exp, err
	}
	linkPhotoVectors(exp.Meta.Photos, exp.Meta.PhotoVectors)
	for _, snap := range []*vectorstore.IndexSnapshot{&exp.Identities, &exp.Photos} {
		snap.Version = vectorstore.SnapshotVersion
		snap.Dim = dim
		snap.Metric = metric
	}
	exp.TakenAt = exp.TakenAt.UTC()
	return exp, nil
}

func (m *Mirror) loadUsers(ctx context.Context) ([]metastore.User, error) {
	rows, err := m.pool.db.QueryContext(ctx, `
		SELECT id, chat_id, display_name, identity_vector_id, avatar_photo_id FROM users ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := []metastore.User{}
	for rows.Next() {
		var u metastore.User
		var identity, avatar sql.NullInt64
		if err := rows.Scan(&u.ID, &u.ChatID, &u.DisplayName, &identity, &avatar); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.IdentityVectorID = int64Ptr(identity)
		u.AvatarPhotoID = int64Ptr(avatar)
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (m *Mirror) loadPhotos(ctx context.Context) ([]metastore.Photo, error) {
	rows, err := m.pool.db.QueryContext(ctx, `
		SELECT p.id, p.sender_id, p.storage_path, p.unresolved, t.user_id
		FROM photos p
		LEFT JOIN photo_tags t ON t.photo_id = p.id
		ORDER BY p.id, t.user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query photos: %w", err)
	}
	defer rows.Close()

	photos := []metastore.Photo{}
	for rows.Next() {
		var p metastore.Photo
		var tag sql.NullInt64
		if err := rows.Scan(&p.ID, &p.SenderID, &p.StoragePath, &p.Unresolved, &tag); err != nil {
			return nil, fmt.Errorf("scan photo: %w", err)
		}
		if n := len(photos); n == 0 || photos[n-1].ID != p.ID {
			p.Tags = []int64{}
			photos = append(photos, p)
		}
		if tag.Valid {
			last := &photos[len(photos)-1]
			last.Tags = append(last.Tags, tag.Int64)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate photos: %w", err)
	}
	return photos, nil
}

func (m *Mirror) loadVectors(ctx context.Context, table, ownerColumn string, count int) (vectorstore.IndexSnapshot, map[int64]int64, error) {
	snap := vectorstore.IndexSnapshot{Vectors: make([][]float32, count)}
	owners := make(map[int64]int64)

	rows, err := m.pool.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT id, %s, embedding FROM %s ORDER BY id", ownerColumn, table))
	if err != nil {
		return snap, nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var owner sql.NullInt64
		var embedding *pgvector.Vector
		if err := rows.Scan(&id, &owner, &embedding); err != nil {
			return snap, nil, fmt.Errorf("scan %s: %w", table, err)
		}
		if id < 0 || id >= int64(count) {
			return snap, nil, fmt.Errorf("%s id %d outside mirrored count %d", table, id, count)
		}
		if owner.Valid {
			owners[id] = owner.Int64
		}
		if embedding != nil {
			snap.Vectors[id] = embedding.Slice()
		}
	}
	if err := rows.Err(); err != nil {
		return snap, nil, fmt.Errorf("iterate %s: %w", table, err)
	}

	for id, vec := range snap.Vectors {
		if len(vec) == 0 {
			snap.Vectors[id] = []float32{}
			snap.Removed = append(snap.Removed, int64(id))
		}
	}
	return snap, owners, nil
}

// linkPhotoVectors fills Photo.Vectors from the vector to photo map, ascending.
func linkPhotoVectors(photos []metastore.Photo, links map[int64]int64) {
	byID := make(map[int64]*metastore.Photo, len(photos))
	for i := range photos {
		byID[photos[i].ID] = &photos[i]
	}
	for vid, photoID := range links {
		if p, ok := byID[photoID]; ok {
			p.Vectors = append(p.Vectors, vid)
		}
	}
	for i := range photos {
		slices.Sort(photos[i].Vectors)
	}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

// SyncedAt returns when the mirrored export was taken.
func (m *Mirror) SyncedAt(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := m.pool.db.QueryRowContext(ctx, "SELECT taken_at FROM mirror_state WHERE id = 1").Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNoMirror
	}
	if err != nil {
		return t, fmt.Errorf("query mirror state: %w", err)
	}
	return t.UTC(), nil
}
