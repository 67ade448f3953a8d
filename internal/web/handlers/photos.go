package handlers

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kozaktomas/photo-tagger/internal/constants"
	"github.com/kozaktomas/photo-tagger/internal/metastore"
	"github.com/kozaktomas/photo-tagger/internal/tagger"
	"github.com/kozaktomas/photo-tagger/internal/vision"
	_ "golang.org/x/image/webp"
)

// extensions maps accepted image MIME types to stored file extensions.
var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// PhotosHandler handles photo submission and lookup.
type PhotosHandler struct {
	tagger   Tagger
	photoDir string
}

// NewPhotosHandler creates a photos handler storing uploads under photoDir.
func NewPhotosHandler(t Tagger, photoDir string) *PhotosHandler {
	return &PhotosHandler{tagger: t, photoDir: photoDir}
}

// UploadResponse is returned for an accepted photo.
type UploadResponse struct {
	PhotoID int64 `json:"photo_id"`
}

// Upload accepts a multipart photo submission from a chat and queues it.
func (h *PhotosHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxUploadSize)
	if err := r.ParseMultipartForm(constants.MaxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	chatID, err := strconv.ParseInt(r.FormValue("chat_id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	names := r.MultipartForm.Value["name"]

	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	ext, err := imageExtension(file)
	if err != nil {
		respondError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	}

	path := filepath.Join(h.photoDir, uuid.NewString()+ext)
	if err := saveFile(file, path); err != nil {
		slog.Error("failed to store upload", "path", path, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to store photo")
		return
	}

	// Ingest errors only for photos it did not record.
	photoID, err := h.tagger.Ingest(r.Context(), chatID, path, names)
	if err != nil {
		os.Remove(path)
		slog.Error("ingest failed", "chat_id", chatID, "error", err)
		if errors.Is(err, tagger.ErrStopped) {
			respondError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to queue photo")
		return
	}

	slog.Debug("photo accepted", "photo_id", photoID, "chat_id", chatID,
		"names", sanitizeForLog(strings.Join(names, ",")))
	respondJSON(w, http.StatusAccepted, UploadResponse{PhotoID: photoID})
}

// imageExtension sniffs the image type and checks that its header decodes.
func imageExtension(file multipart.File) (string, error) {
	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", errors.New("unreadable image")
	}
	ext, ok := extensions[vision.DetectMIMEType(head[:n])]
	if !ok {
		return "", errors.New("unsupported image format")
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding upload: %w", err)
	}
	if _, _, err := image.DecodeConfig(file); err != nil {
		return "", errors.New("corrupt image header")
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding upload: %w", err)
	}
	return ext, nil
}

func saveFile(src io.Reader, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating photo dir: %w", err)
	}
	out, err := os.Create(path) //nolint:gosec // name generated server-side
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(path)
		return fmt.Errorf("writing file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("closing file: %w", err)
	}
	return nil
}

// UserRef identifies a user in API responses.
type UserRef struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
}

// PhotoResponse describes one photo.
type PhotoResponse struct {
	ID      int64     `json:"id"`
	Sender  UserRef   `json:"sender"`
	File    string    `json:"file"`
	Tags    []UserRef `json:"tags"`
	Faces   int       `json:"faces"`
	Caption string    `json:"caption"`
}

// Get returns sender, tags and caption of a photo.
func (h *PhotosHandler) Get(w http.ResponseWriter, r *http.Request) {
	photoID, ok := int64Param(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid photo id")
		return
	}

	store := h.tagger.Store()
	photo, err := store.Photo(photoID)
	if errors.Is(err, metastore.ErrNotFound) {
		respondError(w, http.StatusNotFound, "photo not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load photo")
		return
	}

	resp := PhotoResponse{
		ID:     photo.ID,
		Sender: userRef(store, photo.SenderID),
		File:   filepath.Base(photo.StoragePath),
		Tags:   make([]UserRef, 0, len(photo.Tags)),
		Faces:  len(photo.Vectors),
	}
	for _, id := range photo.Tags {
		resp.Tags = append(resp.Tags, userRef(store, id))
	}
	resp.Caption, _ = h.tagger.Caption(photoID)

	respondJSON(w, http.StatusOK, resp)
}

func userRef(store *metastore.Store, userID int64) UserRef {
	name, _ := store.GetDisplayName(userID)
	return UserRef{ID: userID, DisplayName: name}
}

// File serves a stored photo by its file name.
func (h *PhotosHandler) File(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(chi.URLParam(r, "name"))
	if name == "" || name == "." || name == string(filepath.Separator) {
		respondError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	path := filepath.Join(h.photoDir, name)
	if _, err := os.Stat(path); err != nil {
		respondError(w, http.StatusNotFound, "file not found")
		return
	}
	http.ServeFile(w, r, path)
}
