package tagger

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/kozaktomas/photo-tagger/internal/vision"
)

// resolve applies one vision result. Runs on the actor goroutine only.
func (d *Distributor) resolve(ctx context.Context, r vision.Result) {
	defer d.removePending(r.PhotoID)
	if d.store.MarkResolved(r.PhotoID) {
		d.markDirty()
	}

	senderID, ok := d.store.GetSender(r.PhotoID)
	if !ok {
		return
	}
	chatID, ok := d.store.GetChat(senderID)
	if !ok {
		return
	}

	vectors := r.Vectors
	if r.Err != nil {
		slog.Warn("no descriptors for photo", "photo_id", r.PhotoID, "error", r.Err)
		vectors = nil
	}

	d.markDirty()
	if _, enrolled := d.store.GetIdentityVector(senderID); !enrolled {
		d.enroll(ctx, senderID, chatID, r.PhotoID, vectors)
		return
	}
	d.recognize(ctx, senderID, r.PhotoID, vectors)
}

// enroll binds the most prominent face of a self-portrait to the sender, then
// tags every earlier photo in which that face already appears.
func (d *Distributor) enroll(ctx context.Context, userID, chatID, photoID int64, vectors [][]float32) {
	if len(vectors) == 0 {
		slog.Info("enrollment rejected: no face", "user_id", userID, "photo_id", photoID)
		d.sendText(ctx, chatID, d.opts.Messages.BadSelfie)
		return
	}
	face := vectors[0]

	hits, err := d.identities.SearchRadius(face, d.opts.StrongThreshold)
	if err != nil {
		slog.Error("enrollment rejected: unusable descriptor", "user_id", userID, "photo_id", photoID, "error", err)
		d.sendText(ctx, chatID, d.opts.Messages.BadSelfie)
		return
	}
	if len(hits) > 0 {
		slog.Info("enrollment rejected: face already enrolled", "user_id", userID, "photo_id", photoID, "matches", len(hits))
		d.sendText(ctx, chatID, d.opts.Messages.AuthFailed)
		return
	}

	vectorID, err := d.identities.Insert(face)
	if err != nil {
		slog.Error("identity insert failed", "user_id", userID, "error", err)
		d.sendText(ctx, chatID, d.opts.Messages.BadSelfie)
		return
	}
	d.store.SetIdentityVector(userID, vectorID)
	d.store.SetAvatar(userID, photoID)
	slog.Info("user enrolled", "user_id", userID, "vector_id", vectorID, "photo_id", photoID)
	d.sendText(ctx, chatID, d.opts.Messages.AcceptedSelfie)

	d.backwardMatch(ctx, userID, chatID, face)
}

// backwardMatch tags the new user on earlier photos containing their face.
// Each photo is delivered once to the new user and once to its sender.
func (d *Distributor) backwardMatch(ctx context.Context, userID, chatID int64, face []float32) {
	vectorIDs, err := d.photos.SearchRadius(face, d.opts.StrongThreshold)
	if err != nil {
		slog.Error("backward match failed", "user_id", userID, "error", err)
		return
	}
	slices.Sort(vectorIDs)

	var matched []int64
	for _, vid := range vectorIDs {
		photoID, ok := d.store.ResolvePhotoByVector(vid)
		if !ok {
			continue
		}
		if slices.Contains(matched, photoID) {
			continue
		}
		senderID, ok := d.store.GetSender(photoID)
		if !ok || senderID == userID {
			continue
		}
		d.store.AddTag(photoID, userID)
		matched = append(matched, photoID)
	}

	for _, photoID := range matched {
		senderID, _ := d.store.GetSender(photoID)
		senderChat, ok := d.store.GetChat(senderID)
		if !ok {
			continue
		}
		d.sendPhoto(ctx, chatID, photoID)
		d.sendPhoto(ctx, senderChat, photoID)
	}
	if len(matched) > 0 {
		slog.Info("backward match", "user_id", userID, "photos", len(matched))
	}
}

// recognize indexes every face of a photo and tags enrolled users other than
// the sender. Each tagged user receives the photo once.
func (d *Distributor) recognize(ctx context.Context, senderID, photoID int64, vectors [][]float32) {
	var tagged []int64
	for i, v := range vectors {
		vectorID, err := d.photos.Insert(v)
		if err != nil {
			slog.Error("photo vector insert failed", "photo_id", photoID, "face", i, "error", err)
			continue
		}
		d.store.LinkPhotoVector(photoID, vectorID)

		userID, ok := d.identify(photoID, v)
		if !ok || userID == senderID {
			continue
		}
		d.store.AddTag(photoID, userID)
		if !slices.Contains(tagged, userID) {
			tagged = append(tagged, userID)
		}
	}

	if len(tagged) == 0 {
		return
	}
	slog.Info("photo tagged", "photo_id", photoID, "users", tagged)
	for _, userID := range tagged {
		chatID, ok := d.store.GetChat(userID)
		if !ok {
			continue
		}
		d.sendPhoto(ctx, chatID, photoID)
	}
}

// identify returns the enrolled user whose identity vector is nearest to v and
// closer than the strong threshold. With the ambiguity gate on, a runner-up of a
// different user inside the weak threshold makes the face unidentifiable.
func (d *Distributor) identify(photoID int64, v []float32) (int64, bool) {
	k := 1
	if d.opts.WeakThreshold > 0 {
		k = 2
	}
	matches, err := d.identities.SearchK(v, k)
	if err != nil {
		slog.Error("identity search failed", "photo_id", photoID, "error", err)
		return -1, false
	}
	if len(matches) == 0 || !(matches[0].Distance < d.opts.StrongThreshold) {
		return -1, false
	}

	userID, ok := d.store.ResolveUserByIdentityVector(matches[0].ID)
	if !ok {
		return -1, false
	}

	if len(matches) > 1 && matches[1].Distance < d.opts.WeakThreshold {
		if other, ok := d.store.ResolveUserByIdentityVector(matches[1].ID); ok && other != userID {
			slog.Info("ambiguous face not tagged",
				"photo_id", photoID,
				"best_user", userID, "best_distance", matches[0].Distance,
				"runner_up_user", other, "runner_up_distance", matches[1].Distance)
			return -1, false
		}
	}
	return userID, true
}

// Caption renders "Sent by @<sender>\nTagged: @<t1> @<t2> ..." with tags in
// ascending user id order.
func (d *Distributor) Caption(photoID int64) (string, bool) {
	senderID, ok := d.store.GetSender(photoID)
	if !ok {
		return "", false
	}
	sender, _ := d.store.GetDisplayName(senderID)
	tags, _ := d.store.GetTags(photoID)

	var b strings.Builder
	b.WriteString("Sent by @")
	b.WriteString(sender)
	b.WriteString("\nTagged:")
	for _, t := range tags {
		name, ok := d.store.GetDisplayName(t)
		if !ok {
			continue
		}
		b.WriteString(" @")
		b.WriteString(name)
	}
	return b.String(), true
}

func (d *Distributor) sendText(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	if err := d.notifier.NotifyText(ctx, chatID, text); err != nil {
		slog.Error("notification failed", "chat_id", chatID, "error", err)
	}
}

func (d *Distributor) sendPhoto(ctx context.Context, chatID, photoID int64) {
	path, ok := d.store.GetPhotoPath(photoID)
	if !ok {
		return
	}
	caption, _ := d.Caption(photoID)
	if err := d.notifier.NotifyPhoto(ctx, chatID, path, caption); err != nil {
		slog.Error("photo delivery failed", "chat_id", chatID, "photo_id", photoID, "error", err)
	}
}
