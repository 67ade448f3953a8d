package tagger

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/photo-tagger/internal/config"
	"github.com/kozaktomas/photo-tagger/internal/vectorstore"
	"github.com/kozaktomas/photo-tagger/internal/vision"
)

var testMessages = config.Messages{
	Hello:          "hello",
	BadSelfie:      "bad_selfie",
	AuthFailed:     "auth_failed",
	AcceptedSelfie: "accepted_selfie",
}

// fakeExtractor returns canned descriptors keyed by image path.
type fakeExtractor struct {
	mu      sync.Mutex
	vectors map[string][][]float32
	errs    map[string]error
}

func (f *fakeExtractor) set(path string, vectors ...[]float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[path] = vectors
}

func (f *fakeExtractor) fail(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[path] = err
}

func (f *fakeExtractor) Extract(_ context.Context, path string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[path]; err != nil {
		return nil, err
	}
	return f.vectors[path], nil
}

type sentText struct {
	chatID int64
	text   string
}

type sentPhoto struct {
	chatID  int64
	path    string
	caption string
}

// recordingNotifier captures deliveries synchronously.
type recordingNotifier struct {
	mu     sync.Mutex
	texts  []sentText
	photos []sentPhoto
}

func (r *recordingNotifier) NotifyText(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, sentText{chatID, text})
	return nil
}

func (r *recordingNotifier) NotifyPhoto(_ context.Context, chatID int64, path, caption string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.photos = append(r.photos, sentPhoto{chatID, path, caption})
	return nil
}

func (r *recordingNotifier) textsFor(chatID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.texts {
		if t.chatID == chatID {
			out = append(out, t.text)
		}
	}
	return out
}

func (r *recordingNotifier) photosFor(chatID int64) []sentPhoto {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentPhoto
	for _, p := range r.photos {
		if p.chatID == chatID {
			out = append(out, p)
		}
	}
	return out
}

type testEnv struct {
	d      *Distributor
	ext    *fakeExtractor
	notes  *recordingNotifier
	opts   Options
	cancel context.CancelFunc
	done   chan struct{}
}

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		Dim:               2,
		Metric:            vectorstore.L2Squared,
		StrongThreshold:   1.0,
		SnapshotInterval:  time.Hour,
		MetaPath:          filepath.Join(dir, "meta.json"),
		IdentityIndexPath: filepath.Join(dir, "faces.idx"),
		PhotoIndexPath:    filepath.Join(dir, "photos.idx"),
		Messages:          testMessages,
	}
}

func startEnv(t *testing.T, opts Options, ext *fakeExtractor) *testEnv {
	t.Helper()
	if ext == nil {
		ext = &fakeExtractor{vectors: map[string][][]float32{}, errs: map[string]error{}}
	}
	notes := &recordingNotifier{}
	queue := vision.NewQueue(16)
	pool := vision.NewPool(ext, queue, 1, time.Second)

	d, err := New(opts, queue, notes)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		d.Run(ctx)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	e := &testEnv{d: d, ext: ext, notes: notes, opts: opts, cancel: cancel, done: done}
	t.Cleanup(e.stop)
	return e
}

func (e *testEnv) stop() {
	e.cancel()
	<-e.done
}

// send ingests a photo and waits until it has been resolved.
func (e *testEnv) send(t *testing.T, chatID int64, path string, name string) int64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	photoID, err := e.d.Ingest(ctx, chatID, path, []string{name})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if err := e.d.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	return photoID
}

func (e *testEnv) userByChat(t *testing.T, chatID int64) int64 {
	t.Helper()
	id, ok := e.d.Store().GetUserByChat(chatID)
	if !ok {
		t.Fatalf("no user for chat %d", chatID)
	}
	return id
}

func (e *testEnv) enrolled(t *testing.T, chatID int64) bool {
	t.Helper()
	_, ok := e.d.Store().GetIdentityVector(e.userByChat(t, chatID))
	return ok
}

func TestScenario_BackwardMatchTagsGroupPhoto(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)

	// A enrolls with a clear selfie.
	e.ext.set("a_selfie.jpg", []float32{0, 0})
	e.send(t, 1, "a_selfie.jpg", "A")

	a := e.userByChat(t, 1)
	if v, ok := e.d.Store().GetIdentityVector(a); !ok || v != 0 {
		t.Fatalf("A should own identity vector 0, got %d, %v", v, ok)
	}
	if got := e.notes.textsFor(1); !slices.Equal(got, []string{"hello", "accepted_selfie"}) {
		t.Errorf("A texts = %v", got)
	}
	if len(e.notes.photos) != 0 {
		t.Errorf("no backward matches expected, got %v", e.notes.photos)
	}

	// A posts a group photo with B, who is not enrolled yet.
	e.ext.set("group.jpg", []float32{0.1, 0}, []float32{10, 0})
	group := e.send(t, 1, "group.jpg", "A")

	if tags, _ := e.d.Store().GetTags(group); len(tags) != 0 {
		t.Errorf("group photo must not be tagged yet, got %v", tags)
	}
	if e.d.Photos().Len() != 2 {
		t.Errorf("both faces must be in the photo index, got %d", e.d.Photos().Len())
	}

	// B enrolls with a selfie close to the face in the group photo.
	e.ext.set("b_selfie.jpg", []float32{10.2, 0})
	e.send(t, 2, "b_selfie.jpg", "B")

	b := e.userByChat(t, 2)
	if !e.enrolled(t, 2) {
		t.Fatal("B should be enrolled")
	}
	if tags, _ := e.d.Store().GetTags(group); !slices.Equal(tags, []int64{b}) {
		t.Errorf("group tags = %v, want [%d]", tags, b)
	}

	want := sentPhoto{path: "group.jpg", caption: "Sent by @A\nTagged: @B"}
	for _, chat := range []int64{1, 2} {
		got := e.notes.photosFor(chat)
		if len(got) != 1 || got[0].path != want.path || got[0].caption != want.caption {
			t.Errorf("chat %d deliveries = %+v, want one %+v", chat, got, want)
		}
	}
}

func TestEnrollment_NoFace(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)
	e.ext.set("blurry.jpg")

	e.send(t, 1, "blurry.jpg", "A")

	if e.enrolled(t, 1) {
		t.Error("user must stay unenrolled")
	}
	if got := e.notes.textsFor(1); !slices.Equal(got, []string{"hello", "bad_selfie"}) {
		t.Errorf("texts = %v", got)
	}
	if e.d.Identities().Len() != 0 {
		t.Error("identity index must stay empty")
	}

	// A retry with a usable selfie enrolls.
	e.ext.set("clear.jpg", []float32{0, 0})
	e.send(t, 1, "clear.jpg", "A")
	if !e.enrolled(t, 1) {
		t.Error("retry should enroll")
	}
}

func TestEnrollment_ExtractionFailureCountsAsNoFace(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)
	e.ext.fail("broken.jpg", errors.New("service down"))

	e.send(t, 1, "broken.jpg", "A")

	if e.enrolled(t, 1) {
		t.Error("user must stay unenrolled")
	}
	if got := e.notes.textsFor(1); !slices.Equal(got, []string{"hello", "bad_selfie"}) {
		t.Errorf("texts = %v", got)
	}
}

func TestEnrollment_DuplicateFaceRejected(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)
	e.ext.set("a.jpg", []float32{0, 0})
	e.ext.set("impostor.jpg", []float32{0.5, 0.5})

	e.send(t, 1, "a.jpg", "A")
	e.send(t, 2, "impostor.jpg", "Mallory")

	if e.enrolled(t, 2) {
		t.Error("impostor must stay unenrolled")
	}
	if e.d.Identities().Len() != 1 {
		t.Errorf("no identity vector may be added, got %d", e.d.Identities().Len())
	}
	if got := e.notes.textsFor(2); !slices.Equal(got, []string{"hello", "auth_failed"}) {
		t.Errorf("texts = %v", got)
	}
}

func TestEnrollment_UsesMostProminentFace(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)
	e.ext.set("selfie_with_friend.jpg", []float32{3, 3}, []float32{20, 20})

	e.send(t, 1, "selfie_with_friend.jpg", "A")

	a := e.userByChat(t, 1)
	vid, _ := e.d.Store().GetIdentityVector(a)
	v := e.d.Identities().Export().Vectors[vid]
	if v[0] != 3 {
		t.Errorf("expected first descriptor enrolled, got %v", v)
	}
	if e.d.Photos().Len() != 0 {
		t.Error("enrollment photo must not enter the photo index")
	}
}

func TestEnrollment_AvatarTracksLatestAttempt(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)
	e.ext.set("bad.jpg")
	e.ext.set("good.jpg", []float32{0, 0})
	e.ext.set("later.jpg", []float32{5, 5})

	first := e.send(t, 1, "bad.jpg", "A")
	a := e.userByChat(t, 1)
	if av, ok := e.d.Store().GetAvatar(a); !ok || av != first {
		t.Errorf("avatar = %d, want %d", av, first)
	}

	second := e.send(t, 1, "good.jpg", "A")
	if av, _ := e.d.Store().GetAvatar(a); av != second {
		t.Errorf("avatar = %d, want enrolling photo %d", av, second)
	}

	e.send(t, 1, "later.jpg", "A")
	if av, _ := e.d.Store().GetAvatar(a); av != second {
		t.Errorf("avatar must not change after enrollment, got %d", av)
	}
}

func TestBackwardMatch_DeliversEachPhotoOnce(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)
	e.ext.set("a.jpg", []float32{0, 0})
	e.send(t, 1, "a.jpg", "A")

	// Two faces of the unenrolled B in one photo, one in another.
	e.ext.set("double.jpg", []float32{10, 0}, []float32{10.1, 0})
	e.ext.set("single.jpg", []float32{9.9, 0})
	double := e.send(t, 1, "double.jpg", "A")
	single := e.send(t, 1, "single.jpg", "A")

	e.ext.set("b.jpg", []float32{10, 0.1})
	e.send(t, 2, "b.jpg", "B")

	b := e.userByChat(t, 2)
	for _, p := range []int64{double, single} {
		if tags, _ := e.d.Store().GetTags(p); !slices.Equal(tags, []int64{b}) {
			t.Errorf("photo %d tags = %v", p, tags)
		}
	}
	got := e.notes.photosFor(2)
	if len(got) != 2 || got[0].path != "double.jpg" || got[1].path != "single.jpg" {
		t.Errorf("B deliveries = %+v", got)
	}
}

func TestBackwardMatch_NeverTagsSender(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)
	e.ext.set("a.jpg", []float32{0, 0})
	e.send(t, 1, "a.jpg", "A")

	// B's failed selfie is never indexed; only A's shot of B can match.
	e.ext.set("b_first.jpg")
	e.send(t, 2, "b_first.jpg", "B")
	e.ext.set("a_shot.jpg", []float32{10, 0})
	shot := e.send(t, 1, "a_shot.jpg", "A")

	e.ext.set("b.jpg", []float32{10, 0})
	e.send(t, 2, "b.jpg", "B")

	b := e.userByChat(t, 2)
	if tags, _ := e.d.Store().GetTags(shot); !slices.Equal(tags, []int64{b}) {
		t.Errorf("tags = %v", tags)
	}
	for _, p := range e.d.Store().Export().Photos {
		if slices.Contains(p.Tags, p.SenderID) {
			t.Errorf("photo %d tags its sender", p.ID)
		}
	}
}

func TestRecognition_TagsOtherUsersOnly(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)
	e.ext.set("a.jpg", []float32{0, 0})
	e.ext.set("b.jpg", []float32{10, 0})
	e.ext.set("c.jpg", []float32{0, 10})
	e.send(t, 1, "a.jpg", "A")
	e.send(t, 2, "b.jpg", "B")
	e.send(t, 3, "c.jpg", "C")

	// C sends a photo with C, A and B.
	e.ext.set("party.jpg", []float32{0, 10.1}, []float32{10, 0.2}, []float32{0.3, 0})
	party := e.send(t, 3, "party.jpg", "C")

	a, b, c := e.userByChat(t, 1), e.userByChat(t, 2), e.userByChat(t, 3)
	tags, _ := e.d.Store().GetTags(party)
	if !slices.Equal(tags, []int64{a, b}) {
		t.Errorf("tags = %v, want [%d %d]", tags, a, b)
	}
	if slices.Contains(tags, c) {
		t.Error("sender must never be tagged")
	}

	wantCaption := "Sent by @C\nTagged: @A @B"
	for _, chat := range []int64{1, 2} {
		got := e.notes.photosFor(chat)
		if len(got) != 1 || got[0].caption != wantCaption || got[0].path != "party.jpg" {
			t.Errorf("chat %d deliveries = %+v", chat, got)
		}
	}
	if got := e.notes.photosFor(3); len(got) != 0 {
		t.Errorf("sender must not receive own photo, got %+v", got)
	}
	if e.d.Photos().Len() != 3 {
		t.Errorf("all faces must be indexed, got %d", e.d.Photos().Len())
	}
}

func TestRecognition_SameUserTwiceYieldsOneTag(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)
	e.ext.set("a.jpg", []float32{0, 0})
	e.ext.set("b.jpg", []float32{10, 0})
	e.send(t, 1, "a.jpg", "A")
	e.send(t, 2, "b.jpg", "B")

	e.ext.set("mirror.jpg", []float32{10.1, 0}, []float32{9.9, 0})
	p := e.send(t, 1, "mirror.jpg", "A")

	b := e.userByChat(t, 2)
	if tags, _ := e.d.Store().GetTags(p); !slices.Equal(tags, []int64{b}) {
		t.Errorf("tags = %v", tags)
	}
	if got := e.notes.photosFor(2); len(got) != 1 {
		t.Errorf("expected exactly one delivery, got %+v", got)
	}
}

func TestRecognition_ThresholdIsStrict(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)
	e.ext.set("a.jpg", []float32{0, 0})
	e.ext.set("b.jpg", []float32{10, 10})
	e.send(t, 1, "a.jpg", "A")
	e.send(t, 2, "b.jpg", "B")

	// Squared distance exactly 1.0 from A.
	e.ext.set("edge.jpg", []float32{1, 0})
	p := e.send(t, 2, "edge.jpg", "B")

	if tags, _ := e.d.Store().GetTags(p); len(tags) != 0 {
		t.Errorf("distance equal to the threshold must not match, got %v", tags)
	}
}

func TestEnrollment_NonFiniteDescriptorRejected(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)
	nan := float32(math.NaN())
	e.ext.set("nan.jpg", []float32{nan, 0})
	e.ext.set("b.jpg", []float32{0, 0})
	e.send(t, 1, "nan.jpg", "A")
	e.send(t, 2, "b.jpg", "B")

	if e.enrolled(t, 1) {
		t.Fatal("a NaN descriptor must not enroll")
	}
	if got := e.notes.textsFor(1); !slices.Equal(got, []string{"hello", "bad_selfie"}) {
		t.Errorf("texts = %v", got)
	}

	// A far away face and a NaN face in the same photo tag nobody.
	e.ext.set("group.jpg", []float32{100, 100}, []float32{0, nan})
	p := e.send(t, 2, "group.jpg", "B")
	if tags, _ := e.d.Store().GetTags(p); len(tags) != 0 {
		t.Errorf("expected no tags, got %v", tags)
	}
	if e.d.Photos().Count() != 1 {
		t.Errorf("only the finite face may be indexed, got %d", e.d.Photos().Count())
	}
}

func TestRecognition_ExtractionFailureAddsNothing(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)
	e.ext.set("a.jpg", []float32{0, 0})
	e.send(t, 1, "a.jpg", "A")

	e.ext.fail("broken.jpg", errors.New("timeout"))
	p := e.send(t, 1, "broken.jpg", "A")

	if tags, _ := e.d.Store().GetTags(p); len(tags) != 0 {
		t.Errorf("unexpected tags %v", tags)
	}
	if e.d.Photos().Len() != 0 {
		t.Error("nothing must be indexed")
	}
	if got := e.notes.textsFor(1); !slices.Equal(got, []string{"hello", "accepted_selfie"}) {
		t.Errorf("enrolled user must not get enrollment texts again, got %v", got)
	}
}

func TestRecognition_WeakThresholdGate(t *testing.T) {
	tests := []struct {
		name   string
		strong float64
		weak   float64
		tagged bool
	}{
		{"gate off tags nearest", 1.0, 0, true},
		{"gate on rejects ambiguous face", 1.0, 1.5, false},
		{"gate on with distant runner-up", 0.29, 0.3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(t)
			opts.StrongThreshold = tt.strong
			opts.WeakThreshold = tt.weak
			e := startEnv(t, opts, nil)

			// A and B far enough apart to both enroll.
			e.ext.set("a.jpg", []float32{0, 0})
			e.ext.set("b.jpg", []float32{1.2, 0})
			e.ext.set("c.jpg", []float32{50, 50})
			e.send(t, 1, "a.jpg", "A")
			e.send(t, 2, "b.jpg", "B")
			e.send(t, 3, "c.jpg", "C")
			if !e.enrolled(t, 2) {
				t.Fatal("B should enroll")
			}

			// Face closest to A, B not far behind: squared distances 0.25 and 0.49.
			e.ext.set("blend.jpg", []float32{0.5, 0})
			p := e.send(t, 3, "blend.jpg", "C")

			tags, _ := e.d.Store().GetTags(p)
			if tt.tagged != (len(tags) > 0) {
				t.Errorf("tags = %v, want tagged=%v", tags, tt.tagged)
			}
		})
	}
}

func TestNew_RejectsWeakBelowStrong(t *testing.T) {
	opts := testOptions(t)
	opts.WeakThreshold = 0.5
	if _, err := New(opts, vision.NewQueue(1), &recordingNotifier{}); err == nil {
		t.Error("expected error")
	}
}

func TestCaption(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)
	e.ext.set("c.jpg", []float32{0, 10})
	e.ext.set("b.jpg", []float32{10, 0})
	e.ext.set("a.jpg", []float32{0, 0})
	// Ids follow first contact: C=0, B=1, A=2.
	e.send(t, 3, "c.jpg", "Cecil")
	e.send(t, 2, "b.jpg", "Bára")
	e.send(t, 1, "a.jpg", "Ann")

	e.ext.set("p.jpg", []float32{0, 0.1}, []float32{0, 9.9}, []float32{10, 0.1})
	p := e.send(t, 1, "p.jpg", "Ann")

	caption, ok := e.d.Caption(p)
	if !ok {
		t.Fatal("Caption failed")
	}
	if want := "Sent by @Ann\nTagged: @Cecil @Bára"; caption != want {
		t.Errorf("caption = %q, want %q", caption, want)
	}
	if _, ok := e.d.Caption(999); ok {
		t.Error("unknown photo must not render")
	}
}

func TestSnapshot_SurvivesRestart(t *testing.T) {
	opts := testOptions(t)
	e := startEnv(t, opts, nil)
	e.ext.set("a.jpg", []float32{0, 0})
	e.ext.set("g.jpg", []float32{10, 0}, []float32{0.1, 0.1})
	e.send(t, 1, "a.jpg", "A")
	e.send(t, 1, "g.jpg", "A")
	e.stop() // final snapshot on shutdown

	before := e.d.Export()

	restarted := startEnv(t, opts, e.ext)
	after := restarted.d.Export()

	if after.Meta.NextPhotoID != before.Meta.NextPhotoID || len(after.Meta.Users) != len(before.Meta.Users) {
		t.Errorf("metadata differs: %+v vs %+v", after.Meta, before.Meta)
	}
	if restarted.d.Identities().Count() != 1 || restarted.d.Photos().Count() != 2 {
		t.Errorf("indices not restored: %d identities, %d photo vectors",
			restarted.d.Identities().Count(), restarted.d.Photos().Count())
	}

	// Ids continue where they left off and matching still works.
	restarted.ext.set("b.jpg", []float32{10.1, 0})
	restarted.send(t, 2, "b.jpg", "B")
	if v, _ := restarted.d.Store().GetIdentityVector(restarted.userByChat(t, 2)); v != 1 {
		t.Errorf("expected identity vector 1, got %d", v)
	}
	if got := restarted.notes.photosFor(2); len(got) != 1 || got[0].path != "g.jpg" {
		t.Errorf("backward match after restart = %+v", got)
	}
}

func TestSnapshot_Periodic(t *testing.T) {
	opts := testOptions(t)
	opts.SnapshotInterval = 20 * time.Millisecond
	e := startEnv(t, opts, nil)
	e.ext.set("a.jpg", []float32{0, 0})
	e.send(t, 1, "a.jpg", "A")

	deadline := time.Now().Add(5 * time.Second)
	for {
		meta, err := vectorstore.LoadMetadata(opts.IdentityIndexPath)
		if err == nil && meta.Live == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("identity index never snapshotted (last err %v)", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIngest_AfterStop(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)
	e.stop()

	_, err := e.d.Ingest(context.Background(), 1, "late.jpg", nil)
	if !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestIngest_ConcurrentSenders(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)

	var wg sync.WaitGroup
	ids := make(chan int64, 20)
	for i := range 20 {
		wg.Add(1)
		go func(chat int64) {
			defer wg.Done()
			id, err := e.d.Ingest(context.Background(), chat%4, "x.jpg", nil)
			if err != nil {
				t.Errorf("Ingest failed: %v", err)
				return
			}
			ids <- id
		}(int64(i))
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("photo id %d assigned twice", id)
		}
		seen[id] = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.d.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if st := e.d.Stats(); st.Metadata.Users != 4 || st.Metadata.Photos != 20 || st.PendingPhotos != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

// fakeMirror records exports.
type fakeMirror struct {
	mu      sync.Mutex
	exports []Export
}

func (m *fakeMirror) Sync(_ context.Context, exp Export) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exports = append(m.exports, exp)
	return nil
}

func (m *fakeMirror) last() (Export, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.exports) == 0 {
		return Export{}, 0
	}
	return m.exports[len(m.exports)-1], len(m.exports)
}

func TestMirror_ReceivesExportOnShutdown(t *testing.T) {
	mirror := &fakeMirror{}
	opts := testOptions(t)
	opts.Mirror = mirror
	opts.MirrorInterval = time.Hour
	e := startEnv(t, opts, nil)

	e.ext.set("a.jpg", []float32{0, 0})
	e.send(t, 1, "a.jpg", "A")
	e.stop()

	exp, n := mirror.last()
	if n == 0 {
		t.Fatal("mirror never synced")
	}
	if len(exp.Meta.Users) != 1 || len(exp.Identities.Vectors) != 1 {
		t.Errorf("unexpected export %+v", exp)
	}
}

func TestWriteArtifacts(t *testing.T) {
	e := startEnv(t, testOptions(t), nil)
	e.ext.set("a.jpg", []float32{0, 0})
	e.send(t, 1, "a.jpg", "A")
	e.stop()

	target := testOptions(t)
	if err := WriteArtifacts(target, e.d.Export()); err != nil {
		t.Fatalf("WriteArtifacts failed: %v", err)
	}

	restored := startEnv(t, target, nil)
	if !restored.enrolled(t, 1) {
		t.Error("restored user should be enrolled")
	}

	bad := e.d.Export()
	bad.Identities.Dim = 3
	if err := WriteArtifacts(testOptions(t), bad); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

// startActorOnly runs a distributor without any vision workers, so nothing
// drains the queue. The returned stop waits for the final snapshot.
func startActorOnly(t *testing.T, opts Options, queue *vision.Queue) (*Distributor, func()) {
	t.Helper()
	d, err := New(opts, queue, &recordingNotifier{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return d, stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type ingestOutcome struct {
	photoID int64
	err     error
}

func TestIngest_QueuedAfterCallerGivesUp(t *testing.T) {
	queue := vision.NewQueue(0)
	d, _ := startActorOnly(t, testOptions(t), queue)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := make(chan ingestOutcome, 1)
	go func() {
		id, err := d.Ingest(ctx, 1, "a.jpg", []string{"A"})
		out <- ingestOutcome{id, err}
	}()

	waitFor(t, "photo to be recorded", func() bool { return d.Pending() == 1 })
	select {
	case o := <-out:
		t.Fatalf("Ingest returned before the task was queued: %+v", o)
	case <-time.After(150 * time.Millisecond):
	}
	if ctx.Err() == nil {
		t.Fatal("caller context should have expired")
	}

	ext := &fakeExtractor{vectors: map[string][][]float32{}, errs: map[string]error{}}
	ext.set("a.jpg", []float32{0, 0})
	poolCtx, stopPool := context.WithCancel(context.Background())
	defer stopPool()
	go vision.NewPool(ext, queue, 1, time.Second).Run(poolCtx)

	o := <-out
	if o.err != nil || o.photoID != 0 {
		t.Fatalf("expected photo 0 without error, got %+v", o)
	}
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDrain()
	if err := d.Drain(drainCtx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	user, _ := d.Store().GetUserByChat(1)
	if _, ok := d.Store().GetIdentityVector(user); !ok {
		t.Error("selfie queued after the caller gave up must still enroll")
	}
	if n := len(d.Store().UnresolvedPhotos()); n != 0 {
		t.Errorf("expected no unresolved photos, got %d", n)
	}
}

func TestIngest_UnqueuedPhotoRequeuedOnRestart(t *testing.T) {
	opts := testOptions(t)
	d, stop := startActorOnly(t, opts, vision.NewQueue(0))

	out := make(chan ingestOutcome, 1)
	go func() {
		id, err := d.Ingest(context.Background(), 1, "a.jpg", []string{"A"})
		out <- ingestOutcome{id, err}
	}()
	waitFor(t, "photo to be recorded", func() bool { return d.Pending() == 1 })
	stop()

	o := <-out
	if o.err != nil || o.photoID != 0 {
		t.Fatalf("a recorded photo must not be reported as failed, got %+v", o)
	}
	if d.Pending() != 0 {
		t.Errorf("expected nothing pending after shutdown, got %d", d.Pending())
	}

	ext := &fakeExtractor{vectors: map[string][][]float32{}, errs: map[string]error{}}
	ext.set("a.jpg", []float32{0, 0})
	restarted := startEnv(t, opts, ext)

	waitFor(t, "requeued selfie to enroll", func() bool {
		user, ok := restarted.d.Store().GetUserByChat(1)
		if !ok {
			return false
		}
		_, enrolled := restarted.d.Store().GetIdentityVector(user)
		return enrolled
	})
	if got := restarted.notes.textsFor(1); !slices.Equal(got, []string{"accepted_selfie"}) {
		t.Errorf("texts after restart = %v", got)
	}
	waitFor(t, "photo to be marked resolved", func() bool {
		return len(restarted.d.Store().UnresolvedPhotos()) == 0
	})
}
