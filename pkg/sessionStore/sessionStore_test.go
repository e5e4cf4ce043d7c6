package sessionStore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/8ff/watchpost/pkg/notify"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	log := zerolog.Nop()
	s, err := Open(filepath.Join(t.TempDir(), "watchpost.db"), &log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func session(id, class string, start time.Time) Session {
	return Session{
		ID:         id,
		Camera:     "front",
		ClassName:  class,
		Confidence: 0.75,
		Box:        [4]float64{1, 2, 30, 40},
		Start:      start,
		End:        start.Add(45 * time.Second),
		Frames:     450,
		VideoFile:  "video/front" + start.Format("20060102-150405") + ".mp4",
		FirstImage: "photos/first.jpg",
		BestImage:  "photos/best.jpg",
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	want := session("a", "person", epoch)
	require.NoError(t, s.InsertSession(ctx, want))

	got, err := s.Session(ctx, "a")
	require.NoError(t, err)
	if diff := cmp.Diff(want.Start.UnixMilli(), got.Start.UnixMilli()); diff != "" {
		t.Errorf("start mismatch (-want +got):\n%s", diff)
	}
	got.Start, got.End = want.Start, want.End
	assert.Equal(t, want, got)

	_, err = s.Session(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionsQuery(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSession(ctx, session("a", "person", epoch)))
	require.NoError(t, s.InsertSession(ctx, session("b", "person", epoch.Add(time.Hour))))
	require.NoError(t, s.InsertSession(ctx, session("c", "car", epoch.Add(2*time.Hour))))

	all, err := s.Sessions(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	ranged, err := s.Sessions(ctx, Query{Start: epoch, End: epoch.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, ranged, 2, "end is exclusive")

	people, err := s.Sessions(ctx, Query{Classes: []string{"person"}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.Equal(t, "b", people[0].ID)

	none, err := s.Sessions(ctx, Query{Cameras: []string{"back"}})
	require.NoError(t, err)
	assert.Empty(t, none)

	classes, err := s.Classes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"car", "person"}, classes)
}

func TestSendRecordsEvents(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, notify.Event{
		Type:       notify.EventSessionFinished,
		ID:         "x",
		CameraName: "front",
		Start:      epoch,
		End:        epoch.Add(time.Minute),
		ClassName:  "person",
		Confidence: 0.9,
		Box:        []float64{10, 20, 30, 40},
		Frames:     600,
		VideoFile:  "video/x.mp4",
		FirstImage: "photos/x-first.jpg",
		BestImage:  "photos/x-best.jpg",
	}, nil))
	require.NoError(t, s.Send(ctx, notify.Event{
		Type:       notify.EventSegmentClosed,
		CameraName: "front",
		Start:      epoch,
		End:        epoch.Add(time.Hour),
		Frames:     3600,
		VideoFile:  "timelapse/front20240501-120000.mp4",
	}, nil))
	require.NoError(t, s.Send(ctx, notify.Event{Type: notify.EventSessionStarted, ID: "y"}, nil))

	sess, err := s.Session(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, [4]float64{10, 20, 30, 40}, sess.Box)
	assert.Equal(t, 600, sess.Frames)

	_, err = s.Session(ctx, "y")
	assert.ErrorIs(t, err, ErrNotFound, "only finished sessions are stored")

	segs, err := s.Segments(ctx, epoch.Add(30*time.Minute), epoch.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, time.Hour, segs[0].Closed.Sub(segs[0].Opened))

	seg, err := s.Segment(ctx, segs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, segs[0].Path, seg.Path)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchpost.db")
	log := zerolog.Nop()

	s, err := Open(path, &log)
	require.NoError(t, err)
	require.NoError(t, s.InsertSession(context.Background(), session("a", "person", epoch)))
	require.NoError(t, s.Close())

	s, err = Open(path, &log)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Session(context.Background(), "a")
	assert.NoError(t, err)
}
