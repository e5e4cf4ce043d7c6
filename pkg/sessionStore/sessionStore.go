package sessionStore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/8ff/watchpost/pkg/notify"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrNotFound = errors.New("not found")

// Session is one finished recording.
type Session struct {
	ID         string     `json:"id"`
	Camera     string     `json:"cameraName"`
	ClassName  string     `json:"className"`
	Confidence float32    `json:"confidence"`
	Box        [4]float64 `json:"box"`
	Start      time.Time  `json:"start"`
	End        time.Time  `json:"end"`
	Frames     int        `json:"frames"`
	VideoFile  string     `json:"videoFile"`
	FirstImage string     `json:"firstImage"`
	BestImage  string     `json:"bestImage"`
}

// Segment is one closed timelapse file.
type Segment struct {
	ID     int64     `json:"id"`
	Camera string    `json:"cameraName"`
	Path   string    `json:"path"`
	Opened time.Time `json:"opened"`
	Closed time.Time `json:"closed"`
	Frames int       `json:"frames"`
}

// Query selects sessions that started in [Start, End). Empty Classes and Cameras match
// everything.
type Query struct {
	Start   time.Time
	End     time.Time
	Classes []string
	Cameras []string
	Limit   int
}

// Store indexes sessions and timelapse segments in sqlite. It is a notify.Sink so it can
// be fed from the event fan-out.
type Store struct {
	db  *sql.DB
	log *zerolog.Logger
}

// Open opens or creates the database at path and applies pending migrations.
func Open(path string, log *zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db, log: log}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: closing it would close s.db as well.
	m.Log = migrateLogger{log: s.log}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	version, _, err := m.Version()
	if err == nil {
		s.log.Debug().Uint("version", version).Msg("schema up to date")
	}
	return nil
}

type migrateLogger struct {
	log *zerolog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.log.Debug().Msgf(strings.TrimSpace(format), v...)
}

func (l migrateLogger) Verbose() bool { return false }

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, camera, class_name, confidence, box_x1, box_y1, box_x2, box_y2,
			start_ms, end_ms, frames, video_file, first_image, best_image)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_ms = excluded.end_ms,
			frames = excluded.frames,
			best_image = excluded.best_image`,
		sess.ID, sess.Camera, sess.ClassName, sess.Confidence,
		sess.Box[0], sess.Box[1], sess.Box[2], sess.Box[3],
		sess.Start.UnixMilli(), sess.End.UnixMilli(), sess.Frames,
		sess.VideoFile, sess.FirstImage, sess.BestImage,
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) InsertSegment(ctx context.Context, seg Segment) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO segments (camera, path, opened_ms, closed_ms, frames)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET closed_ms = excluded.closed_ms, frames = excluded.frames`,
		seg.Camera, seg.Path, seg.Opened.UnixMilli(), seg.Closed.UnixMilli(), seg.Frames,
	)
	if err != nil {
		return 0, fmt.Errorf("insert segment %s: %w", seg.Path, err)
	}
	// LastInsertId is only meaningful for new rows.
	return res.LastInsertId()
}

const sessionColumns = `id, camera, class_name, confidence, box_x1, box_y1, box_x2, box_y2,
	start_ms, end_ms, frames, video_file, first_image, best_image`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var sess Session
	var start, end int64
	err := row.Scan(&sess.ID, &sess.Camera, &sess.ClassName, &sess.Confidence,
		&sess.Box[0], &sess.Box[1], &sess.Box[2], &sess.Box[3],
		&start, &end, &sess.Frames, &sess.VideoFile, &sess.FirstImage, &sess.BestImage)
	if err != nil {
		return Session{}, err
	}
	sess.Start = time.UnixMilli(start)
	sess.End = time.UnixMilli(end)
	return sess, nil
}

// Sessions returns matching sessions, newest first.
func (s *Store) Sessions(ctx context.Context, q Query) ([]Session, error) {
	var where []string
	var args []any
	if !q.Start.IsZero() {
		where = append(where, "start_ms >= ?")
		args = append(args, q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		where = append(where, "start_ms < ?")
		args = append(args, q.End.UnixMilli())
	}
	if len(q.Classes) > 0 {
		where = append(where, "class_name IN ("+placeholders(len(q.Classes))+")")
		for _, c := range q.Classes {
			args = append(args, c)
		}
	}
	if len(q.Cameras) > 0 {
		where = append(where, "camera IN ("+placeholders(len(q.Cameras))+")")
		for _, c := range q.Cameras {
			args = append(args, c)
		}
	}

	query := "SELECT " + sessionColumns + " FROM sessions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_ms DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, err
}

// Segments returns segments that overlap [start, end), oldest first.
func (s *Store) Segments(ctx context.Context, start, end time.Time) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, camera, path, opened_ms, closed_ms, frames FROM segments
		WHERE closed_ms > ? AND opened_ms < ?
		ORDER BY opened_ms`, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	out := []Segment{}
	for rows.Next() {
		var seg Segment
		var opened, closed int64
		if err := rows.Scan(&seg.ID, &seg.Camera, &seg.Path, &opened, &closed, &seg.Frames); err != nil {
			return nil, err
		}
		seg.Opened = time.UnixMilli(opened)
		seg.Closed = time.UnixMilli(closed)
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *Store) Segment(ctx context.Context, id int64) (Segment, error) {
	var seg Segment
	var opened, closed int64
	err := s.db.QueryRowContext(ctx, `SELECT id, camera, path, opened_ms, closed_ms, frames FROM segments WHERE id = ?`, id).
		Scan(&seg.ID, &seg.Camera, &seg.Path, &opened, &closed, &seg.Frames)
	if errors.Is(err, sql.ErrNoRows) {
		return Segment{}, fmt.Errorf("segment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Segment{}, err
	}
	seg.Opened = time.UnixMilli(opened)
	seg.Closed = time.UnixMilli(closed)
	return seg, nil
}

// Classes and Cameras list the known names, used to recognise tags in search prompts.
func (s *Store) Classes(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "SELECT DISTINCT class_name FROM sessions WHERE class_name != '' ORDER BY class_name")
}

func (s *Store) Cameras(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "SELECT DISTINCT camera FROM sessions ORDER BY camera")
}

func (s *Store) distinct(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *Store) Name() string { return "sessionStore" }

// Send records finished sessions and closed segments; other events are ignored.
func (s *Store) Send(ctx context.Context, ev notify.Event, _ []byte) error {
	switch ev.Type {
	case notify.EventSessionFinished:
		sess := Session{
			ID:         ev.ID,
			Camera:     ev.CameraName,
			ClassName:  ev.ClassName,
			Confidence: ev.Confidence,
			Start:      ev.Start,
			End:        ev.End,
			Frames:     ev.Frames,
			VideoFile:  ev.VideoFile,
			FirstImage: ev.FirstImage,
			BestImage:  ev.BestImage,
		}
		copy(sess.Box[:], ev.Box)
		return s.InsertSession(ctx, sess)
	case notify.EventSegmentClosed:
		_, err := s.InsertSegment(ctx, Segment{
			Camera: ev.CameraName,
			Path:   ev.VideoFile,
			Opened: ev.Start,
			Closed: ev.End,
			Frames: ev.Frames,
		})
		return err
	}
	return nil
}
