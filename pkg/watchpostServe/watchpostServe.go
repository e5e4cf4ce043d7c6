package watchpostServe

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/tj/go-naturaldate"

	"github.com/8ff/watchpost/pkg/sessionStore"
)

//go:embed static/*
var staticFiles embed.FS

var rangePrompt = regexp.MustCompile(`(?i)(from|between)\s+(.*?)\s+(to|and)\s+(.*)`)

// Index is the part of the session store the browser reads from.
type Index interface {
	Sessions(ctx context.Context, q sessionStore.Query) ([]sessionStore.Session, error)
	Session(ctx context.Context, id string) (sessionStore.Session, error)
	Segments(ctx context.Context, start, end time.Time) ([]sessionStore.Segment, error)
	Segment(ctx context.Context, id int64) (sessionStore.Segment, error)
	Classes(ctx context.Context) ([]string, error)
	Cameras(ctx context.Context) ([]string, error)
}

type Tag struct {
	Tag  string `json:"tag"`
	Type string `json:"type"`
}

type promptResponse struct {
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	TimeStart string                 `json:"timeStart"`
	TimeEnd   string                 `json:"timeEnd"`
	Tags      []Tag                  `json:"tags"`
	Data      []sessionStore.Session `json:"data"`
	Segments  []sessionStore.Segment `json:"segments"`
}

// Server browses recorded sessions. Relative artifact paths in the index are resolved
// against root, the directory the recorder ran in.
type Server struct {
	root  string
	index Index
	log   *zerolog.Logger
	now   func() time.Time
}

func New(root string, index Index, log *zerolog.Logger) *Server {
	return &Server{root: root, index: index, log: log, now: time.Now}
}

func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	static, _ := fs.Sub(staticFiles, "static")
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFileFS(w, r, static, "index.html")
	})
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(static))))

	r.Get("/api", s.promptHandler)
	r.Get("/api/sessions/{id}", s.sessionHandler)
	r.Get("/rec/{id}", s.videoHandler)
	r.Get("/images/{id}/{kind}", s.imageHandler)
	r.Get("/timelapse/{id}", s.timelapseHandler)
	return r
}

// ParseDateRangePrompt understands "from X to Y", "between X and Y" or a single point in
// time. A bare day covers the whole day, a time of day covers the following hour.
func ParseDateRangePrompt(prompt string) (time.Time, time.Time, error) {
	return parseDateRange(prompt, time.Now())
}

func parseDateRange(prompt string, now time.Time) (time.Time, time.Time, error) {
	matches := rangePrompt.FindStringSubmatch(prompt)
	if matches == nil {
		baseTime, err := naturaldate.Parse(prompt, now)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}

		y, m, d := baseTime.Date()
		loc := baseTime.Location()
		if baseTime.Hour() == 0 && baseTime.Minute() == 0 {
			return time.Date(y, m, d, 0, 0, 0, 0, loc), time.Date(y, m, d, 23, 59, 59, 999999999, loc), nil
		}
		tStart := time.Date(y, m, d, baseTime.Hour(), baseTime.Minute(), 0, 0, loc)
		return tStart, tStart.Add(time.Hour), nil
	}

	tStart, err := naturaldate.Parse(matches[2], now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	tEnd, err := naturaldate.Parse(matches[4], now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return tStart, tEnd, nil
}

// cleanPrompt strips punctuation.
func cleanPrompt(prompt string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 : ", r) {
			return r
		}
		return -1
	}, prompt)
}

// Tags finds known camera and class names among the prompt words.
func Tags(prompt string, cameras, classes []string) []Tag {
	var tags []Tag
	seen := map[string]bool{}
	add := func(tag, typ string) {
		if !seen[typ+tag] {
			seen[typ+tag] = true
			tags = append(tags, Tag{Tag: tag, Type: typ})
		}
	}
	for _, word := range strings.Fields(prompt) {
		for _, c := range cameras {
			if word == c {
				add(word, "camera")
			}
		}
		single := singular(word)
		for _, c := range classes {
			if single == c {
				add(single, "class")
			}
		}
	}
	return tags
}

func singular(word string) string {
	irregularPlurals := map[string]string{
		"people": "person",
		"mice":   "mouse",
	}

	lowerWord := strings.ToLower(word)
	if singularWord, ok := irregularPlurals[lowerWord]; ok {
		return singularWord
	}
	if n := len(lowerWord); n > 1 && lowerWord[n-1] == 's' {
		return lowerWord[:n-1]
	}
	return lowerWord
}

func (s *Server) promptHandler(w http.ResponseWriter, r *http.Request) {
	prompt := r.URL.Query().Get("prompt")
	if prompt == "" {
		http.Error(w, "prompt parameter is required", http.StatusBadRequest)
		return
	}
	prompt = cleanPrompt(prompt)
	s.log.Info().Str("prompt", prompt).Msg("search")

	tStart, tEnd, err := parseDateRange(prompt, s.now())
	if err != nil {
		s.log.Warn().Err(err).Str("prompt", prompt).Msg("error parsing date range prompt")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	cameras, err := s.index.Cameras(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}
	classes, err := s.index.Classes(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}

	tags := Tags(prompt, cameras, classes)
	q := sessionStore.Query{Start: tStart, End: tEnd}
	for _, t := range tags {
		switch t.Type {
		case "camera":
			q.Cameras = append(q.Cameras, t.Tag)
		case "class":
			q.Classes = append(q.Classes, t.Tag)
		}
	}

	data, err := s.index.Sessions(ctx, q)
	if err != nil {
		s.internalError(w, err)
		return
	}
	segs, err := s.index.Segments(ctx, tStart, tEnd)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.log.Info().Time("start", tStart).Time("end", tEnd).Int("events", len(data)).Msg("search results")

	if tags == nil {
		tags = []Tag{}
	}
	writeJSON(w, promptResponse{
		Success:   true,
		TimeStart: tStart.Format(time.RFC3339),
		TimeEnd:   tEnd.Format(time.RFC3339),
		Tags:      tags,
		Data:      data,
		Segments:  segs,
	})
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, sess)
}

func (s *Server) videoHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.serveFile(w, r, sess.VideoFile)
}

func (s *Server) imageHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	switch chi.URLParam(r, "kind") {
	case "first":
		s.serveFile(w, r, sess.FirstImage)
	case "best":
		s.serveFile(w, r, sess.BestImage)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) timelapseHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid segment id", http.StatusBadRequest)
		return
	}
	seg, err := s.index.Segment(r.Context(), id)
	if errors.Is(err, sessionStore.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.serveFile(w, r, seg.Path)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (sessionStore.Session, bool) {
	sess, err := s.index.Session(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, sessionStore.ErrNotFound) {
		http.NotFound(w, r)
		return sessionStore.Session{}, false
	}
	if err != nil {
		s.internalError(w, err)
		return sessionStore.Session{}, false
	}
	return sess, true
}

// serveFile sends an artifact with range support.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path string) {
	if path == "" {
		http.NotFound(w, r)
		return
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	f, err := os.Open(path)
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("unable to open file")
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		s.internalError(w, err)
		return
	}
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Serve opens the index at dbPath and serves the browser on addr until ctx ends.
func Serve(ctx context.Context, root, addr, dbPath string, log *zerolog.Logger) error {
	store, err := sessionStore.Open(dbPath, log)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           New(root, store, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("root", root).Str("db", dbPath).Str("addr", addr).Msg("serving recordings")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}
