// Package session runs incremental page-by-page scrapes: one upstream run
// per page of a templated URL, tracked as ordered iterations of a session.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/capture"
	idgen "github.com/runharvest/runharvest/internal/id/uuid"
	"github.com/runharvest/runharvest/internal/progress"
	"github.com/runharvest/runharvest/internal/store"
	"github.com/runharvest/runharvest/internal/upstream"
)

// sessionIDFunc mints time-ordered v7 ids from gen, falling back to v4 on
// the rare entropy failure.
func sessionIDFunc(gen *idgen.Generator) func() string {
	return func() string {
		id, err := gen.NewID()
		if err != nil {
			return uuid.NewString()
		}
		return id
	}
}

// pagePlaceholder is the token a URL template must contain; it is replaced
// with the page number on each iteration.
const pagePlaceholder = "{page}"

// ErrInvalid marks a session request that fails validation.
var ErrInvalid = errors.New("session: invalid request")

// ErrExhausted marks an iteration request for a session with no pages
// left to scrape.
var ErrExhausted = errors.New("session: pages exhausted")

// Trigger is the slice of the upstream API the service needs: starting a
// run at a rendered page URL.
type Trigger interface {
	TriggerRun(ctx context.Context, projectToken, startURL string) (upstream.RunInfo, error)
}

// Enqueuer hands the triggered run to the poll pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, task capture.Task) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Service creates sessions and advances them one page at a time.
// Iterations are strictly sequential per session: a concurrent second
// call waits for the in-flight iteration and returns its result instead
// of triggering a duplicate run.
type Service struct {
	client   Trigger
	sessions store.SessionStore
	projects store.ProjectStore
	runs     store.RunStore
	queue    Enqueuer
	emitter  progress.Emitter
	clock    Clock
	newID    func() string
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]*iterationCall
}

type iterationCall struct {
	done chan struct{}
	it   store.SessionIteration
	err  error
}

// New wires a session service. The emitter may be nil when progress
// events are disabled.
func New(client Trigger, sessions store.SessionStore, projects store.ProjectStore, runs store.RunStore, queue Enqueuer, emitter progress.Emitter, clock Clock, logger *zap.Logger) *Service {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		client:   client,
		sessions: sessions,
		projects: projects,
		runs:     runs,
		queue:    queue,
		emitter:  emitter,
		clock:    clock,
		newID:    sessionIDFunc(idgen.NewUUIDGenerator()),
		logger:   logger.Named("session"),
		inflight: make(map[string]*iterationCall),
	}
}

// Create validates and persists a new session positioned at startPage.
// The project must already be in the catalog.
func (s *Service) Create(ctx context.Context, projectToken, urlTemplate string, startPage, endPage int64) (store.Session, error) {
	if !strings.Contains(urlTemplate, pagePlaceholder) {
		return store.Session{}, fmt.Errorf("%w: url template must contain %s", ErrInvalid, pagePlaceholder)
	}
	if startPage < 1 {
		return store.Session{}, fmt.Errorf("%w: start page %d must be at least 1", ErrInvalid, startPage)
	}
	if startPage > endPage {
		return store.Session{}, fmt.Errorf("%w: start page %d is past end page %d", ErrInvalid, startPage, endPage)
	}
	if _, err := s.projects.GetProject(ctx, projectToken); err != nil {
		return store.Session{}, fmt.Errorf("load project: %w", err)
	}

	now := s.clock.Now()
	sess := store.Session{
		ID:           s.newID(),
		ProjectToken: projectToken,
		URLTemplate:  urlTemplate,
		NextPage:     startPage,
		EndPage:      endPage,
		Status:       store.SessionRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return store.Session{}, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("project_token", projectToken),
		zap.Int64("start_page", startPage),
		zap.Int64("end_page", endPage))
	return sess, nil
}

// Get loads a session with its iterations, run status joined in.
func (s *Service) Get(ctx context.Context, id string) (store.Session, []store.SessionIteration, error) {
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return store.Session{}, nil, fmt.Errorf("load session: %w", err)
	}
	iterations, err := s.sessions.ListIterations(ctx, id)
	if err != nil {
		return store.Session{}, nil, fmt.Errorf("list iterations: %w", err)
	}
	return sess, iterations, nil
}

// RunNextIteration triggers the run for the session's next page, records
// the iteration, hands the run to the poll pipeline and advances the
// cursor. The session flips to complete once the last page is triggered.
// A concurrent call for the same session returns the in-flight result.
func (s *Service) RunNextIteration(ctx context.Context, id string) (store.SessionIteration, error) {
	s.mu.Lock()
	if c, ok := s.inflight[id]; ok {
		s.mu.Unlock()
		select {
		case <-c.done:
			return c.it, c.err
		case <-ctx.Done():
			return store.SessionIteration{}, ctx.Err()
		}
	}
	c := &iterationCall{done: make(chan struct{})}
	s.inflight[id] = c
	s.mu.Unlock()

	c.it, c.err = s.runIteration(ctx, id)

	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
	close(c.done)
	return c.it, c.err
}

func (s *Service) runIteration(ctx context.Context, id string) (store.SessionIteration, error) {
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return store.SessionIteration{}, fmt.Errorf("load session: %w", err)
	}
	if sess.Status != store.SessionRunning || sess.NextPage > sess.EndPage {
		return store.SessionIteration{}, ErrExhausted
	}

	previous, err := s.sessions.ListIterations(ctx, id)
	if err != nil {
		return store.SessionIteration{}, fmt.Errorf("list iterations: %w", err)
	}

	page := sess.NextPage
	startURL := renderPage(sess.URLTemplate, page)
	info, err := s.client.TriggerRun(ctx, sess.ProjectToken, startURL)
	if err != nil {
		return store.SessionIteration{}, fmt.Errorf("trigger run for page %d: %w", page, err)
	}

	now := s.clock.Now()
	run := store.Run{
		RunToken:     info.RunToken,
		ProjectToken: sess.ProjectToken,
		Status:       upstream.MapStatus(info.Status),
		Pages:        info.Pages,
		StartedAt:    info.StartTime,
		EndedAt:      info.EndTime,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return store.SessionIteration{}, fmt.Errorf("record iteration run: %w", err)
	}

	it := store.SessionIteration{
		SessionID: id,
		Iteration: int64(len(previous)) + 1,
		RunToken:  info.RunToken,
		Page:      page,
		CreatedAt: now,
	}
	if err := s.sessions.AddIteration(ctx, it); err != nil {
		return store.SessionIteration{}, fmt.Errorf("record iteration: %w", err)
	}

	if err := s.queue.Enqueue(ctx, capture.Task{
		RunToken:     info.RunToken,
		ProjectToken: sess.ProjectToken,
		Submitted:    now.Unix(),
	}); err != nil {
		// The resume pass re-enqueues unfinished runs, so a full queue
		// delays polling instead of losing the run.
		s.logger.Warn("enqueue iteration run failed",
			zap.String("session_id", id),
			zap.String("run_token", info.RunToken),
			zap.Error(err))
	}

	s.emit(progress.Event{
		RunToken:     info.RunToken,
		ProjectToken: sess.ProjectToken,
		TS:           now,
		Stage:        progress.StageTrigger,
		Status:       string(run.Status),
		Note:         fmt.Sprintf("session page %d", page),
	})

	sess.NextPage = page + 1
	if sess.NextPage > sess.EndPage {
		sess.Status = store.SessionComplete
	}
	sess.UpdatedAt = now
	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		return it, fmt.Errorf("advance session: %w", err)
	}

	s.logger.Info("session iteration triggered",
		zap.String("session_id", id),
		zap.Int64("iteration", it.Iteration),
		zap.Int64("page", page),
		zap.String("run_token", info.RunToken),
		zap.String("session_status", string(sess.Status)))
	return it, nil
}

func (s *Service) emit(evt progress.Event) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(evt)
}

func renderPage(template string, page int64) string {
	return strings.ReplaceAll(template, pagePlaceholder, strconv.FormatInt(page, 10))
}
