package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// Service runs a fixed set of named jobs in one civil time zone.
type Service struct {
	storePath string
	loc       *time.Location
	quietHour int
	now       func() time.Time

	mu       sync.Mutex
	jobs     []Job
	OnJob    func(job Job) (string, error)
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job name -> cron entry ID
	stopCh   chan struct{}
}

type Option func(*Service)

// WithQuietUntil suppresses posting jobs from midnight until hour.
func WithQuietUntil(hour int) Option {
	return func(s *Service) { s.quietHour = hour }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithJobs replaces the default job table.
func WithJobs(jobs []Job) Option {
	return func(s *Service) { s.jobs = append([]Job(nil), jobs...) }
}

func NewService(storePath string, loc *time.Location, opts ...Option) *Service {
	if loc == nil {
		loc = time.Local
	}
	s := &Service{
		storePath: storePath,
		loc:       loc,
		now:       time.Now,
		jobs:      DefaultJobs(),
		entryMap:  make(map[string]rcron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Override replaces job expressions by name. "off" or an empty expression
// disables the job.
func (s *Service) Override(exprs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, expr := range exprs {
		job := s.find(name)
		if job == nil {
			return fmt.Errorf("unknown job %q", name)
		}
		expr = strings.TrimSpace(expr)
		if expr == "" || expr == "off" {
			job.Enabled = false
			continue
		}
		if _, err := parser.Parse(expr); err != nil {
			return fmt.Errorf("parse %s schedule %q: %w", name, expr, err)
		}
		job.Expr = expr
		job.Enabled = true
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	if err := s.load(); err != nil {
		log.Printf("[cron] warning: failed to load job state: %v", err)
	}

	s.mu.Lock()
	s.cron = rcron.New(rcron.WithParser(parser), rcron.WithLocation(s.loc))
	for i := range s.jobs {
		if s.jobs[i].Enabled {
			if err := s.registerJob(s.jobs[i]); err != nil {
				s.mu.Unlock()
				return err
			}
		}
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[cron] started with %d jobs in %s", len(s.entryMap), s.loc)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

func (s *Service) registerJob(job Job) error {
	name := job.Name
	id, err := s.cron.AddFunc(job.Expr, func() {
		s.Run(name)
	})
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", name, job.Expr, err)
	}
	s.entryMap[name] = id
	return nil
}

// Quiet reports whether t falls inside the quiet window.
func (s *Service) Quiet(t time.Time) bool {
	return t.In(s.loc).Hour() < s.quietHour
}

// Run executes the named job now, honouring quiet hours, and records its
// status. It returns the resulting status.
func (s *Service) Run(name string) string {
	s.mu.Lock()
	job := s.find(name)
	if job == nil {
		s.mu.Unlock()
		log.Printf("[cron] unknown job %s", name)
		return StatusError
	}
	jobCopy := *job
	s.mu.Unlock()

	now := s.now()
	var (
		status = StatusOK
		result string
		err    error
	)
	switch {
	case jobCopy.Post && s.Quiet(now):
		status = StatusSkipped
		log.Printf("[cron] job %s skipped: quiet hours", name)
	case s.OnJob == nil:
		log.Printf("[cron] no OnJob handler set")
		return StatusSkipped
	default:
		result, err = s.OnJob(jobCopy)
		if err != nil {
			status = StatusError
			log.Printf("[cron] job %s error: %v", name, err)
		} else if result != "" {
			log.Printf("[cron] job %s result: %s", name, truncate(result, 100))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if job := s.find(name); job != nil {
		job.State.LastRunAtMs = now.UnixMilli()
		job.State.LastStatus = status
		job.State.LastError = ""
		if err != nil {
			job.State.LastError = err.Error()
		}
		job.State.Runs++
	}
	if err := s.save(); err != nil {
		log.Printf("[cron] save job state: %v", err)
	}
	return status
}

func (s *Service) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	c := s.cron
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[cron] stop timeout waiting for running jobs")
		}
	}
	log.Printf("[cron] stopped")
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

// Next returns the next fire time of the named job after t.
func (s *Service) Next(name string, t time.Time) (time.Time, error) {
	s.mu.Lock()
	job := s.find(name)
	s.mu.Unlock()
	if job == nil {
		return time.Time{}, fmt.Errorf("job %s not found", name)
	}
	sched, err := parser.Parse(job.Expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return sched.Next(t.In(s.loc)), nil
}

func (s *Service) find(name string) *Job {
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			return &s.jobs[i]
		}
	}
	return nil
}

// load restores last-run state. The job table itself always comes from code
// and configuration.
func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var stored []Job
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range stored {
		if job := s.find(st.Name); job != nil {
			job.State = st.State
		}
	}
	return nil
}

func (s *Service) save() error {
	if s.storePath == "" {
		return nil
	}
	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
