// Package mirror pushes the ledger document to a remote git repository and
// restores it on a fresh host.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stellarlinkco/salesboard/internal/telemetry"
)

var ErrDisabled = errors.New("mirror not configured")

const redacted = "***"

// Runner executes one git command in dir and returns its combined output.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs the git binary.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

type Options struct {
	Host      string
	Repo      string // owner/name
	Branch    string
	Token     string
	UserName  string
	UserEmail string
	// Dir is the local working tree; File is the document path inside it.
	Dir  string
	File string
	// Timeout bounds each step.
	Timeout time.Duration
	// RemoteURL replaces the URL built from Host, Repo and Token.
	RemoteURL string
}

// StepResult is the outcome of one named step.
type StepResult struct {
	Name     string
	OK       bool
	Skipped  bool
	Output   string
	Err      error
	Duration time.Duration
}

// Result describes one Sync run.
type Result struct {
	RunID   string
	Steps   []StepResult
	Changed bool
	Pushed  bool
}

// Failed returns the names of steps that did not succeed.
func (r Result) Failed() []string {
	var names []string
	for _, s := range r.Steps {
		if !s.OK && !s.Skipped {
			names = append(names, s.Name)
		}
	}
	return names
}

// Mirror serializes git operations on one working tree.
type Mirror struct {
	opts   Options
	runner Runner
	tracer trace.Tracer

	mu      sync.Mutex
	pending bool // a commit exists that has not been pushed
	last    *Result
	lastAt  time.Time
}

func New(opts Options, runner Runner) *Mirror {
	if runner == nil {
		runner = ExecRunner{}
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.Host == "" {
		opts.Host = "github.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	return &Mirror{opts: opts, runner: runner, tracer: telemetry.Tracer("mirror")}
}

func (m *Mirror) Enabled() bool {
	return m != nil && (m.opts.RemoteURL != "" || (m.opts.Repo != "" && m.opts.Token != ""))
}

// Target is a loggable description of the remote.
func (m *Mirror) Target() string {
	if m.opts.RemoteURL != "" {
		return m.redact(m.opts.RemoteURL) + "#" + m.opts.Branch
	}
	return fmt.Sprintf("%s/%s#%s", m.opts.Host, m.opts.Repo, m.opts.Branch)
}

// Last returns the most recent Sync result and when it finished.
func (m *Mirror) Last() (*Result, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.lastAt
}

func (m *Mirror) remoteURL() string {
	if m.opts.RemoteURL != "" {
		return m.opts.RemoteURL
	}
	return fmt.Sprintf("https://x-access-token:%s@%s/%s.git", m.opts.Token, m.opts.Host, m.opts.Repo)
}

// redact removes the token from s.
func (m *Mirror) redact(s string) string {
	if m.opts.Token != "" {
		s = strings.ReplaceAll(s, m.opts.Token, redacted)
	}
	return s
}

type run struct {
	m      *Mirror
	ctx    context.Context
	result *Result
}

// step runs one git command under the per-step timeout. Secrets are stripped
// from the recorded output and error.
func (r *run) step(name string, args ...string) StepResult {
	ctx, cancel := context.WithTimeout(r.ctx, r.m.opts.Timeout)
	defer cancel()
	ctx, span := r.m.tracer.Start(ctx, "mirror."+name,
		trace.WithAttributes(attribute.String("mirror.run_id", r.result.RunID)))
	defer span.End()

	start := time.Now()
	out, err := r.m.runner.Run(ctx, r.m.opts.Dir, args...)
	res := StepResult{Name: name, OK: err == nil, Output: r.m.redact(out), Duration: time.Since(start)}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s", r.m.opts.Timeout)
		}
		res.Err = errors.New(r.m.redact(fmt.Sprintf("git %s: %v", args[0], err)))
		if res.Output != "" {
			res.Err = fmt.Errorf("%w: %s", res.Err, truncate(res.Output, 200))
		}
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

func (r *run) record(res StepResult) StepResult {
	r.result.Steps = append(r.result.Steps, res)
	return res
}

func (r *run) skip(name string) {
	r.result.Steps = append(r.result.Steps, StepResult{Name: name, Skipped: true})
}

func (r *run) ensureRepo() StepResult {
	if _, err := os.Stat(filepath.Join(r.m.opts.Dir, ".git")); err == nil {
		return r.record(StepResult{Name: "ensure-repo", OK: true})
	}
	if err := os.MkdirAll(r.m.opts.Dir, 0755); err != nil {
		return r.record(StepResult{Name: "ensure-repo", Err: fmt.Errorf("create dir: %w", err)})
	}
	res := r.step("ensure-repo", "init")
	if res.OK {
		if sym := r.step("ensure-repo", "symbolic-ref", "HEAD", "refs/heads/"+r.m.opts.Branch); !sym.OK {
			res = sym
		}
	}
	return r.record(res)
}

func (r *run) configureIdentity() StepResult {
	res := r.step("configure-identity", "config", "user.name", r.m.opts.UserName)
	if res.OK {
		res = r.step("configure-identity", "config", "user.email", r.m.opts.UserEmail)
	}
	return r.record(res)
}

// configureRemote points origin at the remote, adding it when missing.
func (r *run) configureRemote() StepResult {
	url := r.m.remoteURL()
	res := r.step("configure-remote", "remote", "set-url", "origin", url)
	if !res.OK {
		res = r.step("configure-remote", "remote", "add", "origin", url)
	}
	return r.record(res)
}

func (r *run) fetch() StepResult {
	return r.record(r.step("fetch", "fetch", "origin", r.m.opts.Branch))
}

// Sync commits the document and pushes it. Steps before stage are
// best-effort; stage, commit and push failures are returned.
func (m *Mirror) Sync(ctx context.Context, message string) (Result, error) {
	if !m.Enabled() {
		return Result{}, ErrDisabled
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "mirror.sync")
	defer span.End()

	res := Result{RunID: uuid.NewString()}
	r := &run{m: m, ctx: ctx, result: &res}
	err := m.sync(r, message)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		log.Printf("[mirror] sync %s failed: %v", res.RunID, err)
	} else {
		log.Printf("[mirror] sync %s ok (changed=%v) to %s", res.RunID, res.Changed, m.Target())
	}
	m.last = &res
	m.lastAt = time.Now()
	return res, err
}

func (m *Mirror) sync(r *run, message string) error {
	if s := r.ensureRepo(); !s.OK {
		return fmt.Errorf("ensure repo: %w", s.Err)
	}
	if s := r.configureIdentity(); !s.OK {
		log.Printf("[mirror] %v", s.Err)
	}
	if s := r.configureRemote(); !s.OK {
		return fmt.Errorf("configure remote: %w", s.Err)
	}

	if s := r.fetch(); s.OK {
		// The ours strategy joins the remote history but keeps the local tree
		// whole, so the pushed document is always the local one. --no-ff stops
		// git from fast-forwarding past the strategy.
		merge := r.step("merge", "merge", "--no-edit", "--no-ff", "--allow-unrelated-histories", "-s", "ours", "origin/"+m.opts.Branch)
		if !merge.OK {
			log.Printf("[mirror] %v", merge.Err)
			if abort := r.step("merge", "merge", "--abort"); abort.OK {
				merge.Output += "\nmerge aborted"
			}
		}
		r.record(merge)
	} else {
		log.Printf("[mirror] fetch skipped merge: %v", s.Err)
		r.skip("merge")
	}

	if s := r.record(r.step("stage", "add", "--", m.opts.File)); !s.OK {
		return fmt.Errorf("stage: %w", s.Err)
	}

	// diff --cached --quiet exits 1 when the index differs from HEAD.
	if diff := r.step("commit-if-changed", "diff", "--cached", "--quiet"); diff.OK {
		r.record(StepResult{Name: "commit-if-changed", OK: true, Skipped: true, Output: "no changes"})
	} else {
		if message == "" {
			message = "Update sales data"
		}
		commit := r.record(r.step("commit-if-changed", "commit", "-m", message))
		if !commit.OK {
			return fmt.Errorf("commit: %w", commit.Err)
		}
		r.result.Changed = true
		m.pending = true
	}

	if !m.pending {
		r.skip("push")
		return nil
	}
	push := r.step("push", "push", "origin", "HEAD:"+m.opts.Branch)
	if !push.OK {
		log.Printf("[mirror] %v; retrying with lease", push.Err)
		push = r.step("push", "push", "--force-with-lease", "origin", "HEAD:"+m.opts.Branch)
	}
	r.record(push)
	if !push.OK {
		return fmt.Errorf("push: %w", push.Err)
	}
	m.pending = false
	r.result.Pushed = true
	return nil
}

// Restore checks the document out of the remote branch when it is missing
// locally. It reports whether a file was restored.
func (m *Mirror) Restore(ctx context.Context) (bool, error) {
	if !m.Enabled() {
		return false, ErrDisabled
	}
	if _, err := os.Stat(filepath.Join(m.opts.Dir, m.opts.File)); err == nil {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "mirror.restore")
	defer span.End()

	r := &run{m: m, ctx: ctx, result: &Result{RunID: uuid.NewString()}}
	if s := r.ensureRepo(); !s.OK {
		return false, fmt.Errorf("ensure repo: %w", s.Err)
	}
	if s := r.configureRemote(); !s.OK {
		return false, fmt.Errorf("configure remote: %w", s.Err)
	}
	if s := r.fetch(); !s.OK {
		return false, fmt.Errorf("fetch: %w", s.Err)
	}
	s := r.record(r.step("checkout", "checkout", "-B", m.opts.Branch, "origin/"+m.opts.Branch))
	if !s.OK {
		return false, fmt.Errorf("checkout: %w", s.Err)
	}
	if _, err := os.Stat(filepath.Join(m.opts.Dir, m.opts.File)); err != nil {
		return false, fmt.Errorf("remote branch has no %s", m.opts.File)
	}
	log.Printf("[mirror] restored %s from %s", m.opts.File, m.Target())
	return true, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
