package cron

// Job names. The gateway switches on these in its OnJob handler.
const (
	JobResetCheck        = "reset-check"
	JobDailyLeaderboard  = "daily-leaderboard"
	JobWeeklyLeaderboard = "weekly-leaderboard"
	JobDailyFinal        = "daily-final"
	JobWeeklyFinal       = "weekly-final"
	JobMonthlyFinal      = "monthly-final"
	JobMirrorSync        = "mirror-sync"
	JobBackup            = "backup"
)

const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Job is a named recurring task. Expr uses the six-field form with seconds.
type Job struct {
	Name    string   `json:"name"`
	Expr    string   `json:"expr"`
	Post    bool     `json:"post"` // posts to chat, subject to quiet hours
	Enabled bool     `json:"enabled"`
	State   JobState `json:"state"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	Runs        int    `json:"runs,omitempty"`
}

// DefaultJobs is the built-in schedule. No posting job fires before 08:00.
func DefaultJobs() []Job {
	return []Job{
		{Name: JobResetCheck, Expr: "0 * * * * *", Enabled: true},
		{Name: JobDailyLeaderboard, Expr: "0 0 10-22/2 * * *", Post: true, Enabled: true},
		{Name: JobWeeklyLeaderboard, Expr: "0 0 17 * * 5", Post: true, Enabled: true},
		{Name: JobDailyFinal, Expr: "0 0 8 * * *", Post: true, Enabled: true},
		{Name: JobWeeklyFinal, Expr: "0 5 8 * * 1", Post: true, Enabled: true},
		{Name: JobMonthlyFinal, Expr: "0 10 8 1 * *", Post: true, Enabled: true},
		{Name: JobMirrorSync, Expr: "0 */15 * * * *", Enabled: true},
		{Name: JobBackup, Expr: "0 15 8 * * *", Post: true, Enabled: true},
	}
}
