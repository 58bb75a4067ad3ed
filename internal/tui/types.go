package tui

import (
	"time"

	"github.com/fentz26/tessera/internal/models"
)

// JobDetail is everything the detail view shows for one job.
type JobDetail struct {
	Job  *models.Job
	Runs []models.Run
	Logs []string
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type jobsLoadedMsg struct {
	jobs  []models.Job
	total int
}

type jobDetailLoadedMsg struct {
	detail *JobDetail
}

type tenanciesLoadedMsg struct {
	stats []models.TenancyStats
}

type daemonStatusMsg struct {
	online bool
}

type tickMsg time.Time
