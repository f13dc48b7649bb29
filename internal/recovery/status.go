package recovery

import "time"

// Stage is the orchestrator's lifecycle stage.
type Stage string

const (
	StageStarting   Stage = "starting"
	StageRunning    Stage = "running"
	StageRestarting Stage = "restarting"
	StageRecovering Stage = "recovering"
	StageFatal      Stage = "fatal"
)

// Status is the process-wide session status reported by /status.
type Status struct {
	Stage                       Stage      `json:"stage"`
	Active                      bool       `json:"active"`
	LoggedIn                    bool       `json:"loggedIn"`
	RestartingSoon              bool       `json:"restartingSoon"`
	YearFilterAppliedServerSide bool       `json:"yearFilterAppliedServerSide"`
	Generation                  uint64     `json:"generation"`
	Launches                    int        `json:"launches"`
	LastRecoveryAt              *time.Time `json:"lastRecoveryAt,omitempty"`
	LastRecoveryID              string     `json:"lastRecoveryId,omitempty"`
	RecoveredNotice             bool       `json:"recoveredNotice"`
	LastError                   string     `json:"lastError,omitempty"`
}

// RefreshOutcome describes what RefreshPage ended up doing.
type RefreshOutcome string

const (
	RefreshReloaded  RefreshOutcome = "completed"
	RefreshRestarted RefreshOutcome = "restarted"
)
