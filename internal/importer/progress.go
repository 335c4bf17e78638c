package importer

import "time"

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFetching  Status = "fetching"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// ImportError records one failed fetch. It is not modified once appended.
type ImportError struct {
	ResourceType     string    `json:"resourceType"`
	Message          string    `json:"message"`
	MessageLocalized string    `json:"messageLocalized,omitempty"`
	Recoverable      bool      `json:"recoverable"`
	Page             int       `json:"page,omitempty"`
	StatusCode       int       `json:"statusCode,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Progress is the observable state of a run.
type Progress struct {
	ConnectionID       string        `json:"connectionId"`
	Status             Status        `json:"status"`
	Stage              string        `json:"stage"`
	StageLocalized     string        `json:"stageLocalized,omitempty"`
	TotalResources     int           `json:"totalResources"`
	ProcessedResources int           `json:"processedResources"`
	Errors             []ImportError `json:"errors"`
	StartedAt          *time.Time    `json:"startedAt,omitempty"`
	CompletedAt        *time.Time    `json:"completedAt,omitempty"`
}

// Clone returns a deep copy.
func (p Progress) Clone() Progress {
	cp := p
	cp.Errors = make([]ImportError, len(p.Errors))
	copy(cp.Errors, p.Errors)
	if p.StartedAt != nil {
		t := *p.StartedAt
		cp.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// Terminal reports whether the run has finished, successfully or not.
func (p Progress) Terminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusError
}

// Delta is a partial state change. Zero fields leave the state unchanged.
type Delta struct {
	Status         Status
	Stage          *Stage
	TotalResources *int
	// Processed is added to ProcessedResources. Negative values are ignored.
	Processed int
	Error     *ImportError
}

// transitions lists the allowed status changes. Anything else is dropped.
var transitions = map[Status][]Status{
	StatusPending:  {StatusFetching, StatusError},
	StatusFetching: {StatusCompleted, StatusError},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reduce folds d into p and returns the next state. It enforces the run
// invariants: status only moves forward, the processed count never
// decreases and errors are only ever appended.
func Reduce(p Progress, d Delta, now time.Time) Progress {
	next := p
	if d.Status != "" && d.Status != p.Status && canTransition(p.Status, d.Status) {
		next.Status = d.Status
		t := now
		switch d.Status {
		case StatusFetching:
			next.StartedAt = &t
		case StatusCompleted, StatusError:
			next.CompletedAt = &t
		}
	}
	if d.Stage != nil {
		next.Stage = d.Stage.Text
		next.StageLocalized = d.Stage.Localized
	}
	if d.TotalResources != nil && *d.TotalResources >= 0 {
		next.TotalResources = *d.TotalResources
	}
	if d.Processed > 0 {
		next.ProcessedResources += d.Processed
	}
	if d.Error != nil {
		e := *d.Error
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		errs := make([]ImportError, len(p.Errors), len(p.Errors)+1)
		copy(errs, p.Errors)
		next.Errors = append(errs, e)
	}
	return next
}

// ProgressFunc observes progress changes. It receives a copy. A panic in the
// observer is not recovered by the importer and aborts the run.
type ProgressFunc func(Progress)

// observerPanic carries a panic raised by a ProgressFunc through the
// importer's per-type recovery.
type observerPanic struct {
	value any
}

// Tracker owns the progress of one run and notifies an observer after every
// change. It is not safe for concurrent use.
type Tracker struct {
	state    Progress
	onChange ProgressFunc
	now      func() time.Time
}

// NewTracker creates a tracker in the pending state.
func NewTracker(connectionID string, onChange ProgressFunc, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		state: Progress{
			ConnectionID: connectionID,
			Status:       StatusPending,
			Errors:       []ImportError{},
		},
		onChange: onChange,
		now:      now,
	}
}

// Apply folds d into the state and notifies the observer with the new state.
func (t *Tracker) Apply(d Delta) {
	t.state = Reduce(t.state, d, t.now())
	if t.onChange != nil {
		t.notify(t.state.Clone())
	}
}

func (t *Tracker) notify(p Progress) {
	defer func() {
		if v := recover(); v != nil {
			panic(observerPanic{value: v})
		}
	}()
	t.onChange(p)
}

// AddError appends e, timestamped now, and notifies the observer.
func (t *Tracker) AddError(e ImportError) {
	e.Timestamp = time.Time{}
	t.Apply(Delta{Error: &e})
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Progress {
	return t.state.Clone()
}
