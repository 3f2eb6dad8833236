package transcript

import "strings"

// State of the assembler across a recording session.
type State int

const (
	// StateIdle: no session active; text holds the last finished transcript.
	StateIdle State = iota
	// StateAccumulating: partial recognitions are being merged.
	StateAccumulating
	// StateFinalizing: capture stopped, one authoritative pass outstanding.
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateFinalizing:
		return "finalizing"
	default:
		return "idle"
	}
}

// Update is the outcome of one recognition pass.
type Update struct {
	Text string
	// FromStart marks a pass that re-decoded the whole session with added
	// context; its text replaces the displayed transcript wholesale.
	FromStart bool
	// Final marks the authoritative full-context pass after capture stops.
	Final bool
}

// Assembler merges successive overlapping or progressively refined
// recognition passes into one coherent transcript. It performs no I/O and is
// not safe for concurrent use; callers serialize access.
type Assembler struct {
	state    State
	text     string
	revision int
}

func New() *Assembler {
	return &Assembler{}
}

func (a *Assembler) State() State  { return a.state }
func (a *Assembler) Text() string  { return a.text }
func (a *Assembler) Revision() int { return a.revision }

// Begin starts a new session. The transcript resets to empty.
func (a *Assembler) Begin() {
	a.state = StateAccumulating
	a.text = ""
	a.revision++
}

// Finalize marks the session as waiting for its one authoritative pass.
func (a *Assembler) Finalize() {
	if a.state == StateAccumulating {
		a.state = StateFinalizing
	}
}

// Apply merges an update into the transcript and reports whether the
// displayed text changed. Updates outside an active session, and partials
// arriving once finalization began, are superseded and ignored.
func (a *Assembler) Apply(u Update) bool {
	switch a.state {
	case StateIdle:
		return false
	case StateFinalizing:
		if !u.Final {
			return false
		}
		a.setText(u.Text)
		a.state = StateIdle
		return true
	case StateAccumulating:
		if u.Final {
			a.setText(u.Text)
			a.state = StateIdle
			return true
		}
		return a.merge(u)
	}
	return false
}

func (a *Assembler) merge(u Update) bool {
	text := strings.TrimSpace(u.Text)
	if text == "" {
		return false
	}
	switch {
	case u.FromStart:
		// The engine re-decoded from the session start; later context may
		// have revised earlier words, so the whole transcript is replaced.
		return a.setText(text)
	case strings.HasPrefix(text, a.text):
		// Strict extension of what is already displayed.
		return a.setText(text)
	default:
		// New trailing text from a fresh window.
		if a.text == "" {
			return a.setText(text)
		}
		return a.setText(a.text + " " + text)
	}
}

// Fail aborts the session without touching the displayed transcript. The
// caller surfaces the error state; there is no automatic retry.
func (a *Assembler) Fail() {
	a.state = StateIdle
}

// Clear empties the transcript. Only an explicit user command calls this.
func (a *Assembler) Clear() {
	if a.text == "" {
		return
	}
	a.text = ""
	a.revision++
}

func (a *Assembler) setText(text string) bool {
	if text == a.text {
		return false
	}
	a.text = text
	a.revision++
	return true
}
