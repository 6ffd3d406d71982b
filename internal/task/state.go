package task

import (
	"fmt"
	"strings"
)

// State of a task. COMPLETED and ABORTED are terminal.
type State int

const (
	Created State = iota
	Submitted
	Recovered
	Paused
	Failed
	Running
	Completed
	Aborted
)

var stateNames = map[State]string{
	Created:   "CREATED",
	Submitted: "SUBMITTED",
	Recovered: "RECOVERED",
	Paused:    "PAUSED",
	Failed:    "FAILED",
	Running:   "RUNNING",
	Completed: "COMPLETED",
	Aborted:   "ABORTED",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) Terminal() bool {
	return s == Completed || s == Aborted
}

func ParseState(s string) (State, error) {
	for st, name := range stateNames {
		if strings.EqualFold(name, s) {
			return st, nil
		}
	}
	return Created, fmt.Errorf("unknown task state %q", s)
}

type Priority int

const (
	Lowest Priority = iota
	Low
	Medium
	High
	Highest
)

var priorityNames = map[Priority]string{
	Lowest:  "LOWEST",
	Low:     "LOW",
	Medium:  "MEDIUM",
	High:    "HIGH",
	Highest: "HIGHEST",
}

func (p Priority) String() string {
	if n, ok := priorityNames[p]; ok {
		return n
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return Medium, fmt.Errorf("unknown priority %q", s)
}
