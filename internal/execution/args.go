package execution

import (
	"fmt"
	"slices"
)

// ExitStatus is the category of a terminal job state a wait condition targets.
type ExitStatus int

const (
	CompletedSuccess ExitStatus = iota
	CompletedFailed
	CompletedAny
)

var exitStatusNames = map[ExitStatus]string{
	CompletedSuccess: "COMPLETED_SUCCESS",
	CompletedFailed:  "COMPLETED_FAILED",
	CompletedAny:     "COMPLETED_ANY",
}

func (s ExitStatus) String() string {
	if n, ok := exitStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("ExitStatus(%d)", int(s))
}

// WaitCondition is a scheduler independent description of a dependency:
// every listed job must reach Status. Expr is an optional native expression
// (a job name or pattern) combined with the ids.
type WaitCondition struct {
	Status ExitStatus
	JobIDs []int
	Expr   string
}

func (w WaitCondition) IsZero() bool {
	return len(w.JobIDs) == 0 && w.Expr == ""
}

// ArrayArgs describes a job array. Elements run from Min to Max inclusive.
type ArrayArgs struct {
	Min             int
	Max             int
	Step            int
	MaxSimultaneous int
}

func (a ArrayArgs) Validate() error {
	if a.Min < 0 || a.Max < a.Min {
		return fmt.Errorf("invalid job array bounds %d-%d", a.Min, a.Max)
	}
	if a.Step < 0 {
		return fmt.Errorf("invalid job array step %d", a.Step)
	}
	return nil
}

// Args are the per job arguments of a scheduler submission.
type Args struct {
	JobName     string
	Queue       string
	Project     string
	Threads     int
	MemoryMB    int
	OpenMPI     bool
	ExtraArgs   []string
	LogFile     string
	BackupEmail string
	Wait        WaitCondition
	Array       *ArrayArgs
}

// Copy returns a deep copy, so the result can be mutated without affecting
// other executions.
func (a Args) Copy() Args {
	out := a
	out.ExtraArgs = slices.Clone(a.ExtraArgs)
	out.Wait.JobIDs = slices.Clone(a.Wait.JobIDs)
	if a.Array != nil {
		arr := *a.Array
		out.Array = &arr
	}
	return out
}
