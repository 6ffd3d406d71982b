package execution

import (
	"errors"
	"fmt"
	"strings"

	"github.com/CZERTAINLY/Conan/internal/model"
)

// JobIndexPlaceholder is substituted by the per element index variable of
// a scheduler in job array commands.
const JobIndexPlaceholder = "${CONAN_JOB_INDEX}"

var ErrNoJobID = errors.New("job id not found in scheduler output")

// Scheduler translates commands into the syntax of a cluster job
// submission system. Implementations are immutable values, WithArgs returns
// a modified copy.
type Scheduler interface {
	Name() string
	Args() Args
	WithArgs(Args) Scheduler
	// SubmitCommand wraps command into a submission. A monitored submission
	// blocks until the job finishes, otherwise it returns once the job is queued.
	SubmitCommand(command string, monitored bool) string
	// WaitCommand is a monitored submission of a no-op job which starts once
	// the condition holds.
	WaitCommand(cond WaitCondition) string
	KillCommand(jobID int) string
	Condition(cond WaitCondition) string
	ParseJobID(output []string) (int, error)
	// JobIndex is the shell expression evaluating to the job array index.
	JobIndex() string
}

// NewScheduler returns a scheduler configured by cfg or nil if cfg is nil.
func NewScheduler(cfg *model.Scheduler) (Scheduler, error) {
	if cfg == nil {
		return nil, nil
	}
	args := Args{
		Queue:       cfg.Queue,
		Project:     cfg.Project,
		OpenMPI:     cfg.OpenMPI,
		ExtraArgs:   cfg.ExtraArgs,
		BackupEmail: cfg.BackupEmail,
	}
	switch cfg.Type {
	case model.SchedulerLSF:
		return LSF{args: args.Copy()}, nil
	case model.SchedulerPBS:
		return PBS{args: args.Copy()}, nil
	default:
		return nil, fmt.Errorf("unsupported scheduler %q", cfg.Type)
	}
}

// shellQuote quotes s for a POSIX shell, so variables are expanded by the
// job and not by the submitting shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// opts collects command line options, skipping the empty ones.
type opts []string

func (o *opts) add(flag, value string) {
	if value == "" {
		return
	}
	if flag == "" {
		*o = append(*o, value)
		return
	}
	*o = append(*o, flag, value)
}

func (o *opts) addIf(cond bool, values ...string) {
	if cond {
		*o = append(*o, values...)
	}
}

func (o opts) String() string {
	return strings.Join(o, " ")
}
