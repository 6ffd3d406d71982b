package execution

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PBS limits job names to 15 characters
const pbsMaxJobName = 15

var pbsJobIDRx = regexp.MustCompile(`^\s*(\d+)(\[\])?\.`)

var pbsStatus = map[ExitStatus]string{
	CompletedSuccess: "afterok",
	CompletedFailed:  "afternotok",
	CompletedAny:     "afterany",
}

// PBS submits jobs with qsub, the job script is passed on stdin.
type PBS struct {
	args Args
}

func NewPBS(args Args) PBS {
	return PBS{args: args.Copy()}
}

func (PBS) Name() string { return "PBS" }

func (s PBS) Args() Args { return s.args.Copy() }

func (s PBS) WithArgs(args Args) Scheduler {
	return PBS{args: args.Copy()}
}

func (s PBS) SubmitCommand(command string, monitored bool) string {
	a := s.args
	var o opts
	o.add("", "qsub")
	o.add("", "-V")
	o.add("-N", compressJobName(a.JobName))
	o.add("-q", a.Queue)
	o.add("-P", a.Project)
	if a.LogFile != "" {
		o.add("-o", a.LogFile)
		o.add("-j", "oe")
	}
	var w []string
	if monitored {
		w = append(w, "block=true")
	}
	if !a.Wait.IsZero() {
		w = append(w, "depend="+s.Condition(a.Wait))
	}
	if len(w) > 0 {
		o.add("-W", strings.Join(w, ","))
	}
	if a.Threads > 0 || a.MemoryMB > 0 {
		sel := "select=1"
		if a.Threads > 0 {
			sel += ":ncpus=" + strconv.Itoa(a.Threads)
		}
		if a.Threads > 1 && a.OpenMPI {
			sel += ":mpiprocs=" + strconv.Itoa(a.Threads)
		}
		if a.MemoryMB > 0 {
			sel += fmt.Sprintf(":mem=%dG", (a.MemoryMB+999)/1000)
		}
		o.add("-l", sel)
	}
	if a.Array != nil {
		r := fmt.Sprintf("%d-%d", a.Array.Min, a.Array.Max)
		if a.Array.Step > 1 {
			r += ":" + strconv.Itoa(a.Array.Step)
		}
		if a.Array.MaxSimultaneous > 0 {
			r += "%" + strconv.Itoa(a.Array.MaxSimultaneous)
		}
		o.add("-J", r)
	}
	o.add("-M", a.BackupEmail)
	for _, e := range a.ExtraArgs {
		o.add("", e)
	}
	return "echo " + shellQuote(command) + " | " + o.String()
}

func (s PBS) WaitCommand(cond WaitCondition) string {
	a := s.args
	var o opts
	o.add("", "qsub")
	o.add("-N", compressJobName(a.JobName))
	o.add("-q", a.Queue)
	if a.LogFile != "" {
		o.add("-o", a.LogFile)
		o.add("-j", "oe")
	}
	o.add("-W", "block=true,depend="+s.Condition(cond))
	return "echo " + shellQuote("sleep 1 2>&1") + " | " + o.String()
}

func (PBS) KillCommand(jobID int) string {
	return "qdel " + strconv.Itoa(jobID)
}

// Condition returns PBS dependency list, like afterok:1:2.
func (PBS) Condition(cond WaitCondition) string {
	parts := []string{pbsStatus[cond.Status]}
	for _, id := range cond.JobIDs {
		parts = append(parts, strconv.Itoa(id))
	}
	if cond.Expr != "" {
		parts = append(parts, cond.Expr)
	}
	return strings.Join(parts, ":")
}

func (PBS) ParseJobID(output []string) (int, error) {
	for _, line := range output {
		m := pbsJobIDRx.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		return strconv.Atoi(m[1])
	}
	return 0, ErrNoJobID
}

func (PBS) JobIndex() string { return "$PBS_ARRAY_INDEX" }

// compressJobName shortens a name to the PBS limit keeping both its ends,
// which usually carry the task and the process name.
func compressJobName(name string) string {
	if len(name) <= pbsMaxJobName {
		return name
	}
	head := pbsMaxJobName / 2
	tail := pbsMaxJobName - head
	return name[:head] + name[len(name)-tail:]
}
