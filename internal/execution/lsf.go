package execution

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var lsfJobIDRx = regexp.MustCompile(`Job <(\d+)>`)

var lsfStatus = map[ExitStatus]string{
	CompletedSuccess: "done",
	CompletedFailed:  "exit",
	CompletedAny:     "ended",
}

// LSF submits jobs with bsub.
type LSF struct {
	args Args
}

func NewLSF(args Args) LSF {
	return LSF{args: args.Copy()}
}

func (LSF) Name() string { return "LSF" }

func (s LSF) Args() Args { return s.args.Copy() }

func (s LSF) WithArgs(args Args) Scheduler {
	return LSF{args: args.Copy()}
}

func (s LSF) SubmitCommand(command string, monitored bool) string {
	a := s.args
	var o opts
	o.add("", "bsub")
	o.addIf(monitored, "-K")
	o.add("-J", s.jobName())
	o.add("-q", a.Queue)
	if a.LogFile != "" {
		log := a.LogFile
		if a.Array != nil {
			log += ".%I"
		}
		o.add("-oo", log)
	}
	if !a.Wait.IsZero() {
		o.add("-w", shellQuote(s.Condition(a.Wait)))
	}
	o.addIf(a.Threads > 1, "-n", strconv.Itoa(a.Threads))
	o.add("-P", a.Project)
	o.addIf(a.OpenMPI, "-a", "openmpi")
	var usage []string
	for _, e := range a.ExtraArgs {
		if rest, ok := strings.CutPrefix(e, "-R"); ok {
			usage = append(usage, strings.TrimSpace(rest))
			continue
		}
		o.add("", e)
	}
	if a.MemoryMB > 0 {
		usage = append([]string{fmt.Sprintf("rusage[mem=%d]", a.MemoryMB)}, usage...)
	}
	if a.Threads > 1 {
		usage = append(usage, fmt.Sprintf("span[ptile=%d]", a.Threads))
	}
	if len(usage) > 0 {
		o.add("-R", shellQuote(strings.Join(usage, " ")))
	}
	o.add("-u", a.BackupEmail)
	o.add("", shellQuote(command))
	return o.String()
}

func (s LSF) jobName() string {
	a := s.args
	if a.Array == nil || a.JobName == "" {
		return a.JobName
	}
	name := fmt.Sprintf("%s[%d-%d", a.JobName, a.Array.Min, a.Array.Max)
	if a.Array.Step > 1 {
		name += ":" + strconv.Itoa(a.Array.Step)
	}
	name += "]"
	if a.Array.MaxSimultaneous > 0 {
		name += "%" + strconv.Itoa(a.Array.MaxSimultaneous)
	}
	return shellQuote(name)
}

func (s LSF) WaitCommand(cond WaitCondition) string {
	a := s.args
	var o opts
	o.add("", "bsub")
	o.add("", "-K")
	o.add("-J", a.JobName)
	o.add("-u", a.BackupEmail)
	o.add("-oo", a.LogFile)
	o.add("-w", shellQuote(s.Condition(cond)))
	o.add("-q", a.Queue)
	o.add("", shellQuote("sleep 1 2>&1"))
	return o.String()
}

func (LSF) KillCommand(jobID int) string {
	return "bkill " + strconv.Itoa(jobID)
}

// Condition returns LSF dependency expression, like done(1) && done(2).
func (LSF) Condition(cond WaitCondition) string {
	status := lsfStatus[cond.Status]
	parts := make([]string, 0, len(cond.JobIDs)+1)
	for _, id := range cond.JobIDs {
		parts = append(parts, fmt.Sprintf("%s(%d)", status, id))
	}
	if cond.Expr != "" {
		parts = append(parts, fmt.Sprintf("%s(%s)", status, cond.Expr))
	}
	return strings.Join(parts, " && ")
}

func (LSF) ParseJobID(output []string) (int, error) {
	for _, line := range output {
		m := lsfJobIDRx.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		return strconv.Atoi(m[1])
	}
	return 0, ErrNoJobID
}

func (LSF) JobIndex() string { return "$LSB_JOBINDEX" }
