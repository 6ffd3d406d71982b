package model

import (
	"context"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	LocalityLocal = "local"
	LocalitySSH   = "ssh"

	SchedulerLSF = "lsf"
	SchedulerPBS = "pbs"

	DefaultDaemonUser = "conan-daemon"
	DefaultBatchSize  = 250
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	root   cue.Value
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	root = compiled
	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// Config is the immutable configuration of a conan instance. It is decoded
// once on startup and handed to every component by value.
type Config struct {
	Version      int           `json:"version" yaml:"version"`
	Service      Service       `json:"service" yaml:"service"`
	Submission   Submission    `json:"submission" yaml:"submission"`
	Daemon       Daemon        `json:"daemon" yaml:"daemon"`
	Execution    Execution     `json:"execution" yaml:"execution"`
	Notification *Notification `json:"notification,omitempty" yaml:"notification,omitempty"`
	Processes    []Process     `json:"processes,omitempty" yaml:"processes,omitempty"`
	Pipelines    []Pipeline    `json:"pipelines,omitempty" yaml:"pipelines,omitempty"`
	Users        []UserEntry   `json:"users,omitempty" yaml:"users,omitempty"`
}

type Service struct {
	Verbose       bool     `json:"verbose" yaml:"verbose"`
	Log           string   `json:"log" yaml:"log"`     // "stderr"|"stdout"|"discard"|path
	Store         string   `json:"store" yaml:"store"` // sqlite database path
	PipelineOrder string   `json:"pipeline_order,omitempty" yaml:"pipeline_order,omitempty"`
	Metrics       *Metrics `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

type Metrics struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

type Submission struct {
	ParallelJobs    int    `json:"parallel_jobs" yaml:"parallel_jobs"`
	CoolingOff      string `json:"cooling_off" yaml:"cooling_off"` // ISO8601 duration
	Poll            string `json:"poll" yaml:"poll"`
	QueuePoll       string `json:"queue_poll" yaml:"queue_poll"` // how often tasks queued by `conan submit --queue` are picked up
	ShutdownTimeout string `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type Daemon struct {
	Enabled   bool    `json:"enabled" yaml:"enabled"`
	Poll      string  `json:"poll" yaml:"poll"`
	Cron      string  `json:"cron,omitempty" yaml:"cron,omitempty"`
	BatchSize int     `json:"batch_size" yaml:"batch_size"`
	User      string  `json:"user" yaml:"user"`
	Email     string  `json:"email,omitempty" yaml:"email,omitempty"`
	Inputs    []Input `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// Input declares a daemon input provider. Exactly one of Command and File is set.
type Input struct {
	Name      string `json:"name" yaml:"name"`
	Parameter string `json:"parameter" yaml:"parameter"`
	Command   string `json:"command,omitempty" yaml:"command,omitempty"`
	File      string `json:"file,omitempty" yaml:"file,omitempty"`
}

type Execution struct {
	OutputDir string     `json:"output_dir" yaml:"output_dir"`
	Locality  Locality   `json:"locality" yaml:"locality"`
	Scheduler *Scheduler `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
}

type Locality struct {
	Type       string `json:"type" yaml:"type"` // "local" | "ssh"
	Host       string `json:"host,omitempty" yaml:"host,omitempty"`
	Port       int    `json:"port,omitempty" yaml:"port,omitempty"`
	User       string `json:"user,omitempty" yaml:"user,omitempty"`
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	KnownHosts string `json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"`
}

type Scheduler struct {
	Type        string   `json:"type" yaml:"type"` // "lsf" | "pbs"
	Queue       string   `json:"queue,omitempty" yaml:"queue,omitempty"`
	Project     string   `json:"project,omitempty" yaml:"project,omitempty"`
	OpenMPI     bool     `json:"openmpi" yaml:"openmpi"`
	ExtraArgs   []string `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
	BackupEmail string   `json:"backup_email,omitempty" yaml:"backup_email,omitempty"`
}

type Notification struct {
	SMTP *SMTP `json:"smtp,omitempty" yaml:"smtp,omitempty"`
}

type SMTP struct {
	Server   string   `json:"server" yaml:"server"` // host:port
	From     string   `json:"from" yaml:"from"`
	Password string   `json:"password,omitempty" yaml:"password,omitempty"`
	To       []string `json:"to,omitempty" yaml:"to,omitempty"`
}

// Process declares a command based process.
type Process struct {
	Name           string      `json:"name" yaml:"name"`
	Command        string      `json:"command" yaml:"command"` // text/template over parameter values
	Parameters     []Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Threads        int         `json:"threads" yaml:"threads"`
	MemoryMB       int         `json:"memory_mb" yaml:"memory_mb"`
	Parallel       bool        `json:"parallel" yaml:"parallel"`
	NonRecoverable bool        `json:"non_recoverable" yaml:"non_recoverable"`
}

type Parameter struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Pattern     string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

type Pipeline struct {
	Name       string   `json:"name" yaml:"name"`
	Creator    string   `json:"creator" yaml:"creator"`
	Private    bool     `json:"private" yaml:"private"`
	Daemonized bool     `json:"daemonized" yaml:"daemonized"`
	Processes  []string `json:"processes" yaml:"processes"`
}

type UserEntry struct {
	Name       string `json:"name" yaml:"name"`
	Email      string `json:"email,omitempty" yaml:"email,omitempty"`
	Permission string `json:"permission" yaml:"permission"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig returns the configuration stored on a first start, when no
// config file exists yet.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Service: Service{
			Log:   LogStderr,
			Store: "conan.db",
		},
		Submission: Submission{
			ParallelJobs:    4,
			CoolingOff:      "PT10S",
			Poll:            "PT1S",
			QueuePoll:       "PT5S",
			ShutdownTimeout: "PT30S",
		},
		Daemon: Daemon{
			Poll:      "PT1H",
			BatchSize: DefaultBatchSize,
			User:      DefaultDaemonUser,
		},
		Execution: Execution{
			OutputDir: "output",
			Locality:  Locality{Type: LocalityLocal},
		},
	}
}

// Durations holds the parsed duration fields of a Config.
type Durations struct {
	CoolingOff      time.Duration
	SubmissionPoll  time.Duration
	QueuePoll       time.Duration
	ShutdownTimeout time.Duration
	DaemonPoll      time.Duration
}

// ParseDurations parses every ISO8601 duration the config carries.
func (c Config) ParseDurations() (Durations, error) {
	var d Durations
	for _, f := range []struct {
		path  string
		value string
		dst   *time.Duration
	}{
		{"submission.cooling_off", c.Submission.CoolingOff, &d.CoolingOff},
		{"submission.poll", c.Submission.Poll, &d.SubmissionPoll},
		{"submission.queue_poll", c.Submission.QueuePoll, &d.QueuePoll},
		{"submission.shutdown_timeout", c.Submission.ShutdownTimeout, &d.ShutdownTimeout},
		{"daemon.poll", c.Daemon.Poll, &d.DaemonPoll},
	} {
		v, err := ParseISODuration(f.value)
		if err != nil {
			return Durations{}, fmt.Errorf("parsing %s: %w", f.path, err)
		}
		*f.dst = v
	}
	return d, nil
}
