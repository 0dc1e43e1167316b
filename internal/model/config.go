package model

import (
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Enum helpers (optional).
const (
	KindNumerical        = "numerical"
	KindCategorical      = "categorical"
	KindKAnonymity       = "k-anonymity"
	KindLDiversity       = "l-diversity"
	KindKMap             = "k-map"
	KindKAnonymityEntity = "k-anonymity-entity"

	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx    *cue.Context
	schema    cue.Value
	auditKind cue.Value
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

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}

	auditKind = compiled.LookupPath(cue.ParsePath("#Audit.kind"))
}

type Config struct {
	Version  int       `json:"version" yaml:"version"` // fixed 0 for now
	Project  string    `json:"project" yaml:"project"`
	Location string    `json:"location" yaml:"location"`
	Table    *TableRef `json:"table,omitempty" yaml:"table,omitempty"` // default source table
	Notify   Notify    `json:"notify" yaml:"notify"`
	Wait     Wait      `json:"wait" yaml:"wait"`
	Service  Service   `json:"service" yaml:"service"`
	Audits   []Audit   `json:"audits,omitempty" yaml:"audits,omitempty"`
}

// Notify names the per-invocation notification channels.
type Notify struct {
	Prefix string `json:"prefix" yaml:"prefix"`
}

// Wait bounds the job completion waiter. Budget and PollInterval use the
// Go duration syntax, e.g. "10m" or "90s".
type Wait struct {
	Budget       string `json:"budget" yaml:"budget"`
	PollInterval string `json:"poll_interval" yaml:"poll_interval"`
	PollAttempts int    `json:"poll_attempts" yaml:"poll_attempts"`
}

// Service drives the audit supervisor. Report sink fields are flattened.
type Service struct {
	Mode     string         `json:"mode" yaml:"mode"` // "manual" | "timer"
	Verbose  bool           `json:"verbose" yaml:"verbose"`
	Parallel int            `json:"parallel" yaml:"parallel"` // concurrent audits
	Schedule *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Dir      string         `json:"dir,omitempty" yaml:"dir,omitempty"`       // report directory
	Bucket   string         `json:"bucket,omitempty" yaml:"bucket,omitempty"` // report GCS bucket
	KeepJobs bool           `json:"keep_jobs" yaml:"keep_jobs"`
}

// TimerSchedule configures the timer mode, either as a 5 field cron
// expression or as an ISO8601 duration.
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Audit is one named analysis the supervisor runs. Which parameter fields
// matter depends on Kind.
type Audit struct {
	Name      string    `json:"name" yaml:"name"`
	Kind      string    `json:"kind" yaml:"kind"`
	Table     *TableRef `json:"table,omitempty" yaml:"table,omitempty"`
	Column    string    `json:"column,omitempty" yaml:"column,omitempty"`
	QuasiIDs  []string  `json:"quasi_ids,omitempty" yaml:"quasi_ids,omitempty"`
	Sensitive string    `json:"sensitive,omitempty" yaml:"sensitive,omitempty"`
	InfoTypes []string  `json:"info_types,omitempty" yaml:"info_types,omitempty"`
	Region    string    `json:"region,omitempty" yaml:"region,omitempty"`
	Entity    string    `json:"entity,omitempty" yaml:"entity,omitempty"`
	Output    *TableRef `json:"output,omitempty" yaml:"output,omitempty"`
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
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig is what gauge writes on a first run when no config exists.
func DefaultConfig() Config {
	return Config{
		Version:  0,
		Project:  "",
		Location: "global",
		Notify:   Notify{Prefix: "gauge"},
		Wait:     Wait{Budget: "10m", PollInterval: "30s", PollAttempts: 30},
		Service:  Service{Mode: ServiceModeManual, Parallel: 2},
	}
}
