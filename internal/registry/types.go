package registry

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"time"

	"github.com/roach88/provflow/internal/store"
)

var (
	// ErrAmbiguousCode indicates a bare code name matches several computers.
	ErrAmbiguousCode = errors.New("ambiguous code name")

	// ErrInvalid indicates a record failed validation.
	ErrInvalid = errors.New("invalid registry record")
)

// Defaults applied to Codes that do not set them.
const (
	DefaultInputFilename  = "job.in"
	DefaultOutputFilename = "job.out"
)

// Output formats understood by the CalcJob parser.
const (
	FormatJSON  = "json"
	FormatYAML  = "yaml"
	FormatInt   = "int"
	FormatFloat = "float"
	FormatText  = "text"
)

// Computer is where jobs run: a transport plugin to move files and a
// scheduler plugin to run them, rooted at WorkDir.
type Computer struct {
	Name                string        `json:"name" yaml:"name"`
	Hostname            string        `json:"hostname" yaml:"hostname"`
	Description         string        `json:"description,omitempty" yaml:"description,omitempty"`
	Transport           string        `json:"transport" yaml:"transport"`
	Scheduler           string        `json:"scheduler" yaml:"scheduler"`
	WorkDir             string        `json:"work_dir" yaml:"work_dir"`
	MinimumPollInterval time.Duration `json:"minimum_poll_interval" yaml:"minimum_poll_interval"`
	DefaultMPIProcs     int           `json:"default_mpiprocs" yaml:"default_mpiprocs"`
}

// Validate checks required fields.
func (c *Computer) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Transport == "" {
		errs = append(errs, errors.New("transport is required"))
	}
	if c.Scheduler == "" {
		errs = append(errs, errors.New("scheduler is required"))
	}
	if !path.IsAbs(c.WorkDir) {
		errs = append(errs, fmt.Errorf("work_dir %q must be absolute", c.WorkDir))
	}
	if c.MinimumPollInterval < 0 {
		errs = append(errs, errors.New("minimum_poll_interval must not be negative"))
	}
	if c.DefaultMPIProcs < 0 {
		errs = append(errs, errors.New("default_mpiprocs must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("computer %q: %w: %w", c.Name, ErrInvalid, err)
	}
	return nil
}

func (c *Computer) applyDefaults() {
	if c.Hostname == "" {
		c.Hostname = "localhost"
	}
	if c.DefaultMPIProcs == 0 {
		c.DefaultMPIProcs = 1
	}
}

func (c *Computer) record() store.ComputerRecord {
	return store.ComputerRecord{
		Name:                c.Name,
		Hostname:            c.Hostname,
		Description:         c.Description,
		Transport:           c.Transport,
		Scheduler:           c.Scheduler,
		WorkDir:             c.WorkDir,
		MinimumPollInterval: c.MinimumPollInterval,
		DefaultMPIProcs:     c.DefaultMPIProcs,
	}
}

func computerFromRecord(r *store.ComputerRecord) *Computer {
	return &Computer{
		Name:                r.Name,
		Hostname:            r.Hostname,
		Description:         r.Description,
		Transport:           r.Transport,
		Scheduler:           r.Scheduler,
		WorkDir:             r.WorkDir,
		MinimumPollInterval: r.MinimumPollInterval,
		DefaultMPIProcs:     r.DefaultMPIProcs,
	}
}

// OutputSpec declares one parsed output of a Code.
type OutputSpec struct {
	Name     string `json:"name" yaml:"name"`
	File     string `json:"file" yaml:"file"`
	Format   string `json:"format" yaml:"format"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// ErrorPattern maps a regular expression over the job's stdout to an exit
// code. Codes below 400 are reserved for the CalcJob executor.
type ErrorPattern struct {
	Pattern  string `json:"pattern" yaml:"pattern"`
	ExitCode int    `json:"exit_code" yaml:"exit_code"`
	Message  string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Code is an executable installed on a Computer, plus how to feed it and
// how to read its results.
type Code struct {
	Name           string         `json:"name" yaml:"name"`
	Computer       string         `json:"computer" yaml:"computer"`
	RemotePath     string         `json:"remote_path" yaml:"remote_path"`
	Description    string         `json:"description,omitempty" yaml:"description,omitempty"`
	InputTemplate  string         `json:"input_template,omitempty" yaml:"input_template,omitempty"`
	InputFilename  string         `json:"input_filename" yaml:"input_filename"`
	OutputFilename string         `json:"output_filename" yaml:"output_filename"`
	PrependText    string         `json:"prepend_text,omitempty" yaml:"prepend_text,omitempty"`
	AppendText     string         `json:"append_text,omitempty" yaml:"append_text,omitempty"`
	OutputSchema   []OutputSpec   `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	ErrorPatterns  []ErrorPattern `json:"error_patterns,omitempty" yaml:"error_patterns,omitempty"`

	// NodeID is the sealed data.code node backing this Code.
	NodeID int64 `json:"-" yaml:"-"`
}

// FullLabel returns "name@computer".
func (c *Code) FullLabel() string {
	return c.Name + "@" + c.Computer
}

// Validate checks required fields, output formats and error patterns.
func (c *Code) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Computer == "" {
		errs = append(errs, errors.New("computer is required"))
	}
	if c.RemotePath == "" {
		errs = append(errs, errors.New("remote_path is required"))
	}
	seen := make(map[string]bool)
	for _, o := range c.OutputSchema {
		if o.Name == "" || o.File == "" {
			errs = append(errs, errors.New("output_schema entries need name and file"))
			continue
		}
		if seen[o.Name] {
			errs = append(errs, fmt.Errorf("duplicate output %q", o.Name))
		}
		seen[o.Name] = true
		switch o.Format {
		case FormatJSON, FormatYAML, FormatInt, FormatFloat, FormatText:
		default:
			errs = append(errs, fmt.Errorf("output %q: unknown format %q", o.Name, o.Format))
		}
	}
	for _, p := range c.ErrorPatterns {
		if _, err := regexp.Compile(p.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("error pattern %q: %w", p.Pattern, err))
		}
		if p.ExitCode < 400 {
			errs = append(errs, fmt.Errorf("error pattern %q: exit code %d is reserved", p.Pattern, p.ExitCode))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("code %q: %w: %w", c.Name, ErrInvalid, err)
	}
	return nil
}

func (c *Code) applyDefaults() {
	if c.InputFilename == "" {
		c.InputFilename = DefaultInputFilename
	}
	if c.OutputFilename == "" {
		c.OutputFilename = DefaultOutputFilename
	}
}

// RecognizesExitCode reports whether code is declared by one of the Code's
// error patterns.
func (c *Code) RecognizesExitCode(code int) bool {
	for _, p := range c.ErrorPatterns {
		if p.ExitCode == code {
			return true
		}
	}
	return false
}
