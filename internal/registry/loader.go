package registry

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// File is the decoded content of a registry file.
type File struct {
	Computers []Computer
	Codes     []Code
}

// fileComputer mirrors Computer with a textual duration, as written in files.
type fileComputer struct {
	Name                string `json:"name"`
	Hostname            string `json:"hostname"`
	Description         string `json:"description"`
	Transport           string `json:"transport"`
	Scheduler           string `json:"scheduler"`
	WorkDir             string `json:"work_dir"`
	MinimumPollInterval string `json:"minimum_poll_interval"`
	DefaultMPIProcs     int    `json:"default_mpiprocs"`
}

type fileRegistry struct {
	Computers []fileComputer `json:"computers"`
	Codes     []Code         `json:"codes"`
}

// ParseFile reads a registry file and validates it against the schema.
// The format is chosen by extension: .cue, or .yaml/.yml/.json.
func ParseFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	return Parse(data, filepath.Base(path))
}

// Parse validates registry content. name selects the format by extension
// and labels error positions.
func Parse(data []byte, name string) (*File, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile registry schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Registry"))

	var value cue.Value
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cue":
		value = ctx.CompileBytes(data, cue.Filename(name))
	case ".yaml", ".yml", ".json":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
		value = ctx.Encode(raw)
	default:
		return nil, fmt.Errorf("parse %s: unsupported extension", name)
	}
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}

	unified := def.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate %s: %w: %w", name, ErrInvalid, err)
	}

	var raw fileRegistry
	if err := unified.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}

	f := &File{Codes: raw.Codes}
	for _, fc := range raw.Computers {
		c := Computer{
			Name:            fc.Name,
			Hostname:        fc.Hostname,
			Description:     fc.Description,
			Transport:       fc.Transport,
			Scheduler:       fc.Scheduler,
			WorkDir:         fc.WorkDir,
			DefaultMPIProcs: fc.DefaultMPIProcs,
		}
		if fc.MinimumPollInterval != "" {
			d, err := time.ParseDuration(fc.MinimumPollInterval)
			if err != nil {
				return nil, fmt.Errorf("computer %q: minimum_poll_interval: %w", fc.Name, err)
			}
			c.MinimumPollInterval = d
		}
		f.Computers = append(f.Computers, c)
	}
	return f, nil
}

// LoadResult summarises what LoadFile wrote.
type LoadResult struct {
	Computers []string
	Codes     []string
}

// LoadFile parses path and registers every computer, then every code.
// Loading the same file twice is a no-op.
func (r *Registry) LoadFile(ctx context.Context, path string) (*LoadResult, error) {
	f, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return r.Load(ctx, f)
}

// Load registers the content of a parsed registry file.
func (r *Registry) Load(ctx context.Context, f *File) (*LoadResult, error) {
	res := &LoadResult{}
	for _, c := range f.Computers {
		if _, err := r.PutComputer(ctx, c); err != nil {
			return res, err
		}
		res.Computers = append(res.Computers, c.Name)
	}
	for _, c := range f.Codes {
		code, err := r.PutCode(ctx, c)
		if err != nil {
			return res, err
		}
		res.Codes = append(res.Codes, code.FullLabel())
	}
	return res, nil
}
