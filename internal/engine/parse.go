package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/provflow/internal/ir"
	"github.com/roach88/provflow/internal/registry"
	"github.com/roach88/provflow/internal/transport"
)

// CalcJob exit codes. Codes of 400 and above belong to the Code's own
// error patterns.
const (
	ExitOK              = 0
	ExitRemoteIO        = 110
	ExitSchedulerFailed = 120
	ExitOutOfWalltime   = 130
	ExitOutputMissing   = 300
	ExitOutputParsing   = 310
	ExitRemoteNonzero   = 320
	ExitUnspecified     = 399
)

// isEngineExitCode reports whether code is one of the executor's own
// recognized failure modes. ExitUnspecified is deliberately excluded.
func isEngineExitCode(code int) bool {
	switch code {
	case ExitRemoteIO, ExitSchedulerFailed, ExitOutOfWalltime,
		ExitOutputMissing, ExitOutputParsing, ExitRemoteNonzero:
		return true
	}
	return false
}

// verdict is the parser's conclusion about a finished job.
type verdict struct {
	exitCode int
	message  string
	outputs  map[string]ir.Object // output name -> Data attributes
}

// retrievedFiles gives the parser access to files fetched from the job
// directory, keyed by their path relative to it.
type retrievedFiles interface {
	file(ctx context.Context, name string) ([]byte, bool, error)
	blobHash(name string) string
}

// judge decides a finished job's exit code and, on success, its outputs.
// Checks run in order: scheduler verdict, error patterns over stdout, the
// recorded exit status, then the declared outputs.
func judge(ctx context.Context, code *registry.Code, cp *calcCheckpoint, files retrievedFiles) (verdict, error) {
	if transport.JobStatus(cp.JobStatus) == transport.StatusFailed {
		if cp.Reason == transport.ReasonWalltime {
			return verdict{exitCode: ExitOutOfWalltime, message: "job exceeded its walltime"}, nil
		}
		msg := "scheduler reported job failure"
		if cp.Reason != "" {
			msg += ": " + cp.Reason
		}
		return verdict{exitCode: ExitSchedulerFailed, message: msg}, nil
	}

	stdout, ok, err := files.file(ctx, code.OutputFilename)
	if err != nil {
		return verdict{}, err
	}
	if ok {
		for _, p := range code.ErrorPatterns {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return verdict{}, fmt.Errorf("error pattern %q: %w", p.Pattern, err)
			}
			if re.Match(stdout) {
				msg := p.Message
				if msg == "" {
					msg = fmt.Sprintf("output matched error pattern %q", p.Pattern)
				}
				return verdict{exitCode: p.ExitCode, message: msg}, nil
			}
		}
	}

	raw, ok, err := files.file(ctx, ExitStatusName)
	if err != nil {
		return verdict{}, err
	}
	if !ok {
		return verdict{exitCode: ExitUnspecified, message: "job left no exit status"}, nil
	}
	status, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return verdict{exitCode: ExitUnspecified, message: fmt.Sprintf("unreadable exit status %q", strings.TrimSpace(string(raw)))}, nil
	}
	if status != 0 {
		return verdict{exitCode: ExitRemoteNonzero, message: fmt.Sprintf("code exited with status %d", status)}, nil
	}

	outputs := make(map[string]ir.Object, len(code.OutputSchema))
	for _, spec := range code.OutputSchema {
		data, ok, err := files.file(ctx, spec.File)
		if err != nil {
			return verdict{}, err
		}
		if !ok {
			if spec.Required {
				return verdict{
					exitCode: ExitOutputMissing,
					message:  fmt.Sprintf("required output %q (%s) is missing", spec.Name, spec.File),
				}, nil
			}
			continue
		}
		attrs, err := outputAttributes(spec, data, files.blobHash(spec.File))
		if err != nil {
			return verdict{
				exitCode: ExitOutputParsing,
				message:  fmt.Sprintf("output %q: %v", spec.Name, err),
			}, nil
		}
		outputs[spec.Name] = attrs
	}
	return verdict{exitCode: ExitOK, outputs: outputs}, nil
}

// outputAttributes builds the attributes of an output Data node. Text
// outputs reference their blob instead of inlining the content.
func outputAttributes(spec registry.OutputSpec, data []byte, blob string) (ir.Object, error) {
	attrs := ir.Object{"format": ir.String(spec.Format)}
	if spec.Format == registry.FormatText {
		attrs["blob"] = ir.String(blob)
		attrs["size"] = ir.Int(len(data))
		return attrs, nil
	}
	v, err := parseValue(spec.Format, data)
	if err != nil {
		return nil, err
	}
	attrs["value"] = v
	return attrs, nil
}

func parseValue(format string, data []byte) (ir.Value, error) {
	switch format {
	case registry.FormatJSON:
		return ir.ParseJSON(data)
	case registry.FormatYAML:
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return ir.FromAny(normalizeYAML(v))
	case registry.FormatInt:
		n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return nil, err
		}
		return ir.Int(n), nil
	case registry.FormatFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			return nil, err
		}
		return ir.FromAny(f)
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

// normalizeYAML converts map[any]any, which yaml.v3 produces for mappings
// with non-string keys, into map[string]any.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, elem := range val {
			val[k] = normalizeYAML(elem)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[fmt.Sprint(k)] = normalizeYAML(elem)
		}
		return out
	case []any:
		for i, elem := range val {
			val[i] = normalizeYAML(elem)
		}
		return val
	}
	return v
}
