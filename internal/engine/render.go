package engine

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/roach88/provflow/internal/ir"
	"github.com/roach88/provflow/internal/registry"
	"github.com/roach88/provflow/internal/store"
	"github.com/roach88/provflow/internal/transport"
)

// Files the engine places in, or expects from, a job's remote directory.
const (
	JobScriptName  = "_job.sh"
	JobStderrName  = "_job.err"
	ExitStatusName = "_exit_status"
)

var jobNameUnsafe = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// renderInput renders the Code's input template against the process inputs.
// Each input is visible to the template as its attribute mapping, under its
// link name. A Code without a template has no input file (nil result).
func renderInput(code *registry.Code, inputs map[string]*store.Node) ([]byte, error) {
	if code.InputTemplate == "" {
		return nil, nil
	}
	tmpl, err := template.New(code.FullLabel()).Option("missingkey=error").Parse(code.InputTemplate)
	if err != nil {
		return nil, fmt.Errorf("input template: %w", err)
	}
	data := make(map[string]any, len(inputs))
	for name, node := range inputs {
		if name == CodeInputName {
			continue
		}
		data[name] = ir.ToAny(node.Attributes)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("input template: %w", err)
	}
	return buf.Bytes(), nil
}

// jobResources turns a definition's resource request into scheduler terms,
// filling defaults from the computer.
func jobResources(def *Definition, code *registry.Code, comp *registry.Computer) (transport.JobResources, error) {
	walltime, err := def.Resources.walltime()
	if err != nil {
		return transport.JobResources{}, err
	}
	res := transport.JobResources{
		JobName:            jobName(def, code),
		NumMachines:        max(def.Resources.NumMachines, 1),
		MPIProcsPerMachine: def.Resources.MPIProcsPerMachine,
		Walltime:           walltime,
	}
	if res.MPIProcsPerMachine == 0 {
		res.MPIProcsPerMachine = max(comp.DefaultMPIProcs, 1)
	}
	return res, nil
}

// jobName must not depend on the process identity, or identical inputs
// would render different scripts.
func jobName(def *Definition, code *registry.Code) string {
	name := def.Label
	if name == "" {
		name = code.Name
	}
	return "provflow-" + strings.Trim(jobNameUnsafe.ReplaceAllString(name, "-"), "-")
}

// renderScript renders the complete job script. The script runs in the
// remote job directory, records the code's exit status in ExitStatusName and
// exits with it.
func renderScript(sched transport.Scheduler, def *Definition, code *registry.Code, res transport.JobResources, hasInput bool) []byte {
	var b strings.Builder
	header := sched.ScriptHeader(res)
	b.WriteString(header)
	if !strings.HasSuffix(header, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("\n")
	writeBlock(&b, code.PrependText)

	if def.Resources.WithMPI {
		fmt.Fprintf(&b, "mpirun -np %d ", res.NumMachines*res.MPIProcsPerMachine)
	}
	b.WriteString(shellQuote(code.RemotePath))
	if hasInput {
		b.WriteString(" < " + shellQuote(code.InputFilename))
	}
	fmt.Fprintf(&b, " > %s 2> %s\n", shellQuote(code.OutputFilename), shellQuote(JobStderrName))
	b.WriteString("status=$?\n")

	writeBlock(&b, code.AppendText)
	fmt.Fprintf(&b, "echo $status > %s\n", ExitStatusName)
	b.WriteString("exit $status\n")
	return []byte(b.String())
}

func writeBlock(b *strings.Builder, text string) {
	if text == "" {
		return
	}
	b.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
