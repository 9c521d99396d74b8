package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// checkpointVersion is bumped when a checkpoint struct changes shape.
const checkpointVersion = 1

// ProcessNode attribute keys written by the engine.
const (
	attrDefinition = "definition"
	attrInputsHash = "inputs_hash"
	attrComputer   = "computer"
	attrCode       = "code"
	attrJobScript  = "job_script"
	attrInputFile  = "input_file"
	attrRemoteDir  = "remote_dir"
	attrJobID      = "job_id"
	attrRetrieved  = "retrieved"
)

// CalcJob stages. WAITING_ON_SCHEDULER is paired with state WAITING, the
// others with RUNNING.
const (
	StageUploading          = "UPLOADING"
	StageSubmitting         = "SUBMITTING"
	StageWaitingOnScheduler = "WAITING_ON_SCHEDULER"
	StageRetrieving         = "RETRIEVING"
	StageParsing            = "PARSING"
)

// calcCheckpoint is everything a CalcJob needs to resume.
type calcCheckpoint struct {
	Version   int    `json:"version"`
	RemoteDir string `json:"remote_dir,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	// SubmitStarted is set, and saved, before the scheduler is asked to
	// submit; it is cleared once the job id is recorded.
	SubmitStarted *time.Time `json:"submit_started,omitempty"`
	JobStatus string `json:"job_status,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Polls     int    `json:"polls,omitempty"`
	// Retrieved maps retrieved file names to blob hashes.
	Retrieved map[string]string `json:"retrieved,omitempty"`
}

// workflowCheckpoint records the position in the step list and what each
// step has done so far.
type workflowCheckpoint struct {
	Version int          `json:"version"`
	Current int          `json:"current"`
	Steps   []stepRecord `json:"steps"`
}

type stepRecord struct {
	Name     string `json:"name"`
	Child    int64  `json:"child,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	State    string `json:"state,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

func newWorkflowCheckpoint(def *Definition) workflowCheckpoint {
	cp := workflowCheckpoint{Version: checkpointVersion, Steps: make([]stepRecord, len(def.Steps))}
	for i, st := range def.Steps {
		cp.Steps[i].Name = st.Name
	}
	return cp
}

func encodeCheckpoint(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

func decodeCheckpoint(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	return nil
}

func checkVersion(got int) error {
	if got != checkpointVersion {
		return fmt.Errorf("checkpoint version %d, want %d", got, checkpointVersion)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
