package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Step is a stage bound to one job run and its configuration.
type Step struct {
	Stage

	// JobID is the id of the job this step was projected from.
	JobID string `json:"job_id"`

	// Config maps placeholder names to scalar values.
	Config map[string]any `json:"config"`
}

// Hash returns the hex encoded SHA-256 identity of the step.
//
// The digest covers the id, the command template and every configuration
// entry as "key:value" in ascending key order, so map iteration order never
// reaches the fingerprint. It does not depend on JobID.
func (s Step) Hash() string {
	keys := make([]string, 0, len(s.Config))
	for k := range s.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+":"+ValueText(s.Config[k]))
	}

	data := s.ID + "\n" + s.Command + "\n" + strings.Join(lines, "\n")
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Workdir returns the step's isolated directory relative to an executor's
// base working directory.
func (s Step) Workdir() string {
	return s.JobID + "/" + s.ID
}

// Equal reports whether two steps have the same identity and job.
func (s Step) Equal(o Step) bool {
	return s.JobID == o.JobID && s.Hash() == o.Hash()
}

// ValueText renders a configuration value in its canonical text form.
func ValueText(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
