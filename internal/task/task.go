package task

import (
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Default priorities assigned at submission. Lower means more urgent.
const (
	DefaultVideoPriority = 10
	DefaultImagePriority = 20
)

// Options is the closed set of flags the processor understands. Each field
// maps to exactly one command-line argument; unsupported combinations cannot
// be expressed, which catches typos at the boundary instead of at dispatch.
type Options struct {
	FaceSwapper  bool `json:"frame_processor_face_swapper"`
	FaceEnhancer bool `json:"frame_processor_face_enhancer"`
	KeepFPS      bool `json:"keep_fps"`
	KeepAudio    bool `json:"keep_audio"`
	KeepFrames   bool `json:"keep_frames"`
	ManyFaces    bool `json:"many_faces"`
	MapFaces     bool `json:"map_faces"`
	MouthMask    bool `json:"mouth_mask"`
	ProviderCUDA bool `json:"execution_provider_cuda"`
	ProviderCPU  bool `json:"execution_provider_cpu"`
}

// Args renders the option flags passed to the processor after the -s/-t/-o
// arguments. When no execution provider is selected the portable cpu
// provider is used.
func (o Options) Args() []string {
	var args []string

	var processors []string
	if o.FaceSwapper {
		processors = append(processors, "face_swapper")
	}
	if o.FaceEnhancer {
		processors = append(processors, "face_enhancer")
	}
	if len(processors) > 0 {
		args = append(args, "--frame-processor")
		args = append(args, processors...)
	}

	if o.KeepFPS {
		args = append(args, "--keep-fps")
	}
	if o.KeepAudio {
		args = append(args, "--keep-audio")
	}
	if o.KeepFrames {
		args = append(args, "--keep-frames")
	}
	if o.ManyFaces {
		args = append(args, "--many-faces")
	}
	if o.MapFaces {
		args = append(args, "--map-faces")
	}
	if o.MouthMask {
		args = append(args, "--mouth-mask")
	}

	var providers []string
	if o.ProviderCUDA {
		providers = append(providers, "cuda")
	}
	if o.ProviderCPU {
		providers = append(providers, "cpu")
	}
	if len(providers) == 0 {
		providers = []string{"cpu"}
	}
	args = append(args, "--execution-provider")
	args = append(args, providers...)

	return args
}

// Task is one queued media-processing job. Field names match the persisted
// document format.
type Task struct {
	ID           string     `json:"task_id"`
	InviteCode   string     `json:"invite_code"`
	SourcePath   string     `json:"source_path"`
	TargetPath   string     `json:"target_path"`
	Options      Options    `json:"options"`
	Kind         Kind       `json:"task_type"`
	Status       Status     `json:"status"`
	Priority     int        `json:"priority"`
	OutputPath   string     `json:"output_path,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Stdout       string     `json:"stdout,omitempty"`
	Stderr       string     `json:"stderr,omitempty"`
}

// OutputExt returns the output file extension for the task's kind.
func (t *Task) OutputExt() string {
	if t.Kind == KindVideo {
		return ".mp4"
	}
	return ".jpg"
}

// CanTransition reports whether moving a task between the given statuses is
// legal. Queued tasks may only be dispatched, processing tasks may only
// finish, and failed tasks may only be re-queued by an admin retry.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusQueued
	default:
		return false
	}
}

func kindRank(k Kind) int {
	if k == KindVideo {
		return 0
	}
	return 1
}

// Less orders tasks for dispatch: explicit priority first, then kind (video
// ahead of image), then age (older first).
func Less(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if kindRank(a.Kind) != kindRank(b.Kind) {
		return kindRank(a.Kind) < kindRank(b.Kind)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Patch is a partial update applied to a stored task. Nil fields are left
// untouched. ClearRunState removes every execution artifact and is used by
// the admin retry transition.
type Patch struct {
	Status        *Status
	Priority      *int
	OutputPath    *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ErrorMessage  *string
	Stdout        *string
	Stderr        *string
	ClearRunState bool
}

// Apply merges the patch into the task.
func (p Patch) Apply(t *Task) {
	if p.ClearRunState {
		t.OutputPath = ""
		t.StartedAt = nil
		t.CompletedAt = nil
		t.ErrorMessage = ""
		t.Stdout = ""
		t.Stderr = ""
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.OutputPath != nil {
		t.OutputPath = *p.OutputPath
	}
	if p.StartedAt != nil {
		t.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		t.CompletedAt = p.CompletedAt
	}
	if p.ErrorMessage != nil {
		t.ErrorMessage = *p.ErrorMessage
	}
	if p.Stdout != nil {
		t.Stdout = *p.Stdout
	}
	if p.Stderr != nil {
		t.Stderr = *p.Stderr
	}
}

// RetryPatch returns the patch for the admin retry transition: back to
// queued with all execution artifacts cleared.
func RetryPatch() Patch {
	st := StatusQueued
	return Patch{Status: &st, ClearRunState: true}
}
