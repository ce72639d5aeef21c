// Package promptbuilder produces the command-line prompt passed to an agent
// for a given task, either the primary worker prompt or the review-phase
// prompt.
package promptbuilder

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashleyhindle/fuel/internal/store"
)

//go:embed prompts/worker.md prompts/review.md
var promptsFS embed.FS

// Role selects which template to render.
type Role string

const (
	RoleWorker Role = "worker"
	RoleReview Role = "review"
)

func (r Role) filename() (string, error) {
	switch r {
	case RoleWorker:
		return "worker.md", nil
	case RoleReview:
		return "review.md", nil
	default:
		return "", fmt.Errorf("unknown prompt role %q", r)
	}
}

// Builder renders prompt templates, optionally overridden from disk.
type Builder struct {
	// OverrideDir, if set, is checked for a same-named file before falling
	// back to the embedded default — the same override-then-embed idiom
	// used for prompt templates elsewhere in this codebase.
	OverrideDir string
}

// New constructs a Builder. overrideDir may be empty.
func New(overrideDir string) *Builder {
	return &Builder{OverrideDir: overrideDir}
}

// Render produces the prompt text for task under role. priorOutput is only
// consulted for RoleReview, where it carries the prior run's captured
// stdout tail.
func (b *Builder) Render(role Role, task *store.Task, priorOutput string) (string, error) {
	filename, err := role.filename()
	if err != nil {
		return "", err
	}

	raw, source, err := b.read(filename)
	if err != nil {
		return "", fmt.Errorf("render prompt for %s: %w", task.ID, err)
	}

	replacer := strings.NewReplacer(
		"{{task_id}}", task.ID,
		"{{task_title}}", task.Title,
		"{{task_description}}", task.Description,
		"{{definition_of_done}}", definitionOfDone(task),
		"{{prior_output}}", priorOutput,
	)
	rendered := replacer.Replace(raw)

	if strings.Contains(rendered, "{{") {
		return "", fmt.Errorf("render prompt for %s: unresolved template token remains (source: %s)", task.ID, source)
	}
	return rendered, nil
}

func definitionOfDone(task *store.Task) string {
	if task.Reason != "" {
		return task.Reason
	}
	return "Satisfy the task title and description above."
}

func (b *Builder) read(filename string) (content string, source string, err error) {
	if b.OverrideDir != "" {
		path := filepath.Join(b.OverrideDir, filename)
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), path, nil
		}
		if !os.IsNotExist(err) {
			return "", "", fmt.Errorf("read prompt override %s: %w", path, err)
		}
	}
	data, err := fs.ReadFile(promptsFS, "prompts/"+filename)
	if err != nil {
		return "", "", fmt.Errorf("read embedded prompt %s: %w", filename, err)
	}
	return string(data), "embedded:" + filename, nil
}
