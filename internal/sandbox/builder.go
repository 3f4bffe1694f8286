package sandbox

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/classline/grader-go/internal/models"
)

// ErrPathEscapesSandbox is returned when a submitted file name resolves
// outside the sandbox student directory.
var ErrPathEscapesSandbox = errors.New("submitted file path escapes sandbox")

// Subdirectories created inside every grading root.
const (
	SupportDir = "support"
	TestsDir   = "tests"
	StudentDir = "student"
	DataDir    = "data"
)

// ManifestName is the serialized job manifest read by grading code.
const ManifestName = "manifest.json"

// Manifest is the data handed to grading code inside the sandbox.
type Manifest struct {
	Params             json.RawMessage `json:"params"`
	TrueAnswer         json.RawMessage `json:"true_answer"`
	SubmittedAnswer    json.RawMessage `json:"submitted_answer"`
	RawSubmittedAnswer json.RawMessage `json:"raw_submitted_answer"`
	PartialScores      json.RawMessage `json:"partial_scores"`
	Feedback           json.RawMessage `json:"feedback"`
	VariantSeed        string          `json:"variant_seed"`
	Options            json.RawMessage `json:"options"`
}

// Builder assembles the isolated filesystem tree handed to grading code for
// one submission. It performs disk I/O only.
type Builder struct {
	logger zerolog.Logger
}

// NewBuilder constructs a sandbox builder.
func NewBuilder(logger zerolog.Logger) *Builder {
	return &Builder{logger: logger.With().Str("component", "sandbox_builder").Logger()}
}

// Build recreates root from scratch and populates it with the course
// support files, test files, the student's decoded answer files and the
// serialized manifest. Any submitted file whose relative name would resolve
// outside the student directory is rejected with ErrPathEscapesSandbox.
func (b *Builder) Build(root string, submission models.Submission, variant models.Variant, question models.Question, course models.Course) error {
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("clean sandbox root: %w", err)
	}

	for _, dir := range []string{SupportDir, TestsDir, StudentDir, DataDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return fmt.Errorf("create sandbox dir %s: %w", dir, err)
		}
	}

	if err := b.copySupportFiles(root, question, course); err != nil {
		return err
	}

	if err := b.copyTests(root, question, course); err != nil {
		return err
	}

	if err := b.writeStudentFiles(root, submission); err != nil {
		return err
	}

	if err := b.writeManifest(root, submission, variant); err != nil {
		return err
	}

	return nil
}

func (b *Builder) copySupportFiles(root string, question models.Question, course models.Course) error {
	var files []string
	if len(question.GradingFiles) > 0 {
		if err := json.Unmarshal(question.GradingFiles, &files); err != nil {
			return fmt.Errorf("decode grading file list: %w", err)
		}
	}

	for _, rel := range files {
		src := filepath.Join(course.Path, rel)
		dst := filepath.Join(root, SupportDir, filepath.Base(rel))
		if err := copyTree(src, dst); err != nil {
			return fmt.Errorf("copy support file %s: %w", rel, err)
		}
	}

	return nil
}

// copyTests copies the question's optional tests directory. A missing
// directory is fine; any other failure is fatal.
func (b *Builder) copyTests(root string, question models.Question, course models.Course) error {
	src := filepath.Join(course.Path, "questions", question.QID, TestsDir)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			b.logger.Debug().Str("path", src).Msg("no tests directory for question")
			return nil
		}
		return fmt.Errorf("stat tests dir: %w", err)
	}

	if err := copyTree(src, filepath.Join(root, TestsDir)); err != nil {
		return fmt.Errorf("copy tests dir: %w", err)
	}

	return nil
}

func (b *Builder) writeStudentFiles(root string, submission models.Submission) error {
	var files []models.SubmittedFile
	if len(submission.SubmittedFiles) > 0 {
		if err := json.Unmarshal(submission.SubmittedFiles, &files); err != nil {
			return fmt.Errorf("decode submitted files: %w", err)
		}
	}

	studentDir := filepath.Join(root, StudentDir)
	for _, file := range files {
		target, err := containedPath(studentDir, file.Name)
		if err != nil {
			return err
		}

		contents, err := base64.StdEncoding.DecodeString(file.Contents)
		if err != nil {
			return fmt.Errorf("decode contents of %s: %w", file.Name, err)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", file.Name, err)
		}

		if err := os.WriteFile(target, contents, 0o644); err != nil {
			return fmt.Errorf("write student file %s: %w", file.Name, err)
		}
	}

	return nil
}

func (b *Builder) writeManifest(root string, submission models.Submission, variant models.Variant) error {
	manifest := Manifest{
		Params:             rawOrNull(variant.Params),
		TrueAnswer:         rawOrNull(variant.TrueAnswer),
		SubmittedAnswer:    rawOrNull(submission.SubmittedAnswer),
		RawSubmittedAnswer: rawOrNull(submission.RawSubmittedAnswer),
		PartialScores:      rawOrNull(submission.PartialScores),
		Feedback:           rawOrNull(submission.Feedback),
		VariantSeed:        variant.Seed,
		Options:            rawOrNull(variant.Options),
	}

	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	path := filepath.Join(root, DataDir, ManifestName)
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return nil
}

// containedPath resolves name under dir and rejects it unless the result
// stays a descendant of dir. File names arrive from a browser client and
// may contain traversal segments.
func containedPath(dir, name string) (string, error) {
	target := filepath.Join(dir, name)

	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesSandbox, name)
	}

	return target, nil
}

func rawOrNull(data datatypes.JSON) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(data)
}

// copyTree copies a file or directory tree, preserving relative layout.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}

	for _, entry := range entries {
		if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
