package sandbox

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/classline/grader-go/internal/models"
)

func encodeFiles(t *testing.T, files []models.SubmittedFile) datatypes.JSON {
	t.Helper()
	data, err := json.Marshal(files)
	require.NoError(t, err)
	return datatypes.JSON(data)
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestBuildCreatesFullLayout(t *testing.T) {
	coursePath := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(coursePath, "serverFilesCourse"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(coursePath, "serverFilesCourse", "helper.py"), []byte("def helper(): pass\n"), 0o644))

	testsDir := filepath.Join(coursePath, "questions", "add-numbers", "tests")
	require.NoError(t, os.MkdirAll(testsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(testsDir, "test_basic.py"), []byte("assert True\n"), 0o644))

	submission := models.Submission{
		SubmittedAnswer: datatypes.JSON(`{"answer": 42}`),
		SubmittedFiles: encodeFiles(t, []models.SubmittedFile{
			{Name: "solution.py", Contents: b64("print(42)\n")},
			{Name: "lib/util.py", Contents: b64("x = 1\n")},
		}),
	}
	variant := models.Variant{
		Seed:       "12345",
		Params:     datatypes.JSON(`{"a": 1, "b": 2}`),
		TrueAnswer: datatypes.JSON(`{"sum": 3}`),
	}
	question := models.Question{
		QID:          "add-numbers",
		GradingFiles: datatypes.JSON(`["serverFilesCourse/helper.py"]`),
	}
	course := models.Course{Path: coursePath}

	root := filepath.Join(t.TempDir(), "job_1")
	builder := NewBuilder(zerolog.Nop())
	require.NoError(t, builder.Build(root, submission, variant, question, course))

	for _, dir := range []string{SupportDir, TestsDir, StudentDir, DataDir} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}

	support, err := os.ReadFile(filepath.Join(root, SupportDir, "helper.py"))
	require.NoError(t, err)
	require.Equal(t, "def helper(): pass\n", string(support))

	tests, err := os.ReadFile(filepath.Join(root, TestsDir, "test_basic.py"))
	require.NoError(t, err)
	require.Equal(t, "assert True\n", string(tests))

	student, err := os.ReadFile(filepath.Join(root, StudentDir, "solution.py"))
	require.NoError(t, err)
	require.Equal(t, "print(42)\n", string(student))

	nested, err := os.ReadFile(filepath.Join(root, StudentDir, "lib", "util.py"))
	require.NoError(t, err)
	require.Equal(t, "x = 1\n", string(nested))

	raw, err := os.ReadFile(filepath.Join(root, DataDir, ManifestName))
	require.NoError(t, err)

	var manifest Manifest
	require.NoError(t, json.Unmarshal(raw, &manifest))
	require.Equal(t, "12345", manifest.VariantSeed)
	require.JSONEq(t, `{"a": 1, "b": 2}`, string(manifest.Params))
	require.JSONEq(t, `{"answer": 42}`, string(manifest.SubmittedAnswer))
	require.JSONEq(t, `null`, string(manifest.PartialScores), "absent fields serialize as null")
}

func TestBuildRejectsPathTraversal(t *testing.T) {
	for _, name := range []string{"../evil.py", "a/../../evil.py", ".."} {
		submission := models.Submission{
			SubmittedFiles: encodeFiles(t, []models.SubmittedFile{{Name: name, Contents: b64("boom")}}),
		}

		builder := NewBuilder(zerolog.Nop())
		err := builder.Build(filepath.Join(t.TempDir(), "job"), submission, models.Variant{}, models.Question{}, models.Course{Path: t.TempDir()})
		require.ErrorIs(t, err, ErrPathEscapesSandbox, "name %q must be rejected", name)
	}
}

func TestBuildRejectsInvalidBase64(t *testing.T) {
	submission := models.Submission{
		SubmittedFiles: encodeFiles(t, []models.SubmittedFile{{Name: "a.py", Contents: "not base64 !!!"}}),
	}

	builder := NewBuilder(zerolog.Nop())
	err := builder.Build(filepath.Join(t.TempDir(), "job"), submission, models.Variant{}, models.Question{}, models.Course{Path: t.TempDir()})
	require.Error(t, err)
}

func TestBuildMissingTestsDirIsFine(t *testing.T) {
	builder := NewBuilder(zerolog.Nop())
	root := filepath.Join(t.TempDir(), "job")

	err := builder.Build(root, models.Submission{}, models.Variant{}, models.Question{QID: "no-tests"}, models.Course{Path: t.TempDir()})
	require.NoError(t, err)
}

func TestBuildRecreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "job")
	require.NoError(t, os.MkdirAll(root, 0o755))
	stale := filepath.Join(root, "leftover.txt")
	require.NoError(t, os.WriteFile(stale, []byte("old run"), 0o644))

	builder := NewBuilder(zerolog.Nop())
	require.NoError(t, builder.Build(root, models.Submission{}, models.Variant{}, models.Question{}, models.Course{Path: t.TempDir()}))

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err))
}
