// Package steps generates pre-planned TDD step lists for tasks. Step
// lists are produced offline during task planning; workers execute them in
// order, which codifies the same red/green cycle the classic protocol
// enforces.
package steps

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"zerg/internal/graph"
)

// DetailLevel controls how much structure a generated step list carries.
type DetailLevel string

const (
	DetailStandard DetailLevel = "standard" // no steps (classic mode)
	DetailMedium   DetailLevel = "medium"   // TDD steps without snippets
	DetailHigh     DetailLevel = "high"     // TDD steps with code snippets
)

// FormatterConfig describes the project's formatter.
type FormatterConfig struct {
	FormatCmd    string
	FilePatterns []string
}

// Generator builds step lists for tasks.
type Generator struct {
	ProjectRoot string

	formatter         *FormatterConfig
	formatterDetected bool
}

// NewGenerator creates a generator rooted at the project directory.
func NewGenerator(projectRoot string) *Generator {
	if projectRoot == "" {
		projectRoot = "."
	}
	return &Generator{ProjectRoot: projectRoot}
}

// Generate returns the ordered step list for a task. Standard detail
// returns nil: the worker falls back to the classic protocol.
func (g *Generator) Generate(task *graph.Task, detail DetailLevel) []graph.Step {
	if detail == DetailStandard || detail == "" {
		return nil
	}

	implFile := primaryFile(task)
	testFile := ""
	if implFile != "" {
		testFile = testFileFor(implFile)
	}
	verifyCmd := verificationCommand(task, testFile)
	includeSnippets := detail == DetailHigh

	var steps []graph.Step
	num := 0
	add := func(s graph.Step) {
		num++
		s.Step = num
		steps = append(steps, s)
	}

	var testSnippet, implSnippet string
	if includeSnippets {
		testSnippet = testSnippetFor(task, testFile)
		implSnippet = implSnippetFor(task, implFile)
	}

	add(graph.Step{Action: graph.StepWriteTest, File: testFile, CodeSnippet: testSnippet, Verify: graph.VerifyNone})
	add(graph.Step{Action: graph.StepVerifyFail, Run: verifyCmd, Verify: graph.VerifyExitCodeNonzero})
	add(graph.Step{Action: graph.StepImplement, File: implFile, CodeSnippet: implSnippet, Verify: graph.VerifyNone})
	add(graph.Step{Action: graph.StepVerifyPass, Run: verifyCmd, Verify: graph.VerifyExitCode})

	formatRun := g.formatCommand(testFile, implFile)
	add(graph.Step{Action: graph.StepFormat, Run: formatRun, Verify: graph.VerifyExitCode})

	commitMsg := fmt.Sprintf("feat(%s): %s", task.ID, task.Title)
	add(graph.Step{Action: graph.StepCommit, Run: fmt.Sprintf("git add -A && git commit -m %q", commitMsg), Verify: graph.VerifyExitCode})

	return steps
}

func primaryFile(task *graph.Task) string {
	if len(task.Files.Create) > 0 {
		return task.Files.Create[0]
	}
	if len(task.Files.Modify) > 0 {
		return task.Files.Modify[0]
	}
	return ""
}

// testFileFor maps an implementation file to its test file by language
// convention.
func testFileFor(implFile string) string {
	ext := filepath.Ext(implFile)
	stem := strings.TrimSuffix(filepath.Base(implFile), ext)
	dir := filepath.Dir(implFile)

	switch ext {
	case ".go":
		return filepath.Join(dir, stem+"_test.go")
	case ".py":
		return filepath.Join("tests", "unit", "test_"+stem+".py")
	case ".ts", ".tsx", ".js", ".jsx":
		return filepath.Join(dir, "__tests__", stem+".test"+ext)
	}
	return filepath.Join("tests", "test_"+stem+ext)
}

// verificationCommand uses the task's own contract when present, falling
// back to a language default scoped to the test file.
func verificationCommand(task *graph.Task, testFile string) string {
	if task.Verification.Command != "" {
		return task.Verification.Command
	}
	switch filepath.Ext(testFile) {
	case ".go":
		pkg := filepath.Dir(testFile)
		if pkg == "." {
			return "go test ./..."
		}
		return fmt.Sprintf("go test ./%s/...", pkg)
	case ".py":
		return fmt.Sprintf("pytest %s -v --tb=short", testFile)
	}
	return "go test ./..."
}

// formatCommand detects the project formatter and scopes it to the task's
// files when possible.
func (g *Generator) formatCommand(files ...string) string {
	formatter := g.detectFormatter()
	cmd := "gofmt -w"
	if formatter != nil {
		cmd = formatter.FormatCmd
	}

	var scoped []string
	for _, f := range files {
		if f != "" {
			scoped = append(scoped, f)
		}
	}
	if len(scoped) == 0 {
		return cmd + " ."
	}
	return cmd + " " + strings.Join(scoped, " ")
}

// detectFormatter inspects marker files once per generator.
func (g *Generator) detectFormatter() *FormatterConfig {
	if g.formatterDetected {
		return g.formatter
	}
	g.formatterDetected = true

	if _, err := os.Stat(filepath.Join(g.ProjectRoot, "go.mod")); err == nil {
		g.formatter = &FormatterConfig{FormatCmd: "gofmt -w", FilePatterns: []string{"*.go"}}
		return g.formatter
	}
	for _, marker := range []string{".prettierrc", ".prettierrc.json"} {
		if _, err := os.Stat(filepath.Join(g.ProjectRoot, marker)); err == nil {
			g.formatter = &FormatterConfig{FormatCmd: "prettier --write", FilePatterns: []string{"*.js", "*.ts", "*.jsx", "*.tsx"}}
			return g.formatter
		}
	}
	if data, err := os.ReadFile(filepath.Join(g.ProjectRoot, "pyproject.toml")); err == nil {
		content := string(data)
		if strings.Contains(content, "[tool.ruff]") {
			g.formatter = &FormatterConfig{FormatCmd: "ruff format", FilePatterns: []string{"*.py"}}
		} else if strings.Contains(content, "[tool.black]") {
			g.formatter = &FormatterConfig{FormatCmd: "black", FilePatterns: []string{"*.py"}}
		}
	}
	return g.formatter
}

func testSnippetFor(task *graph.Task, testFile string) string {
	if filepath.Ext(testFile) != ".go" {
		return ""
	}
	pkg := filepath.Base(filepath.Dir(testFile))
	if pkg == "." || pkg == "" {
		pkg = "main"
	}
	name := exportedName(task.Title)
	return fmt.Sprintf(`package %s

import "testing"

func Test%s(t *testing.T) {
	t.Fatal("not implemented")
}
`, pkg, name)
}

func implSnippetFor(task *graph.Task, implFile string) string {
	if filepath.Ext(implFile) != ".go" {
		return ""
	}
	pkg := filepath.Base(filepath.Dir(implFile))
	if pkg == "." || pkg == "" {
		pkg = "main"
	}
	return fmt.Sprintf(`package %s

// %s
`, pkg, task.Title)
}

// exportedName converts a task title into a Go identifier.
func exportedName(title string) string {
	var b strings.Builder
	for _, word := range strings.Fields(title) {
		var clean []rune
		for _, r := range word {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				clean = append(clean, r)
			}
		}
		if len(clean) == 0 {
			continue
		}
		b.WriteString(strings.ToUpper(string(clean[0])))
		b.WriteString(string(clean[1:]))
	}
	if b.Len() == 0 {
		return "Task"
	}
	return b.String()
}
