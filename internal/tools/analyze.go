package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/workflow"
)

// analyzeAdapter inspects the repository tree and produces the analysis
// report that seeds artifact generation and sampling.
type analyzeAdapter struct {
	logger *zap.Logger
}

// NewAnalyzeAdapter creates the analysis stage adapter.
func NewAnalyzeAdapter(logger *zap.Logger) workflow.Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &analyzeAdapter{logger: logger}
}

func (a *analyzeAdapter) Kind() workflow.Stage { return workflow.StageAnalysis }

// markerFiles maps build-system marker files to language and build tool.
var markerFiles = []struct {
	file      string
	language  string
	buildTool string
}{
	{"go.mod", "go", "go"},
	{"package.json", "node", "npm"},
	{"yarn.lock", "node", "yarn"},
	{"pyproject.toml", "python", "poetry"},
	{"requirements.txt", "python", "pip"},
	{"pom.xml", "java", "maven"},
	{"build.gradle", "java", "gradle"},
	{"build.gradle.kts", "java", "gradle"},
	{"Cargo.toml", "rust", "cargo"},
	{"Gemfile", "ruby", "bundler"},
}

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	"target":       true,
	"dist":         true,
	".venv":        true,
}

var exposeRe = regexp.MustCompile(`(?m)^\s*EXPOSE\s+(\d+)`)

func (a *analyzeAdapter) Execute(ctx context.Context, in *workflow.Input) (*workflow.Output, error) {
	root := in.Repository
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("repository path %s: %w", root, err)
	}

	report := &workflow.AnalysisReport{}
	var files []string
	hasTests := false

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return rerr
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, rel)
		name := d.Name()
		if report.Language == "" {
			for _, m := range markerFiles {
				if name == m.file {
					report.Language = m.language
					report.BuildTool = m.buildTool
					break
				}
			}
		}
		if isTestFile(rel) {
			hasTests = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("analyzing %s: %w", root, err)
	}
	if report.Language == "" {
		report.Language = detectByExtension(files)
	}
	report.HasTests = hasTests
	report.Framework = detectFramework(root, report.Language)
	report.EntryPoint = detectEntryPoint(files, report.Language)
	report.Ports = detectPorts(root, files, report)

	sort.Strings(files)
	if len(files) > 200 {
		files = files[:200]
	}
	report.Files = files

	a.logger.Info("repository analyzed",
		zap.String("repository", root),
		zap.String("language", report.Language),
		zap.String("framework", report.Framework),
		zap.Ints("ports", report.Ports),
		zap.Int("files", len(files)))

	content, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}
	return &workflow.Output{Content: content, MimeType: "application/json"}, nil
}

func isTestFile(rel string) bool {
	base := filepath.Base(rel)
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.HasSuffix(base, ".test.js"),
		strings.HasSuffix(base, ".spec.js"),
		strings.HasSuffix(base, ".test.ts"),
		strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py"):
		return true
	}
	dir := filepath.ToSlash(filepath.Dir(rel))
	return dir == "test" || dir == "tests" ||
		strings.HasPrefix(dir, "test/") || strings.HasPrefix(dir, "tests/")
}

func detectByExtension(files []string) string {
	counts := map[string]int{}
	for _, f := range files {
		switch filepath.Ext(f) {
		case ".go":
			counts["go"]++
		case ".js", ".ts":
			counts["node"]++
		case ".py":
			counts["python"]++
		case ".java":
			counts["java"]++
		case ".rs":
			counts["rust"]++
		case ".rb":
			counts["ruby"]++
		}
	}
	best, bestCount := "", 0
	for lang, n := range counts {
		if n > bestCount {
			best, bestCount = lang, n
		}
	}
	return best
}

// detectFramework sniffs dependency manifests for well-known web frameworks.
func detectFramework(root, language string) string {
	readLower := func(name string) string {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			return ""
		}
		return strings.ToLower(string(data))
	}
	switch language {
	case "python":
		for _, manifest := range []string{"requirements.txt", "pyproject.toml"} {
			content := readLower(manifest)
			switch {
			case strings.Contains(content, "flask"):
				return "flask"
			case strings.Contains(content, "django"):
				return "django"
			case strings.Contains(content, "fastapi"):
				return "fastapi"
			}
		}
	case "node":
		content := readLower("package.json")
		switch {
		case strings.Contains(content, `"express"`):
			return "express"
		case strings.Contains(content, `"fastify"`):
			return "fastify"
		case strings.Contains(content, `"next"`):
			return "next"
		}
	case "java":
		for _, manifest := range []string{"pom.xml", "build.gradle", "build.gradle.kts"} {
			if strings.Contains(readLower(manifest), "spring") {
				return "spring"
			}
		}
	case "go":
		content := readLower("go.mod")
		switch {
		case strings.Contains(content, "labstack/echo"):
			return "echo"
		case strings.Contains(content, "gin-gonic/gin"):
			return "gin"
		case strings.Contains(content, "gofiber/fiber"):
			return "fiber"
		}
	}
	return ""
}

func detectEntryPoint(files []string, language string) string {
	candidates := map[string][]string{
		"go":     {"main.go", "cmd"},
		"node":   {"index.js", "server.js", "app.js", "src/index.js", "src/index.ts"},
		"python": {"app.py", "main.py", "manage.py", "wsgi.py"},
		"java":   {"src/main/java"},
	}
	set := make(map[string]bool, len(files))
	for _, f := range files {
		set[filepath.ToSlash(f)] = true
	}
	for _, cand := range candidates[language] {
		if set[cand] {
			return cand
		}
		// Directory candidates match any file beneath them.
		prefix := cand + "/"
		for f := range set {
			if strings.HasPrefix(f, prefix) {
				return cand
			}
		}
	}
	return ""
}

// frameworkPorts are the conventional defaults used when nothing explicit is
// found in the repository.
var frameworkPorts = map[string]int{
	"flask":   5000,
	"django":  8000,
	"fastapi": 8000,
	"express": 3000,
	"fastify": 3000,
	"next":    3000,
	"spring":  8080,
}

func detectPorts(root string, files []string, report *workflow.AnalysisReport) []int {
	// An existing Dockerfile is authoritative.
	for _, f := range files {
		if filepath.Base(f) == "Dockerfile" {
			if data, err := os.ReadFile(filepath.Join(root, f)); err == nil {
				var ports []int
				for _, m := range exposeRe.FindAllStringSubmatch(string(data), -1) {
					if p, err := strconv.Atoi(m[1]); err == nil {
						ports = append(ports, p)
					}
				}
				if len(ports) > 0 {
					return ports
				}
			}
		}
	}
	if p, ok := frameworkPorts[report.Framework]; ok {
		return []int{p}
	}
	return []int{8080}
}
