package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gambtho/container-assist/internal/workflow"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func analyze(t *testing.T, root string) *workflow.AnalysisReport {
	t.Helper()
	adapter := NewAnalyzeAdapter(nil)
	out, err := adapter.Execute(context.Background(), &workflow.Input{
		SessionID:  "s1",
		Repository: root,
		Stage:      workflow.StageAnalysis,
	})
	require.NoError(t, err)
	report, err := workflow.ParseAnalysisReport(out.Content)
	require.NoError(t, err)
	return report
}

func TestAnalyze_GoRepository(t *testing.T) {
	root := writeTree(t, map[string]string{
		"go.mod":       "module example.com/app\n\ngo 1.24\n\nrequire github.com/labstack/echo/v4 v4.13.4\n",
		"main.go":      "package main\n\nfunc main() {}\n",
		"main_test.go": "package main\n",
	})

	report := analyze(t, root)
	assert.Equal(t, "go", report.Language)
	assert.Equal(t, "go", report.BuildTool)
	assert.Equal(t, "echo", report.Framework)
	assert.Equal(t, "main.go", report.EntryPoint)
	assert.True(t, report.HasTests)
	assert.Equal(t, []int{8080}, report.Ports)
}

func TestAnalyze_PythonFlask(t *testing.T) {
	root := writeTree(t, map[string]string{
		"requirements.txt":  "flask==3.0.0\ngunicorn\n",
		"app.py":            "from flask import Flask\napp = Flask(__name__)\n",
		"tests/test_app.py": "def test_ok():\n    pass\n",
	})

	report := analyze(t, root)
	assert.Equal(t, "python", report.Language)
	assert.Equal(t, "pip", report.BuildTool)
	assert.Equal(t, "flask", report.Framework)
	assert.Equal(t, "app.py", report.EntryPoint)
	assert.True(t, report.HasTests)
	assert.Equal(t, []int{5000}, report.Ports)
}

func TestAnalyze_NodeExpress(t *testing.T) {
	root := writeTree(t, map[string]string{
		"package.json": `{"name":"svc","dependencies":{"express":"^4.18.0"}}`,
		"server.js":    "const express = require('express');\n",
	})

	report := analyze(t, root)
	assert.Equal(t, "node", report.Language)
	assert.Equal(t, "express", report.Framework)
	assert.Equal(t, "server.js", report.EntryPoint)
	assert.False(t, report.HasTests)
	assert.Equal(t, []int{3000}, report.Ports)
}

func TestAnalyze_DockerfileExposeWins(t *testing.T) {
	root := writeTree(t, map[string]string{
		"requirements.txt": "flask\n",
		"app.py":           "",
		"Dockerfile":       "FROM python:3.12-slim\nEXPOSE 9090\nCMD [\"python\", \"app.py\"]\n",
	})

	report := analyze(t, root)
	assert.Equal(t, []int{9090}, report.Ports)
}

func TestAnalyze_SkipsVendoredTrees(t *testing.T) {
	root := writeTree(t, map[string]string{
		"package.json":                  `{"name":"svc"}`,
		"index.js":                      "",
		"node_modules/dep/package.json": `{"name":"dep"}`,
		"node_modules/dep/index.js":     "",
	})

	report := analyze(t, root)
	for _, f := range report.Files {
		assert.NotContains(t, f, "node_modules")
	}
}

func TestAnalyze_MissingRepository(t *testing.T) {
	adapter := NewAnalyzeAdapter(nil)
	_, err := adapter.Execute(context.Background(), &workflow.Input{
		Repository: filepath.Join(t.TempDir(), "nope"),
	})
	require.Error(t, err)
}

func TestAnalyze_ExtensionFallback(t *testing.T) {
	root := writeTree(t, map[string]string{
		"lib/core.rs":  "fn main() {}",
		"lib/extra.rs": "",
	})

	report := analyze(t, root)
	assert.Equal(t, "rust", report.Language)
	assert.Empty(t, report.BuildTool)
}
