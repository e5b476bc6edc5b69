// Command mock-worker is a stand-in for the real per-language worker CLI
// baked into an agent's base image: it emits line-oriented JSON records to
// stdout so internal/agent.Runtime's output parsing (and the rest of the
// kernel) can be exercised without a real static-analysis/codegen tool.
//
// Adapted from the teacher's cmd/mock-runner, restructured from a single
// fixed event script into subcommand dispatch matching the argv shapes
// internal/agent.Runtime issues: "review <file>", "refactor <files...>
// [--description desc]", "generate-tests <file>", "analyze <description>",
// or a bare description for a generic task.
package main

import (
	"encoding/json"
	"fmt"
	"os"
)

func emit(record map[string]interface{}) {
	b, _ := json.Marshal(record)
	fmt.Println(string(b))
}

func main() {
	if len(os.Args) < 2 {
		emit(map[string]interface{}{"status": "ok", "note": "no command given"})
		return
	}

	switch os.Args[1] {
	case "review":
		runReview(os.Args[2:])
	case "refactor":
		runRefactor(os.Args[2:])
	case "generate-tests":
		runGenerateTests(os.Args[2:])
	case "analyze":
		runAnalyze(os.Args[2:])
	default:
		runGeneric(os.Args[1:])
	}
}

func runReview(args []string) {
	if len(args) == 0 {
		emit(map[string]interface{}{"status": "error", "error": "review requires a file argument"})
		os.Exit(1)
	}
	file := args[0]
	emit(map[string]interface{}{"status": "started", "file": file})

	issues := seededIssueCount(file)
	for i := 0; i < issues; i++ {
		emit(map[string]interface{}{
			"file":     file,
			"line":     10 + i*4,
			"severity": "warning",
			"message":  "line exceeds recommended complexity",
		})
	}
	emit(map[string]interface{}{"status": "completed", "file": file, "issue_count": issues})
}

func runRefactor(args []string) {
	files, description := splitRefactorArgs(args)
	emit(map[string]interface{}{"status": "started", "files": files, "description": description})
	for _, f := range files {
		emit(map[string]interface{}{"file": f, "action": "rewritten"})
	}
	emit(map[string]interface{}{"status": "completed", "files_changed": len(files)})
}

func runGenerateTests(args []string) {
	if len(args) == 0 {
		emit(map[string]interface{}{"status": "error", "error": "generate-tests requires a file argument"})
		os.Exit(1)
	}
	file := args[0]
	emit(map[string]interface{}{"status": "started", "file": file})
	emit(map[string]interface{}{"file": file, "test_file": testFileFor(file), "cases_generated": 3})
	emit(map[string]interface{}{"status": "completed", "file": file})
}

func runAnalyze(args []string) {
	description := joinArgs(args)
	emit(map[string]interface{}{"status": "started", "description": description})
	emit(map[string]interface{}{"status": "completed", "findings": []string{}})
}

func runGeneric(args []string) {
	description := joinArgs(args)
	emit(map[string]interface{}{"status": "completed", "description": description})
}

// splitRefactorArgs separates file arguments from a trailing
// "--description <text>" pair, matching Runtime.runRefactor's argv shape.
func splitRefactorArgs(args []string) (files []string, description string) {
	for i := 0; i < len(args); i++ {
		if args[i] == "--description" && i+1 < len(args) {
			description = args[i+1]
			i++
			continue
		}
		files = append(files, args[i])
	}
	return files, description
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func testFileFor(file string) string {
	return file + "_test"
}

// seededIssueCount derives a small issue count from the file name so
// repeated reviews of the same file are reproducible across runs.
func seededIssueCount(file string) int {
	return len(file) % 3
}
