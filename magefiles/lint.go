//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

// Fixing Linting
func LintFix() error {
	mg.Deps(golangciLintCheck)
	return golangcilintRun("run", "--fix", "--timeout", "10m")
}

// Linting Check
func CheckLint() error {
	mg.Deps(golangciLintCheck)
	return golangcilintRun("run", "--timeout", "10m")
}
