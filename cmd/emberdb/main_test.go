package main

import (
	"testing"
)

// This package has no tests of runInit (the -init flag) or runServer yet;
// the artifacts runInit writes are covered by config.GenerateConfigArtifacts'
// own tests.

func TestPlaceholder(t *testing.T) {
	// Placeholder to ensure the package compiles during refactoring.
}
