// Package display provides terminal UI utilities for displaying warnings
// and status messages from the orca CLI.
//
// Display warnings with optional components:
//
//	warning := display.Warning{
//	    Title:      "Sync conflict",
//	    Message:    "tracker status diverged from local phase",
//	    Files:      []string{"task-142"},
//	    Suggestion: "trigger POST /api/sync to resolve",
//	}
//	warning.Display(os.Stderr)
//
// # ANSI Colors
//
//   - Yellow (\x1b[33m) for warnings
//   - Reset (\x1b[0m) after each colored section
//
// All functions accept io.Writer interfaces for testability and flexibility.
package display
