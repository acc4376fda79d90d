package scm

import (
	"encoding/json"
	"strconv"
	"strings"
)

type prListEntry struct {
	Number      int    `json:"number"`
	HeadRefName string `json:"headRefName"`
}

// parsePRNumbersForPrefix filters the `gh pr list --json` output down to PR
// numbers whose head branch starts with prefix, returned as strings ready
// for `gh pr close`.
func parsePRNumbersForPrefix(ghJSON, prefix string) []string {
	var entries []prListEntry
	if err := json.Unmarshal([]byte(ghJSON), &entries); err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.HeadRefName, prefix) {
			out = append(out, strconv.Itoa(e.Number))
		}
	}
	return out
}

// checkEntry mirrors one row of `gh pr checks --json state,conclusion`.
type checkEntry struct {
	State      string `json:"state"`
	Conclusion string `json:"conclusion"`
}

// CheckState is the aggregate state of a pull request's CI checks.
type CheckState string

const (
	// CheckPending means at least one check has not yet finished.
	CheckPending CheckState = "pending"
	// CheckSuccess means every reported check finished successfully.
	CheckSuccess CheckState = "success"
	// CheckFailure means at least one check failed.
	CheckFailure CheckState = "failure"
	// CheckNone means the PR has no checks configured at all.
	CheckNone CheckState = "none"
)

// aggregatePRChecks reduces `gh pr checks --json` output to a single
// CheckState: any failing check wins over pending, which wins over success.
func aggregatePRChecks(ghJSON string) CheckState {
	var entries []checkEntry
	if err := json.Unmarshal([]byte(ghJSON), &entries); err != nil {
		return CheckPending
	}
	if len(entries) == 0 {
		return CheckNone
	}
	sawPending := false
	for _, e := range entries {
		state := strings.ToUpper(e.State)
		conclusion := strings.ToUpper(e.Conclusion)
		switch {
		case state == "FAILURE" || conclusion == "FAILURE" || conclusion == "TIMED_OUT" || conclusion == "CANCELLED":
			return CheckFailure
		case state == "PENDING" || state == "IN_PROGRESS" || state == "QUEUED" || conclusion == "":
			sawPending = true
		}
	}
	if sawPending {
		return CheckPending
	}
	return CheckSuccess
}
