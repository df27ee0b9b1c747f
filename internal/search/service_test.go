package search

import "testing"

func TestSanitizeResultsHidesHiddenProposals(t *testing.T) {
	results := []Result{
		{Type: ResultProposal, ID: "p1", Visibility: "visible"},
		{Type: ResultProposal, ID: "p2", Visibility: "hidden"},
		{Type: ResultProcess, ID: "proc1"},
	}

	filtered := sanitizeResults(results, false)
	if len(filtered) != 2 {
		t.Fatalf("filtered = %v", filtered)
	}
	for _, r := range filtered {
		if r.ID == "p2" {
			t.Error("hidden proposal leaked to a non-moderator")
		}
	}

	all := sanitizeResults(results, true)
	if len(all) != 3 {
		t.Errorf("moderators should see everything, got %v", all)
	}
}

func TestNonNil(t *testing.T) {
	if nonNil(nil) == nil {
		t.Error("nil results must encode as [], not null")
	}
	in := []Result{{ID: "a"}}
	if out := nonNil(in); len(out) != 1 {
		t.Errorf("nonNil mangled results: %v", out)
	}
}
