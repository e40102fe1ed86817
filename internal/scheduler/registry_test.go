package scheduler

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegistryTakeKeepsSubmissionOrder(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	for _, out := range []string{"z.jpg", "a.jpg", "m.jpg"} {
		r.insert(Job{InputPath: "in.jpg", OutputPath: out}, newWaiter())
	}
	r.insert(Job{InputPath: "other.jpg", OutputPath: "a.jpg"}, newWaiter())

	if !r.hasInput("in.jpg") || r.outputs != 4 || r.inputs() != 2 {
		t.Fatalf("registry state: outputs=%d inputs=%d", r.outputs, r.inputs())
	}
	if r.lookup("in.jpg", "a.jpg") == r.lookup("other.jpg", "a.jpg") {
		t.Fatal("same output under different inputs shared an entry")
	}

	var got []string
	for _, e := range r.take("in.jpg") {
		got = append(got, e.job.OutputPath)
	}
	if diff := cmp.Diff([]string{"z.jpg", "a.jpg", "m.jpg"}, got); diff != "" {
		t.Fatalf("take order (-want +got):\n%s", diff)
	}
	if r.hasInput("in.jpg") || r.lookup("in.jpg", "a.jpg") != nil {
		t.Fatal("take left entries behind")
	}
	if r.outputs != 1 {
		t.Fatalf("outputs = %d, want 1", r.outputs)
	}
	if len(r.take("in.jpg")) != 0 {
		t.Fatal("second take returned entries")
	}

	if n := len(r.drain()); n != 1 || r.outputs != 0 || r.inputs() != 0 {
		t.Fatalf("drain returned %d, outputs=%d inputs=%d", n, r.outputs, r.inputs())
	}
}
