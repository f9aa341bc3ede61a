package backend

import (
	"encoding/json"
	"testing"
)

func TestJobUnmarshalKeepsExtras(t *testing.T) {
	raw := `{"job_id":"abc","config_path":"runs/cfg.yaml","job_name":"demo","priority":7,"tags":["a","b"]}`
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if job.ID != "abc" || job.ConfigPath != "runs/cfg.yaml" || job.Name != "demo" {
		t.Errorf("known fields wrong: %+v", job)
	}
	if len(job.Extra) != 2 {
		t.Fatalf("expected 2 extra fields, got %d", len(job.Extra))
	}
	if string(job.Extra["priority"]) != "7" {
		t.Errorf("priority not preserved verbatim: %s", job.Extra["priority"])
	}
	if string(job.Extra["tags"]) != `["a","b"]` {
		t.Errorf("tags not preserved verbatim: %s", job.Extra["tags"])
	}
}

func TestJobUnmarshalNoExtras(t *testing.T) {
	var job Job
	if err := json.Unmarshal([]byte(`{"job_id":"abc","config_path":"c"}`), &job); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if job.Extra != nil {
		t.Errorf("expected nil Extra, got %v", job.Extra)
	}
}

func TestJobValidate(t *testing.T) {
	cases := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{"complete", Job{ID: "a", ConfigPath: "c"}, false},
		{"missing job_id", Job{ConfigPath: "c"}, true},
		{"missing config_path", Job{ID: "a"}, true},
	}
	for _, tc := range cases {
		err := tc.job.Validate()
		if tc.wantErr && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestJobDisplayName(t *testing.T) {
	if got := (&Job{ID: "abc"}).DisplayName(); got != "abc" {
		t.Errorf("expected fallback to id, got %q", got)
	}
	if got := (&Job{ID: "abc", Name: "demo"}).DisplayName(); got != "demo" {
		t.Errorf("expected name, got %q", got)
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusFinished, StatusFailed, StatusStopped, StatusCanceled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if StatusRunning.Terminal() {
		t.Error("running should not be terminal")
	}
}

func TestStatusCancels(t *testing.T) {
	if !StatusStopped.Cancels() || !StatusCanceled.Cancels() {
		t.Error("stopped and canceled should cancel")
	}
	if StatusFinished.Cancels() || StatusRunning.Cancels() || Status("").Cancels() {
		t.Error("other statuses should not cancel")
	}
}
