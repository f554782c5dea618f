package job

import (
	"testing"
	"time"
)

func TestSpecValidate(t *testing.T) {
	valid := Spec{Target: "https://example.com", SiteID: "example", Source: "api", Kind: KindScrape}
	if fields := valid.Validate(); fields != nil {
		t.Errorf("expected valid spec, got %v", fields)
	}

	tests := []struct {
		name  string
		spec  Spec
		field string
	}{
		{"missing target", Spec{SiteID: "s", Source: "api", Kind: KindScrape}, "target"},
		{"missing site", Spec{Target: "t", Source: "api", Kind: KindScrape}, "site_id"},
		{"missing source", Spec{Target: "t", SiteID: "s", Kind: KindScrape}, "source"},
		{"missing kind", Spec{Target: "t", SiteID: "s", Source: "api"}, "job_kind"},
		{"unknown kind", Spec{Target: "t", SiteID: "s", Source: "api", Kind: "render"}, "job_kind"},
		{"max_tasks over bound", Spec{Target: "t", SiteID: "s", Source: "api", Kind: KindAgent, MaxTasks: MaxTasksBound + 1}, "max_tasks"},
		{"negative retries", Spec{Target: "t", SiteID: "s", Source: "api", Kind: KindScrape, MaxRetries: -1}, "max_retries"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fields := tc.spec.Validate()
			if fields == nil {
				t.Fatal("expected validation failure")
			}
			if _, ok := fields[tc.field]; !ok {
				t.Errorf("expected field %q flagged, got %v", tc.field, fields)
			}
		})
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	j := New(Spec{Target: "https://example.com", SiteID: "example", Source: "api", Kind: KindScrape})

	if j.ID == "" {
		t.Error("expected generated id")
	}
	if j.Status != StatusPending {
		t.Errorf("expected pending, got %s", j.Status)
	}
	if j.MaxTasks != DefaultMaxTasks {
		t.Errorf("expected max_tasks %d, got %d", DefaultMaxTasks, j.MaxTasks)
	}
	if j.MaxRetries != DefaultMaxRetries {
		t.Errorf("expected max_retries %d, got %d", DefaultMaxRetries, j.MaxRetries)
	}
	if j.AvailableAt.IsZero() || !j.AvailableAt.Equal(j.CreatedAt) {
		t.Error("expected available_at to default to created_at")
	}
}

func TestNewKeepsExplicitAvailableAt(t *testing.T) {
	later := time.Now().Add(time.Hour)
	j := New(Spec{Target: "t", SiteID: "s", Source: "api", Kind: KindScrape, AvailableAt: &later})

	if !j.AvailableAt.Equal(later.UTC()) {
		t.Errorf("expected available_at %v, got %v", later.UTC(), j.AvailableAt)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:    false,
		StatusProcessing: false,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	}
	for s, want := range terminal {
		if s.Terminal() != want {
			t.Errorf("%s: Terminal() = %v, want %v", s, s.Terminal(), want)
		}
	}
	if Status("done").Valid() {
		t.Error("unknown status reported valid")
	}
}
