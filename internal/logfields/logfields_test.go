package logfields

import (
	"testing"
	"time"
)

// Key drift would break log ingestion schemas.
func TestHelperKeyNames(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
	}{
		{"RecordID", KeyRecordID, RecordID("r1").Value.String()},
		{"RecordType", KeyRecordType, RecordType("bylaw").Value.String()},
		{"Slug", KeySlug, Slug("noise").Value.String()},
		{"Status", KeyStatus, Status("draft").Value.String()},
		{"Actor", KeyActor, Actor("clerk").Value.String()},
		{"SagaID", KeySagaID, SagaID("s1").Value.String()},
		{"Hook", KeyHook, Hook("record:created").Value.String()},
		{"Resource", KeyResource, Resource("record:bylaw/noise").Value.String()},
	}
	attrs := map[string]string{
		"RecordID":   RecordID("r1").Key,
		"RecordType": RecordType("bylaw").Key,
		"Slug":       Slug("noise").Key,
		"Status":     Status("draft").Key,
		"Actor":      Actor("clerk").Key,
		"SagaID":     SagaID("s1").Key,
		"Hook":       Hook("record:created").Key,
		"Resource":   Resource("record:bylaw/noise").Key,
	}
	for _, tc := range cases {
		if attrs[tc.name] != tc.key {
			t.Fatalf("%s: expected key %s, got %s", tc.name, tc.key, attrs[tc.name])
		}
	}
}

func TestErrorHelper(t *testing.T) {
	if Error(nil).Value.String() != "" {
		t.Fatal("nil error should render empty")
	}
}

func TestDurationKey(t *testing.T) {
	if a := Duration(1500 * time.Millisecond); a.Key != KeyDurationMS {
		t.Fatalf("Duration key mismatch: %s", a.Key)
	}
}
