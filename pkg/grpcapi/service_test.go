package grpcapi

import (
	"testing"

	"github.com/mptm-gw/mptm/pkg/dataplane"
)

func TestToStructKey(t *testing.T) {
	entry := dataplane.GroupEntry{Group: 4, Ifindex: 9}

	wrapped, err := toStruct("entry", entry)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := wrapped.GetFields()["entry"]; !ok {
		t.Fatalf("fields = %v, want entry", wrapped.GetFields())
	}
	var got dataplane.GroupEntry
	if err := fromStruct(wrapped, "entry", &got); err != nil {
		t.Fatal(err)
	}
	if got.Group != 4 || got.Ifindex != 9 {
		t.Errorf("got %+v, want group 4 ifindex 9", got)
	}

	flat, err := toStruct("", entry)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := flat.GetFields()["entry"]; ok {
		t.Errorf("flat encoding has an entry field")
	}

	if _, err := toStruct("", []int{1}); err == nil {
		t.Errorf("array without key: want error")
	}
}
