package dns

import (
	"context"
	"net"
	"reflect"
	"testing"
)

func TestSortMXStable(t *testing.T) {
	mxl := []*net.MX{
		{Host: "c.example.", Pref: 20},
		{Host: "a.example.", Pref: 10},
		{Host: "b.example.", Pref: 10},
		{Host: "d.example.", Pref: 5},
	}
	SortMX(mxl)

	want := []string{"d.example.", "a.example.", "b.example.", "c.example."}
	for i, mx := range mxl {
		if mx.Host != want[i] {
			t.Fatalf("position %d = %q, want %q (equal prefs must keep input order)", i, mx.Host, want[i])
		}
	}
}

func TestHostsByPref(t *testing.T) {
	mxl := []*net.MX{
		{Host: "backup.example.", Pref: 20},
		{Host: "primary.example.", Pref: 5},
	}
	got := HostsByPref(mxl)
	want := []string{"primary.example", "backup.example"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("HostsByPref = %v, want %v", got, want)
	}

	// The input slice is left untouched.
	if mxl[0].Host != "backup.example." {
		t.Error("HostsByPref reordered its input")
	}
}

func TestMockResolverMX(t *testing.T) {
	r := MockResolver{
		MX: map[string][]*net.MX{
			"example.com.": {{Host: "mx1.example.com.", Pref: 10}},
		},
		Fail: []string{"mx broken.com."},
	}
	ctx := context.Background()

	mxl, err := r.LookupMX(ctx, "example.com.")
	if err != nil || len(mxl) != 1 {
		t.Fatalf("LookupMX = (%v, %v), want one record", mxl, err)
	}

	_, err = r.LookupMX(ctx, "missing.com.")
	if !IsNotFound(err) {
		t.Errorf("missing domain error = %v, want not-found", err)
	}

	_, err = r.LookupMX(ctx, "broken.com.")
	if err == nil || IsNotFound(err) {
		t.Errorf("failing domain error = %v, want servfail", err)
	}
}

func TestMockResolverHonorsContext(t *testing.T) {
	r := MockResolver{MX: map[string][]*net.MX{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.LookupMX(ctx, "example.com."); err != context.Canceled {
		t.Errorf("LookupMX with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestStrictResolverRejectsRelativeNames(t *testing.T) {
	r := StrictResolver{}
	ctx := context.Background()

	if _, err := r.LookupMX(ctx, "example.com"); err != ErrRelativeDNSName {
		t.Errorf("LookupMX without trailing dot = %v, want ErrRelativeDNSName", err)
	}
	if _, err := r.LookupHost(ctx, "example.com"); err != ErrRelativeDNSName {
		t.Errorf("LookupHost without trailing dot = %v, want ErrRelativeDNSName", err)
	}
}
