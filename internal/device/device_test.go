package device

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	host := Host{PhysicalCores: 3, LogicalCores: 6}
	cases := []struct {
		spec string
		want []int
	}{
		{spec: "", want: []int{0}},
		{spec: "2,0, 1", want: []int{0, 1, 2}},
		{spec: "1,1", want: []int{1}},
		{spec: "auto", want: []int{0, 1, 2}},
	}
	for _, c := range cases {
		got, err := Parse(c.spec, host)
		if err != nil {
			t.Fatalf("parse %q: %v", c.spec, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("parse %q: got=%v want=%v", c.spec, got, c.want)
		}
	}
	for _, bad := range []string{"x", "-1", ","} {
		if _, err := Parse(bad, host); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestVisibleFallsBackToEnvironment(t *testing.T) {
	host := Host{PhysicalCores: 1}
	t.Setenv(EnvVisibleDevices, "0,3")
	got, err := Visible("", host)
	if err != nil {
		t.Fatalf("visible: %v", err)
	}
	if !reflect.DeepEqual(got, []int{0, 3}) {
		t.Fatalf("unexpected devices: %v", got)
	}
	got, err = Visible("1", host)
	if err != nil {
		t.Fatalf("visible: %v", err)
	}
	if !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("flag must win over environment, got %v", got)
	}
}

func TestDetectHost(t *testing.T) {
	host := DetectHost()
	if host.PhysicalCores <= 0 || host.LogicalCores <= 0 {
		t.Fatalf("unexpected host: %+v", host)
	}
	if host.String() == "" {
		t.Fatal("expected host description")
	}
}
