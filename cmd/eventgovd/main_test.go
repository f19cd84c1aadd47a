package main

import "testing"

func TestResolveMetricsAddrPrecedence(t *testing.T) {
	cases := []struct {
		name string
		flag string
		env  string
		want string
	}{
		{name: "flag wins", flag: ":9999", env: ":8888", want: ":9999"},
		{name: "env when flag missing", flag: "", env: ":8888", want: ":8888"},
		{name: "default when nothing provided", flag: "", env: "", want: ":9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.env != "" {
				t.Setenv("METRICS_ADDR", tc.env)
			} else {
				t.Setenv("METRICS_ADDR", "")
			}
			got := resolveMetricsAddr(tc.flag)
			if got != tc.want {
				t.Fatalf("resolveMetricsAddr() = %q, want %q", got, tc.want)
			}
		})
	}
}
