package logging

import "testing"

func TestNew(t *testing.T) {
	cases := []struct {
		level    string
		encoding string
		wantErr  bool
	}{
		{level: "info", encoding: "json"},
		{level: "debug", encoding: "console"},
		{level: "loud", encoding: "json", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.level+"/"+tc.encoding, func(t *testing.T) {
			logger, err := New(tc.level, tc.encoding)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if logger == nil {
				t.Fatal("expected logger")
			}
		})
	}
}
