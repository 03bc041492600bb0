package ixmp

import "testing"

func TestParseURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    ParsedURL
		wantErr bool
	}{
		{
			name: "full form",
			raw:  "ixmp://prod/MESSAGE/baseline",
			want: ParsedURL{Platform: "prod", Model: "MESSAGE", Scenario: "baseline", Version: VersionDefault},
		},
		{
			name: "bare form",
			raw:  "MESSAGE/baseline",
			want: ParsedURL{Model: "MESSAGE", Scenario: "baseline", Version: VersionDefault},
		},
		{
			name: "numeric version fragment",
			raw:  "ixmp://prod/MESSAGE/baseline#3",
			want: ParsedURL{Platform: "prod", Model: "MESSAGE", Scenario: "baseline", Version: 3},
		},
		{
			name: "new fragment",
			raw:  "MESSAGE/baseline#new",
			want: ParsedURL{Model: "MESSAGE", Scenario: "baseline", Version: VersionNew},
		},
		{
			name: "scenario may contain slashes",
			raw:  "MESSAGE/baseline/v2",
			want: ParsedURL{Model: "MESSAGE", Scenario: "baseline/v2", Version: VersionDefault},
		},
		{name: "query string rejected", raw: "MESSAGE/baseline?x=1", wantErr: true},
		{name: "empty fragment rejected", raw: "MESSAGE/baseline#", wantErr: true},
		{name: "zero version rejected", raw: "MESSAGE/baseline#0", wantErr: true},
		{name: "negative version rejected", raw: "MESSAGE/baseline#-1", wantErr: true},
		{name: "unknown scheme rejected", raw: "http://prod/MESSAGE/baseline", wantErr: true},
		{name: "missing scenario", raw: "MESSAGE", wantErr: true},
		{name: "missing platform", raw: "ixmp:///MESSAGE/baseline", wantErr: true},
		{name: "empty model", raw: "/baseline", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURL(tt.raw)
			if tt.wantErr {
				if !IsValidation(err) {
					t.Fatalf("err = %v, want validation error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseURL(%q): %v", tt.raw, err)
			}
			if *got != tt.want {
				t.Fatalf("ParseURL(%q) = %+v, want %+v", tt.raw, *got, tt.want)
			}
		})
	}
}

func TestParsedURLString(t *testing.T) {
	tests := []struct {
		u    ParsedURL
		want string
	}{
		{ParsedURL{Platform: "prod", Model: "M", Scenario: "s", Version: VersionDefault}, "ixmp://prod/M/s"},
		{ParsedURL{Model: "M", Scenario: "s", Version: 4}, "M/s#4"},
		{ParsedURL{Model: "M", Scenario: "s", Version: VersionNew}, "M/s#new"},
	}
	for _, tt := range tests {
		if got := tt.u.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestParseURLRoundTrip(t *testing.T) {
	for _, raw := range []string{
		"ixmp://prod/MESSAGE/baseline",
		"MESSAGE/baseline#2",
		"MESSAGE/baseline#new",
	} {
		u, err := ParseURL(raw)
		if err != nil {
			t.Fatalf("ParseURL(%q): %v", raw, err)
		}
		if got := u.String(); got != raw {
			t.Errorf("round trip %q -> %q", raw, got)
		}
	}
}
