package addon

import (
	"errors"
	"testing"
)

func TestCompareVersions(t *testing.T) {
	tests := map[string]struct {
		a, b string
		want int
	}{
		"semver less":             {a: "1.2.0", b: "1.10.0", want: -1},
		"semver equal with v":     {a: "v2.0.0", b: "2.0.0", want: 0},
		"semver greater":          {a: "3.0.0", b: "2.9.9", want: 1},
		"lexical fallback":        {a: "r99", b: "r100", want: 1},
		"lexical fallback equal":  {a: "beta", b: "beta", want: 0},
		"mixed falls to lexical":  {a: "1.0.0", b: "release-1", want: -1},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := CompareVersions(tc.a, tc.b); got != tc.want {
				t.Errorf("CompareVersions(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestSatisfies(t *testing.T) {
	tests := map[string]struct {
		version    string
		constraint string
		want       bool
	}{
		"empty constraint":                 {version: "anything", constraint: "", want: true},
		"semver range match":               {version: "1.4.2", constraint: ">=1.2.0, <2.0.0", want: true},
		"semver range miss":                {version: "2.1.0", constraint: ">=1.2.0, <2.0.0", want: false},
		"caret":                            {version: "1.9.0", constraint: "^1.2", want: true},
		"unparseable version rejected":     {version: "r1234", constraint: ">=1.0.0", want: false},
		"lexical equality":                 {version: "beta-7", constraint: "=beta-7", want: true},
		"lexical bare literal":             {version: "beta-7", constraint: "beta-7", want: true},
		"lexical inequality":               {version: "beta-7", constraint: "!=beta-7", want: false},
		"lexical greater":                  {version: "r200", constraint: ">r100", want: true},
		"lexical less or equal":            {version: "alpha", constraint: "<=beta", want: true},
		"operator with no literal":         {version: "1.0.0", constraint: ">=", want: false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := Satisfies(tc.version, tc.constraint); got != tc.want {
				t.Errorf("Satisfies(%q, %q) = %v, want %v", tc.version, tc.constraint, got, tc.want)
			}
		})
	}
}

func TestSelectRelease(t *testing.T) {
	candidates := []*Release{
		{Version: "2.1.0", Token: "c"},
		{Version: "1.5.0", Token: "b"},
		{Version: "1.2.0", Token: "a"},
	}

	tests := map[string]struct {
		candidates []*Release
		constraint string
		wantToken  string
		wantErr    error
	}{
		"newest without constraint": {
			candidates: candidates,
			wantToken:  "c",
		},
		"highest satisfying": {
			candidates: candidates,
			constraint: "<2.0.0",
			wantToken:  "b",
		},
		"unsatisfiable": {
			candidates: candidates,
			constraint: ">=3.0.0",
			wantErr:    ErrConstraintUnsatisfiable,
		},
		"no candidates": {
			wantErr: ErrNotFound,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := SelectRelease(tc.candidates, tc.constraint)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("SelectRelease() error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectRelease() error = %v", err)
			}
			if got.Token != tc.wantToken {
				t.Errorf("SelectRelease() token = %q, want %q", got.Token, tc.wantToken)
			}
		})
	}
}
