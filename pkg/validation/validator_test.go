package validation

import (
	"strings"
	"testing"
)

type sample struct {
	Directory string `validate:"required"`
	Levels    int    `validate:"min=2"`
	Depth     int    `validate:"min=0,max=28"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name    string
		in      sample
		wantErr string
	}{
		{"valid", sample{Directory: "/data", Levels: 4, Depth: 16}, ""},
		{"missing directory", sample{Levels: 4}, "Directory: field is required"},
		{"too few levels", sample{Directory: "/d", Levels: 1}, "Levels: must be at least 2"},
		{"depth too large", sample{Directory: "/d", Levels: 2, Depth: 29}, "Depth: must not exceed 28"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(&tt.in)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Struct() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Struct() = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestStruct_Nil(t *testing.T) {
	if err := Struct(nil); err == nil {
		t.Error("expected error for nil value")
	}
}
