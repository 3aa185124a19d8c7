package logging

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		in   string
		want logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"warn", logrus.WarnLevel},
		{"bogus", logrus.InfoLevel},
		{"", logrus.InfoLevel},
	}
	for _, tt := range tests {
		if got := New(tt.in).GetLevel(); got != tt.want {
			t.Errorf("New(%q) level = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNewOff(t *testing.T) {
	if out := New("off").Out; out != io.Discard {
		t.Errorf("off output = %v, want io.Discard", out)
	}
}
