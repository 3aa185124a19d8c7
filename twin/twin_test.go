package twin

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"twinbridge/logging"
)

type fakeClient struct {
	doc      *Document
	getErr   error
	patchErr error
	patches  []Properties
	handler  func(Properties)
}

func (f *fakeClient) GetTwin(ctx context.Context) (*Document, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.doc, nil
}

func (f *fakeClient) UpdateReported(ctx context.Context, patch Properties) error {
	if f.patchErr != nil {
		return f.patchErr
	}
	f.patches = append(f.patches, patch)
	return nil
}

func (f *fakeClient) OnDesiredChange(handler func(Properties)) { f.handler = handler }

func TestPropertiesInt(t *testing.T) {
	var p Properties
	if err := json.Unmarshal([]byte(`{"a":12,"b":3.9,"c":"7","d":"x","e":null,"$version":4}`), &p); err != nil {
		t.Fatal(err)
	}
	p["f"] = json.Number("15")
	p["g"] = int32(-2)

	tests := []struct {
		key  string
		want int
		ok   bool
	}{
		{"a", 12, true},
		{"b", 3, true},
		{"c", 7, true},
		{"d", 0, false},
		{"e", 0, false},
		{"missing", 0, false},
		{"f", 15, true},
		{"g", -2, true},
	}
	for _, tt := range tests {
		got, ok := p.Int(tt.key)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Int(%q) = %d, %v; want %d, %v", tt.key, got, ok, tt.want, tt.ok)
		}
	}
	if p.Version() != 4 {
		t.Errorf("version = %d, want 4", p.Version())
	}
}

func TestStoreDefaults(t *testing.T) {
	c := &fakeClient{doc: &Document{Desired: Properties{"ProductionRate": 40.0}}}
	s := NewStore(c, logging.Discard())
	ctx := context.Background()

	if got := s.Desired(ctx, "ProductionRate"); got != 40 {
		t.Errorf("desired = %d, want 40", got)
	}
	if got := s.Reported(ctx, "ProductionRate"); got != 0 {
		t.Errorf("reported absent = %d, want 0", got)
	}

	c.getErr = errors.New("timeout")
	if got := s.Desired(ctx, "ProductionRate"); got != 0 {
		t.Errorf("desired on failure = %d, want 0", got)
	}
}

func TestStoreMergeReported(t *testing.T) {
	c := &fakeClient{}
	s := NewStore(c, logging.Discard())
	ctx := context.Background()

	if !s.MergeReported(ctx, "DeviceError", 3) {
		t.Fatal("merge failed")
	}
	if len(c.patches) != 1 || c.patches[0]["DeviceError"] != 3 {
		t.Errorf("patches = %v", c.patches)
	}

	c.patchErr = errors.New("status 429")
	if s.MergeReported(ctx, "DeviceError", 4) {
		t.Error("expected merge to report failure")
	}
}

func TestStoreOnDesiredChange(t *testing.T) {
	c := &fakeClient{}
	s := NewStore(c, logging.Discard())
	var got Properties
	s.OnDesiredChange(func(p Properties) { got = p })
	c.handler(Properties{"ProductionRate": 10.0})
	if v, _ := got.Int("ProductionRate"); v != 10 {
		t.Errorf("handler got %v", got)
	}
}
