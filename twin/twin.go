package twin

import (
	"context"
	"encoding/json"
	"math"
	"strconv"

	"github.com/sirupsen/logrus"
)

// VersionKey is the metadata key the service adds to both property halves.
const VersionKey = "$version"

// Properties is one half of a device twin.
type Properties map[string]interface{}

// Int returns a property as an int. JSON numbers, Go integers and numeric
// strings are accepted; anything else reports false.
func (p Properties) Int(name string) (int, bool) {
	v, ok := p[name]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil {
			return int(f), true
		}
		return 0, false
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i, true
		}
		return 0, false
	default:
		return 0, false
	}
}

// Version returns the $version metadata, or 0.
func (p Properties) Version() int64 {
	v, _ := p.Int(VersionKey)
	return int64(v)
}

// Document is a full device twin.
type Document struct {
	Desired  Properties `json:"desired"`
	Reported Properties `json:"reported"`
}

// Client is the cloud side of one device identity.
type Client interface {
	GetTwin(ctx context.Context) (*Document, error)
	UpdateReported(ctx context.Context, patch Properties) error
	// OnDesiredChange registers the handler for desired-property patches.
	// The handler runs on the client's delivery goroutine.
	OnDesiredChange(handler func(patch Properties))
}

// Store is the reported/desired property store of one device. Reads default to
// 0 and writes are best effort; failures are logged, never returned.
type Store struct {
	client Client
	log    logrus.FieldLogger
}

// NewStore wraps a twin client.
func NewStore(client Client, log logrus.FieldLogger) *Store {
	return &Store{client: client, log: log}
}

// Get fetches the whole twin. ok is false when the fetch failed.
func (s *Store) Get(ctx context.Context) (doc *Document, ok bool) {
	doc, err := s.client.GetTwin(ctx)
	if err != nil {
		s.log.Errorf("get twin: %v", err)
		return &Document{Desired: Properties{}, Reported: Properties{}}, false
	}
	if doc.Desired == nil {
		doc.Desired = Properties{}
	}
	if doc.Reported == nil {
		doc.Reported = Properties{}
	}
	return doc, true
}

// Reported returns a reported property, or 0 when absent or unreadable.
func (s *Store) Reported(ctx context.Context, name string) int {
	doc, _ := s.Get(ctx)
	v, _ := doc.Reported.Int(name)
	return v
}

// Desired returns a desired property, or 0 when absent or unreadable.
func (s *Store) Desired(ctx context.Context, name string) int {
	doc, _ := s.Get(ctx)
	v, _ := doc.Desired.Int(name)
	return v
}

// MergeReported upserts one reported property.
func (s *Store) MergeReported(ctx context.Context, name string, value int) bool {
	s.log.WithField("property", name).Infof("reporting %s = %d", name, value)
	if err := s.client.UpdateReported(ctx, Properties{name: value}); err != nil {
		s.log.WithField("property", name).Errorf("report property: %v", err)
		return false
	}
	return true
}

// OnDesiredChange registers handler for desired-property patches.
func (s *Store) OnDesiredChange(handler func(patch Properties)) {
	s.client.OnDesiredChange(handler)
}
