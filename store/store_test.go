package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordBinding(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	prev, err := db.RecordBinding(ctx, "Device 1", "device-a", "opc.tcp://plc:4840")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if prev != "" {
		t.Errorf("first binding previous = %q, want empty", prev)
	}

	prev, err = db.RecordBinding(ctx, "Device 1", "device-a", "opc.tcp://plc:4840")
	if err != nil {
		t.Fatalf("record again: %v", err)
	}
	if prev != "device-a" {
		t.Errorf("previous = %q, want device-a", prev)
	}

	prev, err = db.RecordBinding(ctx, "Device 1", "device-b", "opc.tcp://plc:4840")
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if prev != "device-a" {
		t.Errorf("previous = %q, want device-a", prev)
	}

	b, err := db.GetBinding(ctx, "Device 1")
	if err != nil || b == nil {
		t.Fatalf("get: %v %v", b, err)
	}
	if b.DeviceID != "device-b" || b.Endpoint != "opc.tcp://plc:4840" || b.BoundAt.IsZero() {
		t.Errorf("binding = %+v", b)
	}

	changes, err := db.ListBindingChanges(ctx, 10)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(changes))
	}
	if changes[0].OldDeviceID != "device-a" || changes[0].NewDeviceID != "device-b" {
		t.Errorf("latest change = %+v", changes[0])
	}
}

func TestGetBindingMissing(t *testing.T) {
	db := openTestDB(t)
	b, err := db.GetBinding(context.Background(), "Device 9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b != nil {
		t.Errorf("binding = %+v, want nil", b)
	}
}

func TestListBindingsOrdered(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for _, name := range []string{"Device 2", "Device 1"} {
		if _, err := db.RecordBinding(ctx, name, "id-"+name, ""); err != nil {
			t.Fatal(err)
		}
	}
	list, err := db.ListBindings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].DisplayName != "Device 1" || list[1].DisplayName != "Device 2" {
		t.Errorf("bindings = %+v", list)
	}
}
