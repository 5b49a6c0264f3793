package layer

import "testing"

func TestDetectPrimaryKeyCandidateName(t *testing.T) {
	fields := []Field{
		{Name: "name", Type: "text", Unique: false, NotNull: true},
		{Name: "GID", Type: "int4", Unique: true, NotNull: true},
		{Name: "code", Type: "text", Unique: true, NotNull: true},
	}
	pk := DetectPrimaryKey(fields)
	if pk.Name != "GID" {
		t.Fatalf("expected GID, got %q", pk.Name)
	}
	if pk.Ordinal != 1 {
		t.Errorf("expected ordinal 1, got %d", pk.Ordinal)
	}
	if !pk.Numeric {
		t.Error("expected int4 key to be numeric")
	}
	if pk.Synthetic {
		t.Error("declared key must not be synthetic")
	}
}

func TestDetectPrimaryKeyCandidateOrder(t *testing.T) {
	fields := []Field{
		{Name: "id", Type: "int8", Unique: true, NotNull: true},
		{Name: "fid", Type: "int8", Unique: true, NotNull: true},
	}
	if pk := DetectPrimaryKey(fields); pk.Name != "fid" {
		t.Errorf("expected fid to win over id, got %q", pk.Name)
	}
}

func TestDetectPrimaryKeyAnyUnique(t *testing.T) {
	fields := []Field{
		{Name: "name", Type: "text", Unique: false, NotNull: true},
		{Name: "cadastral_ref", Type: "text", Unique: true, NotNull: true},
	}
	pk := DetectPrimaryKey(fields)
	if pk.Name != "cadastral_ref" {
		t.Fatalf("expected cadastral_ref fallback, got %q", pk.Name)
	}
	if pk.Numeric {
		t.Error("text key must not be numeric")
	}
}

func TestDetectPrimaryKeyRequiresNotNull(t *testing.T) {
	fields := []Field{
		{Name: "id", Type: "int4", Unique: true, NotNull: false},
	}
	pk := DetectPrimaryKey(fields)
	if !pk.Synthetic {
		t.Error("nullable unique column must not be used as key")
	}
}

func TestDetectPrimaryKeySyntheticFallback(t *testing.T) {
	pk := DetectPrimaryKey([]Field{{Name: "name", Type: "text"}})
	if !pk.Synthetic {
		t.Fatal("expected synthetic fallback")
	}
	if pk.Name != "rowid" || pk.Ordinal != -1 || !pk.Numeric {
		t.Errorf("unexpected synthetic key %+v", pk)
	}
}
