package storage

import (
	"bytes"
	"errors"
	"testing"
)

func TestMakeKey(t *testing.T) {
	key := MakeKey(CategoryAgentCode, "abc", 0x0102)
	want := append([]byte("agent_code:abc:"), 0x02, 0x01, 0, 0, 0, 0, 0, 0)
	if !bytes.Equal(key, want) {
		t.Fatalf("MakeKey = %x, want %x", key, want)
	}
	if keyCategory(key) != CategoryAgentCode {
		t.Errorf("keyCategory = %q", keyCategory(key))
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	db := testDB(t)
	key := MakeKey(CategoryAgentCode, "miner", 7)

	if err := db.Set(key, []byte("print('hi')")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := db.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "print('hi')" {
		t.Errorf("Get = %q", got)
	}

	if err := db.Set(key, []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = db.Get(key)
	if string(got) != "v2" {
		t.Errorf("after overwrite Get = %q", got)
	}
}

func TestGetMissing(t *testing.T) {
	db := testDB(t)
	if _, err := db.Get(MakeKey(CategoryAgentLogs, "nobody", 1)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetEnforcesCategoryLimits(t *testing.T) {
	db := testDB(t)

	tests := []struct {
		category string
		size     int
		wantErr  bool
	}{
		{CategoryAgentCode, MaxAgentCodeBytes, false},
		{CategoryAgentCode, MaxAgentCodeBytes + 1, true},
		{CategoryAgentLogs, MaxAgentLogsBytes, false},
		{CategoryAgentLogs, MaxAgentLogsBytes + 1, true},
		{CategoryAgentHash, MaxAgentCodeBytes + 1, false},
	}
	for _, tt := range tests {
		err := db.Set(MakeKey(tt.category, "m", 1), make([]byte, tt.size))
		if tt.wantErr && !errors.Is(err, ErrValueTooLarge) {
			t.Errorf("%s/%d: err = %v, want ErrValueTooLarge", tt.category, tt.size, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("%s/%d: unexpected err %v", tt.category, tt.size, err)
		}
	}
}
