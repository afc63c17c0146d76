package db

import (
	"context"
	"testing"
)

func TestValidSchema(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"public", true},
		{"visitflow", true},
		{"branch_1", true},
		{"_private", true},
		{"A1B2C3", true},
		{"1abc", false},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"a/b", false},
		{"", false},
		{"'; DROP TABLE", false},
		{"schema@1", false},
	}

	for _, tt := range tests {
		if got := ValidSchema(tt.input); got != tt.valid {
			t.Errorf("ValidSchema(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestConnFromContext_Nil(t *testing.T) {
	conn := ConnFromContext(context.Background())
	if conn != nil {
		t.Error("expected nil conn from empty context")
	}
}

func TestConnFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	if conn := ConnFromContext(ctx); conn != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestWithConn_Nil(t *testing.T) {
	ctx := WithConn(context.Background(), nil)
	if conn := ConnFromContext(ctx); conn != nil {
		t.Error("expected nil conn")
	}
}

func TestTxFromContext_Nil(t *testing.T) {
	tx := TxFromContext(context.Background())
	if tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}
