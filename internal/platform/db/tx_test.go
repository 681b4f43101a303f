package db

import (
	"context"
	"strings"
	"testing"
)

func TestTxFromContext_Nil(t *testing.T) {
	tx := TxFromContext(context.Background())
	if tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestConn_FallsBackWithoutTx(t *testing.T) {
	var fallback Querier
	if got := Conn(context.Background(), fallback); got != nil {
		t.Errorf("expected fallback querier, got %v", got)
	}
}

func TestRunInTx_NoPool(t *testing.T) {
	called := false
	err := RunInTx(context.Background(), nil, func(ctx context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error when no pool is given")
	}
	if err.Error() != "no database pool" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
	if called {
		t.Error("fn must not run without a transaction")
	}
}

func TestSchemaPattern(t *testing.T) {
	valid := []string{"public", "lab_results", "_staging", "A1B2"}
	for _, v := range valid {
		if !schemaPattern.MatchString(v) {
			t.Errorf("expected %s to be valid", v)
		}
	}

	invalid := []string{"a-b", "a.b", "a b", "'; DROP TABLE", "1abc", ""}
	for _, v := range invalid {
		if schemaPattern.MatchString(v) {
			t.Errorf("expected %s to be invalid", v)
		}
	}
}

func TestNewPool_InvalidSchema(t *testing.T) {
	_, err := NewPool(context.Background(), "postgres://localhost:5432/lab", 2, 1, "bad-schema")
	if err == nil {
		t.Fatal("expected error for invalid schema")
	}
	if !strings.Contains(err.Error(), "invalid schema name") {
		t.Errorf("unexpected error: %v", err)
	}
}
