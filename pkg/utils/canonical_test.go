package utils

import (
	"encoding/json"
	"testing"
)

func TestCanonicalJSONSortsObjectKeys(t *testing.T) {
	a := json.RawMessage(`{"b":1,"a":2}`)
	b := json.RawMessage(`{ "a" : 2 , "b" : 1 }`)

	ca, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}

	if string(ca) != string(cb) {
		t.Errorf("expected equal canonical forms, got %s vs %s", ca, cb)
	}
	if string(ca) != `{"a":2,"b":1}` {
		t.Errorf("unexpected canonical form: %s", ca)
	}
}

func TestCanonicalJSONSortsNestedKeys(t *testing.T) {
	raw := json.RawMessage(`[{"z":{"y":1,"x":2},"a":true}]`)
	got, err := CanonicalJSON(raw)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `[{"a":true,"z":{"x":2,"y":1}}]`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalJSONPreservesArrayOrder(t *testing.T) {
	raw := json.RawMessage(`["0x2","0x1"]`)
	got, err := CanonicalJSON(raw)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != `["0x2","0x1"]` {
		t.Errorf("array order not preserved: %s", got)
	}
}

func TestCanonicalJSONPreservesNumberLexeme(t *testing.T) {
	// A float64 round trip would turn this into 1e+21.
	raw := json.RawMessage(`{"v":1000000000000000000000}`)
	got, err := CanonicalJSON(raw)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != `{"v":1000000000000000000000}` {
		t.Errorf("number lexeme mangled: %s", got)
	}
}

func TestCanonicalJSONNilParams(t *testing.T) {
	got, err := CanonicalJSON(nil)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != "null" {
		t.Errorf("got %s, want null", got)
	}
}

func TestCanonicalJSONRejectsInvalid(t *testing.T) {
	if _, err := CanonicalJSON(json.RawMessage(`{"a":`)); err == nil {
		t.Error("expected error for truncated JSON")
	}
}

func TestCacheKeyCollidesOnEquivalentParams(t *testing.T) {
	k1, err := CacheKey("eth_getBalance", json.RawMessage(`[{"to":"0x1","from":"0x2"}]`))
	if err != nil {
		t.Fatalf("key 1: %v", err)
	}
	k2, err := CacheKey("eth_getBalance", json.RawMessage(`[ {"from":"0x2", "to":"0x1"} ]`))
	if err != nil {
		t.Fatalf("key 2: %v", err)
	}
	if k1 != k2 {
		t.Errorf("equivalent params produced different keys: %s vs %s", k1, k2)
	}
}

func TestCacheKeySeparatesMethods(t *testing.T) {
	k1, _ := CacheKey("eth_chainId", json.RawMessage(`[]`))
	k2, _ := CacheKey("net_version", json.RawMessage(`[]`))
	if k1 == k2 {
		t.Error("different methods collided")
	}
}

func TestCacheKeyDeterministic(t *testing.T) {
	params := json.RawMessage(`["0x1b4",true]`)
	first, err := CacheKey("eth_getBlockByNumber", params)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	for i := 0; i < 100; i++ {
		k, err := CacheKey("eth_getBlockByNumber", params)
		if err != nil {
			t.Fatalf("key: %v", err)
		}
		if k != first {
			t.Fatalf("non-deterministic key on iteration %d", i)
		}
	}
}
