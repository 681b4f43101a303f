package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func jwkFor(kid string, pub *rsa.PublicKey) JWKSKey {
	return JWKSKey{
		Kty: "RSA",
		Kid: kid,
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func TestJWKSCache_GetKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		json.NewEncoder(w).Encode(jwksResponse{Keys: []JWKSKey{
			jwkFor("k1", &priv.PublicKey),
			{Kty: "EC", Kid: "ec"},
		}})
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Minute)
	key, err := cache.GetKey("k1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if key.N.Cmp(priv.PublicKey.N) != 0 || key.E != priv.PublicKey.E {
		t.Error("decoded key does not match")
	}

	if _, err := cache.GetKey("k1"); err != nil {
		t.Fatalf("GetKey cached: %v", err)
	}
	if hits != 1 {
		t.Errorf("expected 1 fetch, got %d", hits)
	}

	if _, err := cache.GetKey("ec"); err == nil {
		t.Error("expected non-RSA key to be skipped")
	}
}

func TestJWKSCache_EndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewJWKSCache(srv.URL, time.Minute).GetKey("k1"); err == nil {
		t.Error("expected error from failing JWKS endpoint")
	}
}

func TestDiscoverJWKSURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"issuer":"x","jwks_uri":"https://idp.example.org/keys"}`))
	}))
	defer srv.Close()

	got, err := discoverJWKSURL(srv.Client(), srv.URL+"/")
	if err != nil {
		t.Fatalf("discoverJWKSURL: %v", err)
	}
	if got != "https://idp.example.org/keys" {
		t.Errorf("unexpected jwks uri %s", got)
	}
}
