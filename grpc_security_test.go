package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"fluidnet/sim/internal/config"
	"fluidnet/sim/internal/logging"
)

type stubServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *stubServerStream) Context() context.Context {
	return s.ctx
}

func incoming(key, value string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(key, value))
}

func TestSharedSecretStreamInterceptor(t *testing.T) {
	interceptor := newSharedSecretStreamInterceptor("hunter2")
	info := &grpc.StreamServerInfo{FullMethod: "/fluidsim.diagnostics.v1.Diagnostics/WatchEvents"}
	called := 0
	handler := func(any, grpc.ServerStream) error {
		called++
		return nil
	}
	if err := interceptor(nil, &stubServerStream{ctx: incoming(sharedSecretMetadataKey, "hunter2")}, info, handler); err != nil {
		t.Fatalf("interceptor returned error: %v", err)
	}
	err := interceptor(nil, &stubServerStream{ctx: context.Background()}, info, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated code, got %v", err)
	}
	if called != 1 {
		t.Fatalf("expected handler invoked once, got %d", called)
	}
}

func TestSharedSecretUnaryInterceptor(t *testing.T) {
	interceptor := newSharedSecretUnaryInterceptor("hunter2")
	handler := func(context.Context, any) (any, error) { return "ok", nil }
	diag := &grpc.UnaryServerInfo{FullMethod: "/fluidsim.diagnostics.v1.Diagnostics/Snapshot"}

	if _, err := interceptor(incoming("authorization", "Bearer hunter2"), nil, diag, handler); err != nil {
		t.Fatalf("bearer secret rejected: %v", err)
	}
	_, err := interceptor(incoming(sharedSecretMetadataKey, "wrong"), nil, diag, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated for wrong secret, got %v", err)
	}
	//1.- Health probes pass without credentials.
	health := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if _, err := interceptor(context.Background(), nil, health, handler); err != nil {
		t.Fatalf("health probe rejected: %v", err)
	}
}

func TestLoadServerCredentialsFailsWithBadPaths(t *testing.T) {
	if _, err := loadServerCredentials("missing-cert", "missing-key", ""); err == nil {
		t.Fatal("expected error for missing files")
	}
}

func TestConfigureDiagnosticsSecurity(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t)
	cases := []struct {
		name string
		cfg  config.Config
		opts int
	}{
		{name: "open", cfg: config.Config{}, opts: 1},
		{name: "secret", cfg: config.Config{DiagSecret: "hunter2"}, opts: 2},
		{name: "tls", cfg: config.Config{DiagCertPath: certFile, DiagKeyPath: keyFile}, opts: 2},
		{name: "mtls", cfg: config.Config{DiagCertPath: certFile, DiagKeyPath: keyFile, DiagClientCAPath: certFile, DiagSecret: "x"}, opts: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts, err := configureDiagnosticsSecurity(&tc.cfg, logging.NewTestLogger())
			if err != nil {
				t.Fatalf("configureDiagnosticsSecurity: %v", err)
			}
			if len(opts) != tc.opts {
				t.Fatalf("expected %d options, got %d", tc.opts, len(opts))
			}
		})
	}

	bad := config.Config{DiagCertPath: certFile, DiagKeyPath: keyFile, DiagClientCAPath: keyFile}
	if _, err := configureDiagnosticsSecurity(&bad, logging.NewTestLogger()); err == nil {
		t.Fatal("expected a key file to be rejected as a CA bundle")
	}
}

func generateSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fluidsim-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}
