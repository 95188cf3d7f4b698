package main

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"fluidnet/sim/internal/config"
	"fluidnet/sim/internal/logging"
)

const sharedSecretMetadataKey = "x-fluidsim-diag-secret"

// healthMethodPrefix is exempt from shared-secret checks so probes work without credentials.
const healthMethodPrefix = "/grpc.health.v1.Health/"

// configureDiagnosticsSecurity derives server options from the diagnostics settings:
// TLS when a keypair is configured, client certificates when a CA is configured, and a
// shared secret on every call when one is set.
func configureDiagnosticsSecurity(cfg *config.Config, logger *logging.Logger) ([]grpc.ServerOption, error) {
	if cfg == nil {
		return nil, fmt.Errorf("diagnostics config required")
	}
	if logger == nil {
		logger = logging.L()
	}
	unary := []grpc.UnaryServerInterceptor{newLoggingUnaryInterceptor(logger)}
	var stream []grpc.StreamServerInterceptor
	var opts []grpc.ServerOption

	if cfg.DiagCertPath != "" {
		creds, err := loadServerCredentials(cfg.DiagCertPath, cfg.DiagKeyPath, cfg.DiagClientCAPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
		if cfg.DiagClientCAPath != "" {
			logger.Info("diagnostics mTLS enabled")
		} else {
			logger.Info("diagnostics TLS enabled")
		}
	}
	if secret := strings.TrimSpace(cfg.DiagSecret); secret != "" {
		unary = append(unary, newSharedSecretUnaryInterceptor(secret))
		stream = append(stream, newSharedSecretStreamInterceptor(secret))
		logger.Info("diagnostics shared-secret authentication enabled")
	} else if cfg.DiagCertPath == "" {
		logger.Warn("diagnostics endpoint is unauthenticated")
	}

	opts = append(opts, grpc.ChainUnaryInterceptor(unary...))
	if len(stream) > 0 {
		opts = append(opts, grpc.ChainStreamInterceptor(stream...))
	}
	return opts, nil
}

func newSharedSecretUnaryInterceptor(secret string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, healthMethodPrefix) {
			if err := checkSharedSecret(ctx, secret); err != nil {
				return nil, err
			}
		}
		return handler(ctx, req)
	}
}

func newSharedSecretStreamInterceptor(secret string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !strings.HasPrefix(info.FullMethod, healthMethodPrefix) {
			if err := checkSharedSecret(ss.Context(), secret); err != nil {
				return err
			}
		}
		return handler(srv, ss)
	}
}

func checkSharedSecret(ctx context.Context, secret string) error {
	if secret == "" {
		return status.Error(codes.Unauthenticated, "shared secret not configured")
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	candidate := extractSharedSecret(md)
	if candidate == "" {
		return status.Error(codes.Unauthenticated, "missing shared secret")
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid shared secret")
	}
	return nil
}

func extractSharedSecret(md metadata.MD) string {
	for _, value := range md.Get(sharedSecretMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}

func newLoggingUnaryInterceptor(logger *logging.Logger) grpc.UnaryServerInterceptor {
	log := logger.With(logging.String("component", "diagnostics_rpc"))
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		resp, err := handler(ctx, req)
		fields := []logging.Field{
			logging.String("method", info.FullMethod),
			logging.String("code", status.Code(err).String()),
			logging.Duration("elapsed", time.Since(started)),
		}
		if err != nil {
			log.Warn("diagnostics call failed", append(fields, logging.Error(err))...)
		} else {
			log.Debug("diagnostics call", fields...)
		}
		return resp, err
	}
}

// loadServerCredentials builds TLS credentials; a non-empty caPath requires client certificates.
func loadServerCredentials(certPath, keyPath, caPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if caPath != "" {
		caBytes, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("failed to parse client ca bundle")
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = pool
	}
	return credentials.NewTLS(tlsConfig), nil
}
