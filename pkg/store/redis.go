package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedis connects the shared rate-limit counter store from REDIS_*
// environment variables and verifies the connection with a ping.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	tlsConfig, err := loadRedisTLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if tlsConfig == nil && requiresSecureTransport("REDIS_REQUIRE_TLS") {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	db := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			db = parsed
		}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      envOr("REDIS_ADDR", "localhost:6379"),
		Password:  os.Getenv("REDIS_PASSWORD"),
		DB:        db,
		TLSConfig: tlsConfig,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func loadRedisTLSConfigFromEnv() (*tls.Config, error) {
	if !envBool("REDIS_TLS") {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if envBool("REDIS_TLS_INSECURE") {
		if !envBool("REDIS_ALLOW_INSECURE_TLS") {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	cfg.ServerName = strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	if err := loadRedisCA(cfg); err != nil {
		return nil, err
	}
	if err := loadRedisKeypair(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisCA(cfg *tls.Config) error {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE"))
	if caFile == "" {
		return nil
	}
	caBytes, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		return fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
	}
	cfg.RootCAs = pool
	return nil
}

func loadRedisKeypair(cfg *tls.Config) error {
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	if certFile == "" && keyFile == "" {
		return nil
	}
	if certFile == "" || keyFile == "" {
		return fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
	}
	cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
	if err != nil {
		return fmt.Errorf("load redis client keypair: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}
	return nil
}

func envBool(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}
