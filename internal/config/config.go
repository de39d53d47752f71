// Package config loads relay configuration from CLI flags, environment
// files, and (optionally) HashiCorp Vault, following the teacher's
// cascading-load convention: .env -> .env.{NODE_ENV} -> .env.local ->
// process environment -> flags.
package config

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/joho/godotenv"
)

// JWTKeyManager holds the control-plane JWT secret and its rotation
// state, a concern distinct from the wallet-signature handshake used on
// the WebSocket transport itself. No control-plane handler or relayctl
// command checks a token against it.
type JWTKeyManager struct {
	currentSecret    string
	previousSecret   string
	rotationTime     time.Time
	rotationInterval time.Duration
	lock             sync.RWMutex
	logger           *log.Logger
}

// VaultClient provides secret retrieval via HashiCorp Vault.
type VaultClient struct {
	client     *api.Client
	mountPath  string
	secretPath string
	logger     *log.Logger
}

var (
	keyManager = &JWTKeyManager{
		logger: log.New(os.Stdout, "[JWT-ROTATION] ", log.Ldate|log.Ltime|log.LUTC),
	}
	vaultClient *VaultClient
)

// InitializeKeyManager seeds the control-plane JWT key manager.
func InitializeKeyManager(secret string) {
	keyManager.lock.Lock()
	defer keyManager.lock.Unlock()

	keyManager.currentSecret = secret
	keyManager.previousSecret = ""
	keyManager.rotationTime = time.Now()
	keyManager.rotationInterval = 24 * time.Hour
	keyManager.logger.Printf("JWT key manager initialized, rotation interval: %v", keyManager.rotationInterval)
}

// InitializeVaultClient sets up a Vault client for secret retrieval.
func InitializeVaultClient(vaultAddr, token, mountPath, secretPath string) error {
	cfg := &api.Config{Address: vaultAddr}
	client, err := api.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(token)

	if _, err := client.Sys().Health(); err != nil {
		return fmt.Errorf("connect to vault: %w", err)
	}

	vaultClient = &VaultClient{
		client:     client,
		mountPath:  mountPath,
		secretPath: secretPath,
		logger:     log.New(os.Stdout, "[VAULT] ", log.Ldate|log.Ltime|log.LUTC),
	}
	vaultClient.logger.Printf("vault client initialized - address: %s, mount: %s, path: %s", vaultAddr, mountPath, secretPath)
	return nil
}

// GetSecretFromVault retrieves key from the configured Vault mount/path.
func GetSecretFromVault(key string) (string, error) {
	if vaultClient == nil {
		return "", fmt.Errorf("vault client not initialized")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret, err := vaultClient.client.KVv2(vaultClient.mountPath).Get(ctx, vaultClient.secretPath)
	if err != nil {
		return "", fmt.Errorf("retrieve secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found at %s/%s", vaultClient.mountPath, vaultClient.secretPath)
	}
	value, ok := secret.Data[key].(string)
	if !ok {
		return "", fmt.Errorf("secret key %q not found or not a string", key)
	}
	return value, nil
}

// GetJWTSecretFromVault retrieves the control-plane JWT secret, falling
// back to the JWT_SECRET environment variable.
func GetJWTSecretFromVault() (string, error) {
	if vaultClient != nil {
		secret, err := GetSecretFromVault("jwt_secret")
		if err == nil && secret != "" {
			return secret, nil
		}
		vaultClient.logger.Printf("failed to get JWT secret from vault, falling back to environment: %v", err)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return "", fmt.Errorf("JWT_SECRET not found in vault or environment")
	}
	return secret, nil
}

// GetCurrentSecret returns the active control-plane JWT secret.
func GetCurrentSecret() string {
	keyManager.lock.RLock()
	defer keyManager.lock.RUnlock()
	return keyManager.currentSecret
}

// GetPreviousSecret returns the prior secret, valid during a rotation
// transition window.
func GetPreviousSecret() string {
	keyManager.lock.RLock()
	defer keyManager.lock.RUnlock()
	return keyManager.previousSecret
}

// RotateSecret rotates the control-plane JWT secret, keeping the old one
// valid for the transition period.
func RotateSecret(newSecret string) error {
	if err := ValidateJWTSecret(newSecret); err != nil {
		return fmt.Errorf("new JWT secret validation failed: %w", err)
	}

	keyManager.lock.Lock()
	defer keyManager.lock.Unlock()

	keyManager.previousSecret = keyManager.currentSecret
	keyManager.currentSecret = newSecret
	keyManager.rotationTime = time.Now()
	keyManager.logger.Printf("JWT secret rotation completed")
	return nil
}

// ValidateJWTSecret enforces the control-plane JWT secret's minimum
// strength.
func ValidateJWTSecret(secret string) error {
	if len(secret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 characters long")
	}
	unique := make(map[rune]bool)
	for _, c := range secret {
		unique[c] = true
	}
	if len(unique) < 10 {
		return fmt.Errorf("JWT secret must contain at least 10 unique characters")
	}
	return nil
}

func loadEnvFiles() {
	_ = godotenv.Load()
	if env := os.Getenv("NODE_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}
	_ = godotenv.Load(".env.local")
}

// Config holds the relay's runtime configuration.
type Config struct {
	ServerID  string
	Listen    string
	CertFile  string
	KeyFile   string
	Metrics   string

	MaxQueuePerWallet int
	MaxQueueGlobal    int
	HandshakeTimeout  time.Duration

	JWTSecret string

	RedisURL    string // empty disables clusterbus/archival
	PostgresURL string // empty disables persistence
	ConsulURL   string // empty disables service registration
}

// Load builds a Config from environment files/variables and then applies
// CLI flag overrides, following the teacher's env-then-flags precedence.
func Load(args []string) (*Config, error) {
	loadEnvFiles()

	vaultAddr := os.Getenv("VAULT_ADDR")
	vaultToken := os.Getenv("VAULT_TOKEN")
	if vaultAddr != "" && vaultToken != "" {
		mountPath := getEnv("VAULT_MOUNT_PATH", "secret")
		secretPath := getEnv("VAULT_SECRET_PATH", "solconnect-relay")
		if err := InitializeVaultClient(vaultAddr, vaultToken, mountPath, secretPath); err != nil {
			log.Printf("warning: failed to initialize vault client: %v", err)
		}
	}

	jwtSecret, err := GetJWTSecretFromVault()
	if err != nil {
		jwtSecret = getEnv("JWT_SECRET", "")
	}
	if jwtSecret != "" {
		InitializeKeyManager(jwtSecret)
	}

	cfg := &Config{
		ServerID:          getEnv("SERVER_ID", "relay-1"),
		Listen:            getEnv("LISTEN_ADDR", ":8443"),
		CertFile:          getEnv("TLS_CERT_FILE", ""),
		KeyFile:           getEnv("TLS_KEY_FILE", ""),
		Metrics:           getEnv("METRICS_LISTEN_ADDR", ":9090"),
		MaxQueuePerWallet: int(getEnvInt64("MAX_QUEUE_PER_WALLET", 100)),
		MaxQueueGlobal:    int(getEnvInt64("MAX_QUEUE_GLOBAL", 10000)),
		HandshakeTimeout:  time.Duration(getEnvInt64("HANDSHAKE_TIMEOUT_SECONDS", 10)) * time.Second,
		JWTSecret:         jwtSecret,
		RedisURL:          getEnv("REDIS_URL", ""),
		PostgresURL:       getEnv("POSTGRES_URL", ""),
		ConsulURL:         getEnv("CONSUL_URL", ""),
	}

	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "WebSocket listen address")
	fs.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate file")
	fs.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS key file")
	fs.StringVar(&cfg.Metrics, "metrics-listen", cfg.Metrics, "metrics listen address")
	fs.IntVar(&cfg.MaxQueuePerWallet, "max-queue-per-wallet", cfg.MaxQueuePerWallet, "per-wallet delivery queue cap")
	fs.IntVar(&cfg.MaxQueueGlobal, "max-queue-global", cfg.MaxQueueGlobal, "global delivery queue cap")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
