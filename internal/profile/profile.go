package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo".
	Mode string
	// Addr is the binding address for the HTTP server.
	Addr string
	// Port is the binding port for the HTTP server.
	Port int
	// Data is the data directory. The sqlite/bolt database files and the vector store live here.
	Data string
	// Driver is the Message Log driver: sqlite, postgres, mysql or bolt.
	Driver string
	// DSN points to where the data is stored. Derived from Data for sqlite and bolt.
	DSN string
	// Secret signs participant access tokens.
	Secret string

	// Backend is the default generation backend name.
	Backend string
	// Model is the model identity requested from the backend.
	Model            string
	GeminiAPIKey     string
	OpenRouterAPIKey string
	// EmbeddingModel enables semantic recall when an OpenRouter key is present.
	EmbeddingModel string
	Temperature    float64
	MaxTokens      int

	// CheckpointInterval is the number of characters accumulated between checkpoints.
	CheckpointInterval int
	// IdleTimeout bounds the wait for the next fragment.
	IdleTimeout time.Duration
	// MaxStreamDuration bounds a whole generation.
	MaxStreamDuration time.Duration
	// SendTimeout is how long one write to a caller may block before the caller is detached.
	SendTimeout time.Duration
	// LeaseTTL is how long a streaming turn stays owned without renewal.
	LeaseTTL time.Duration
	// HistoryWindow is the number of most recent turns sent to the backend.
	HistoryWindow int
	// PageSize is the default history page size.
	PageSize  int
	AutoTitle bool

	LogLevel  string
	LogFormat string

	Version string
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverBolt     = "bolt"
)

const (
	defaultCheckpointInterval = 100
	defaultIdleTimeout        = 30 * time.Second
	defaultMaxStreamDuration  = 5 * time.Minute
	defaultSendTimeout        = 10 * time.Second
	defaultLeaseTTL           = 2 * time.Minute
	defaultHistoryWindow      = 50
	defaultPageSize           = 20
)

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate fills defaults and resolves the data directory and DSN.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	if p.Driver == "" {
		p.Driver = DriverSQLite
	}
	switch p.Driver {
	case DriverSQLite, DriverPostgres, DriverMySQL, DriverBolt:
	default:
		return errors.Errorf("unsupported driver %q", p.Driver)
	}

	if p.Data == "" {
		p.Data = filepath.Join(os.TempDir(), "judy")
		if err := os.MkdirAll(p.Data, 0o770); err != nil {
			slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
			return err
		}
	}
	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check dsn", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.DSN == "" {
		switch p.Driver {
		case DriverSQLite:
			p.DSN = filepath.Join(dataDir, fmt.Sprintf("judy_%s.db", p.Mode))
		case DriverBolt:
			p.DSN = filepath.Join(dataDir, fmt.Sprintf("judy_%s.bolt", p.Mode))
		default:
			return errors.Errorf("dsn is required for driver %q", p.Driver)
		}
	}

	if p.Backend == "" {
		p.Backend = "echo"
	}
	if p.CheckpointInterval <= 0 {
		p.CheckpointInterval = defaultCheckpointInterval
	}
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = defaultIdleTimeout
	}
	if p.MaxStreamDuration <= 0 {
		p.MaxStreamDuration = defaultMaxStreamDuration
	}
	if p.SendTimeout <= 0 {
		p.SendTimeout = defaultSendTimeout
	}
	if p.LeaseTTL <= 0 {
		p.LeaseTTL = defaultLeaseTTL
	}
	if p.HistoryWindow <= 0 {
		p.HistoryWindow = defaultHistoryWindow
	}
	if p.PageSize <= 0 {
		p.PageSize = defaultPageSize
	}
	if p.Secret == "" {
		if !p.IsDev() {
			return errors.New("secret is required in prod mode")
		}
		p.Secret = "judy-dev-secret"
	}
	return nil
}
