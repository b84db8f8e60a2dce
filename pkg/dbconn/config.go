package dbconn

import (
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

const maxConnLifetime = time.Minute * 3

// TLS modes, named like the mysql client's --ssl-mode.
const (
	TLSDisabled       = "DISABLED"
	TLSPreferred      = "PREFERRED"
	TLSRequired       = "REQUIRED"
	TLSVerifyCA       = "VERIFY_CA"
	TLSVerifyIdentity = "VERIFY_IDENTITY"
)

type DBConfig struct {
	LockWaitTimeout       int
	InnodbLockWaitTimeout int
	MaxRetries            int
	MaxOpenConnections    int
	InterpolateParams     bool
	// TLS Configuration
	TLSMode            string // TLS connection mode (DISABLED, PREFERRED, REQUIRED, VERIFY_CA, VERIFY_IDENTITY)
	TLSCertificatePath string // Path to custom CA certificate file
}

func NewDBConfig() *DBConfig {
	return &DBConfig{
		LockWaitTimeout:       30,
		InnodbLockWaitTimeout: 3,
		MaxRetries:            3,
		MaxOpenConnections:    32,
		InterpolateParams:     false,
		TLSMode:               TLSPreferred,
		TLSCertificatePath:    "",
	}
}

// Validate rejects settings that cannot produce a working connection.
func (c *DBConfig) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	}
	switch c.TLSMode {
	case "", TLSDisabled, TLSPreferred, TLSRequired, TLSVerifyCA, TLSVerifyIdentity:
	default:
		return fmt.Errorf("unknown TLS mode %q", c.TLSMode)
	}
	return nil
}

// newTLSConfig returns the tls.Config for a mode, or nil when TLS is disabled.
func newTLSConfig(mode string, caCert []byte, host string) (*tls.Config, error) {
	var pool *x509.CertPool
	if len(caCert) > 0 {
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("no certificates found in TLS certificate file")
		}
	}
	switch mode {
	case TLSDisabled:
		return nil, nil
	case TLSPreferred, TLSRequired, "":
		// Encryption only.
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec
	case TLSVerifyCA:
		if pool == nil {
			return nil, errors.New("VERIFY_CA requires a TLS certificate path")
		}
		return &tls.Config{
			// Chain is verified below; the hostname is not.
			InsecureSkipVerify: true, //nolint:gosec
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				return verifyChain(rawCerts, pool)
			},
		}, nil
	case TLSVerifyIdentity:
		return &tls.Config{RootCAs: pool, ServerName: host}, nil
	default:
		return nil, fmt.Errorf("unknown TLS mode %q", mode)
	}
}

func verifyChain(rawCerts [][]byte, roots *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return errors.New("no certificates provided")
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := certs[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates}); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// newConfig parses dsn and applies the connection settings every shard
// connection should share.
func newConfig(dsn string, config *DBConfig) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	var caCert []byte
	if config.TLSCertificatePath != "" {
		if caCert, err = os.ReadFile(config.TLSCertificatePath); err != nil {
			return nil, err
		}
	}
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		host = cfg.Addr
	}
	tlsConfig, err := newTLSConfig(config.TLSMode, caCert, host)
	if err != nil {
		return nil, err
	}
	cfg.TLS = tlsConfig
	cfg.TLSConfig = ""
	// PREFERRED falls back to plaintext when the server has no TLS.
	cfg.AllowFallbackToPlaintext = config.TLSMode == TLSPreferred || config.TLSMode == ""

	if cfg.Params == nil {
		cfg.Params = make(map[string]string)
	}
	cfg.Params["time_zone"] = `'+00:00'`
	cfg.Params["innodb_lock_wait_timeout"] = strconv.Itoa(config.InnodbLockWaitTimeout)
	cfg.Params["lock_wait_timeout"] = strconv.Itoa(config.LockWaitTimeout)
	// So that we recycle the connection if we inadvertently connect to an old primary which is now a read only replica.
	// See also: https://github.com/go-sql-driver/mysql?tab=readme-ov-file#rejectreadonly
	cfg.RejectReadOnly = true
	cfg.InterpolateParams = config.InterpolateParams
	cfg.AllowNativePasswords = true
	return cfg, nil
}

// New is similar to sql.Open except we take the inputDSN and
// apply additional options to it to standardize the connection.
// It will also ping the connection to ensure it is valid.
func New(inputDSN string, config *DBConfig) (*sql.DB, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg, err := newConfig(inputDSN, config)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(config.MaxOpenConnections)
	db.SetConnMaxLifetime(maxConnLifetime)
	return db, nil
}
