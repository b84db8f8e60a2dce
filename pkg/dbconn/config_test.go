package dbconn

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateTestCert creates a self-signed CA certificate for testing.
func generateTestCert(t *testing.T) ([]byte, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			CommonName:   "shard-test-ca",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), certDER
}

func TestDBConfigDefaults(t *testing.T) {
	config := NewDBConfig()
	assert.Equal(t, TLSPreferred, config.TLSMode)
	assert.Empty(t, config.TLSCertificatePath)
	assert.Equal(t, 3, config.MaxRetries)
	assert.Equal(t, 32, config.MaxOpenConnections)
	assert.NoError(t, config.Validate())
}

func TestDBConfigValidate(t *testing.T) {
	config := NewDBConfig()
	config.MaxRetries = 0
	assert.ErrorContains(t, config.Validate(), "max retries must be at least 1")

	config = NewDBConfig()
	config.TLSMode = "SOMETIMES"
	assert.ErrorContains(t, config.Validate(), `unknown TLS mode "SOMETIMES"`)

	config = NewDBConfig()
	config.MaxRetries = 0
	_, err := New("user:pass@tcp(127.0.0.1:1)/test", config)
	assert.ErrorContains(t, err, "max retries", "rejected before dialing")
}

func TestNewTLSConfigModes(t *testing.T) {
	certPEM, _ := generateTestCert(t)

	tests := []struct {
		name       string
		mode       string
		cert       []byte
		wantNil    bool
		wantErr    string
		skipVerify bool
	}{
		{name: "disabled", mode: TLSDisabled, wantNil: true},
		{name: "preferred", mode: TLSPreferred, skipVerify: true},
		{name: "required", mode: TLSRequired, skipVerify: true},
		{name: "empty mode behaves like preferred", mode: "", skipVerify: true},
		{name: "verify ca", mode: TLSVerifyCA, cert: certPEM, skipVerify: true},
		{name: "verify ca without cert", mode: TLSVerifyCA, wantErr: "requires a TLS certificate path"},
		{name: "verify identity", mode: TLSVerifyIdentity, cert: certPEM},
		{name: "unknown", mode: "SOMETIMES", wantErr: `unknown TLS mode "SOMETIMES"`},
		{name: "garbage cert", mode: TLSRequired, cert: []byte("not a pem"), wantErr: "no certificates found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := newTLSConfig(tt.mode, tt.cert, "db.internal")
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, cfg)
				return
			}
			require.NotNil(t, cfg)
			assert.Equal(t, tt.skipVerify, cfg.InsecureSkipVerify)
			if tt.mode == TLSVerifyIdentity {
				assert.Equal(t, "db.internal", cfg.ServerName)
				assert.NotNil(t, cfg.RootCAs)
			}
			if tt.mode == TLSVerifyCA {
				assert.NotNil(t, cfg.VerifyPeerCertificate)
			}
		})
	}
}

func TestVerifyChain(t *testing.T) {
	certPEM, certDER := generateTestCert(t)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(certPEM))

	assert.NoError(t, verifyChain([][]byte{certDER}, pool))
	assert.ErrorContains(t, verifyChain(nil, pool), "no certificates provided")
	assert.ErrorContains(t, verifyChain([][]byte{[]byte("junk")}, pool), "failed to parse certificate")

	_, otherDER := generateTestCert(t)
	assert.ErrorContains(t, verifyChain([][]byte{otherDER}, pool), "certificate verification failed")
}

func TestNewConfig(t *testing.T) {
	config := NewDBConfig()
	config.InterpolateParams = true
	cfg, err := newConfig("app:secret@tcp(db.internal:3306)/commerce", config)
	require.NoError(t, err)

	assert.Equal(t, "db.internal:3306", cfg.Addr)
	assert.Equal(t, "commerce", cfg.DBName)
	assert.Equal(t, `'+00:00'`, cfg.Params["time_zone"])
	assert.Equal(t, "3", cfg.Params["innodb_lock_wait_timeout"])
	assert.Equal(t, "30", cfg.Params["lock_wait_timeout"])
	assert.True(t, cfg.RejectReadOnly)
	assert.True(t, cfg.InterpolateParams)
	assert.True(t, cfg.AllowFallbackToPlaintext)
	require.NotNil(t, cfg.TLS)
	assert.True(t, cfg.TLS.InsecureSkipVerify)

	config.TLSMode = TLSDisabled
	cfg, err = newConfig("app:secret@tcp(db.internal:3306)/commerce", config)
	require.NoError(t, err)
	assert.Nil(t, cfg.TLS)
	assert.False(t, cfg.AllowFallbackToPlaintext)

	_, err = newConfig("not a dsn", config)
	assert.Error(t, err)
}

func TestNewConfigCertificatePath(t *testing.T) {
	certPEM, _ := generateTestCert(t)
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, certPEM, 0o600))

	config := NewDBConfig()
	config.TLSMode = TLSVerifyIdentity
	config.TLSCertificatePath = path
	cfg, err := newConfig("app@tcp(db.internal:3306)/", config)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.TLS.ServerName)

	config.TLSCertificatePath = filepath.Join(t.TempDir(), "missing.pem")
	_, err = newConfig("app@tcp(db.internal:3306)/", config)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
