// Package tlsutil 推送端点的 TLS 证书与客户端配置
//
// mock-eventserver 以 -tls 启动时自动生成自签名 CA 与服务端证书（wss://），
// 同步客户端通过 CA 文件校验服务端。
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrBadCA CA 文件中没有可用证书
var ErrBadCA = errors.New("no certificates found in CA file")

// CertFiles 证书文件路径
type CertFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// FilesIn 返回 dir 下的标准文件名
func FilesIn(dir string) CertFiles {
	return CertFiles{
		CAFile:   filepath.Join(dir, "ca.pem"),
		CertFile: filepath.Join(dir, "server.pem"),
		KeyFile:  filepath.Join(dir, "server-key.pem"),
	}
}

// Exist 三个文件是否都存在
func (c CertFiles) Exist() bool {
	for _, f := range []string{c.CAFile, c.CertFile, c.KeyFile} {
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return true
}

// Options 证书生成选项
type Options struct {
	Hosts        []string // SANs，localhost / 127.0.0.1 / ::1 总会包含
	Organization string
	ValidFor     time.Duration
}

// Bundle PEM 编码的 CA、服务端证书与私钥
type Bundle struct {
	CAPEM   []byte
	CertPEM []byte
	KeyPEM  []byte
}

// Generate 在内存中生成 CA 与由其签发的服务端证书
func Generate(opts Options) (*Bundle, error) {
	if opts.Organization == "" {
		opts.Organization = "opsdash"
	}
	if opts.ValidFor <= 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	notBefore := time.Now().Add(-time.Hour)

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          serial(),
		Subject:               pkix.Name{Organization: []string{opts.Organization}, CommonName: opts.Organization + " CA"},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create CA cert: %w", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial(),
		Subject:               pkix.Name{Organization: []string{opts.Organization}, CommonName: opts.Organization + " event server"},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hostList(opts.Hosts) {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create server cert: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal server key: %w", err)
	}

	return &Bundle{
		CAPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

func serial() *big.Int {
	n, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	return n
}

// hostList 去重并补全本地地址
func hostList(hosts []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, h := range append([]string{"localhost", "127.0.0.1", "::1"}, hosts...) {
		h = strings.TrimSpace(h)
		if h != "" && !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

// ServerConfig 服务端 TLS 配置
func (b *Bundle) ServerConfig() (*tls.Config, error) {
	pair, err := tls.X509KeyPair(b.CertPEM, b.KeyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12}, nil
}

// CAPool 仅包含本 CA 的证书池
func (b *Bundle) CAPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(b.CAPEM)
	return pool
}

// WriteFiles 写入 dir（私钥权限 600）
func (b *Bundle) WriteFiles(dir string) (CertFiles, error) {
	files := FilesIn(dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return files, fmt.Errorf("create cert dir: %w", err)
	}
	for _, f := range []struct {
		path string
		data []byte
		perm os.FileMode
	}{
		{files.CAFile, b.CAPEM, 0644},
		{files.CertFile, b.CertPEM, 0644},
		{files.KeyFile, b.KeyPEM, 0600},
	} {
		if err := os.WriteFile(f.path, f.data, f.perm); err != nil {
			return files, fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	return files, nil
}

// EnsureFiles dir 中已有证书时直接读取，否则生成并写入
func EnsureFiles(dir string, opts Options) (*Bundle, CertFiles, error) {
	files := FilesIn(dir)
	if files.Exist() {
		b, err := LoadFiles(files)
		return b, files, err
	}
	b, err := Generate(opts)
	if err != nil {
		return nil, files, err
	}
	files, err = b.WriteFiles(dir)
	return b, files, err
}

// LoadFiles 读取证书文件
func LoadFiles(files CertFiles) (*Bundle, error) {
	var b Bundle
	for _, f := range []struct {
		path string
		dst  *[]byte
	}{
		{files.CAFile, &b.CAPEM},
		{files.CertFile, &b.CertPEM},
		{files.KeyFile, &b.KeyPEM},
	} {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return nil, err
		}
		*f.dst = data
	}
	return &b, nil
}

// ClientConfig 客户端 TLS 配置
//
// caFile 为空时使用系统证书池；insecure 跳过校验，仅用于本地开发。
func ClientConfig(caFile string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure}
	if caFile == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, ErrBadCA
	}
	cfg.RootCAs = pool
	return cfg, nil
}
