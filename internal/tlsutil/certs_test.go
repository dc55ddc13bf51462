// Package tlsutil 证书生成测试
//
// # 测试分组
//   - TestGenerate_ServesTLS: 生成的证书可供 HTTPS 服务端使用，客户端用 CA 文件校验
//   - TestEnsureFiles: 已有证书时复用
//   - TestClientConfig: CA 文件错误
package tlsutil

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_ServesTLS(t *testing.T) {
	b, err := Generate(Options{Hosts: []string{"events.local"}})
	require.NoError(t, err)

	serverCfg, err := b.ServerConfig()
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	files, err := b.WriteFiles(t.TempDir())
	require.NoError(t, err)

	clientCfg, err := ClientConfig(files.CAFile, false)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// 系统证书池不信任自签名 CA
	plain, err := ClientConfig("", false)
	require.NoError(t, err)
	_, err = (&http.Client{Transport: &http.Transport{TLSClientConfig: plain}}).Get(srv.URL)
	assert.Error(t, err)
}

func TestEnsureFiles(t *testing.T) {
	dir := t.TempDir()

	first, files, err := EnsureFiles(dir, Options{})
	require.NoError(t, err)
	assert.True(t, files.Exist())

	info, err := os.Stat(files.KeyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, _, err := EnsureFiles(dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, first.CAPEM, second.CAPEM, "existing certs are reused")
}

func TestClientConfig(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0644))

	_, err := ClientConfig(bad, false)
	assert.ErrorIs(t, err, ErrBadCA)

	_, err = ClientConfig(filepath.Join(t.TempDir(), "missing.pem"), false)
	assert.Error(t, err)

	cfg, err := ClientConfig("", true)
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
}
