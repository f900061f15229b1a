package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "moex-ingest/internal/errors"
	"moex-ingest/internal/moex/moextest"
)

func writeConfig(t *testing.T, dir, baseURL string) {
	t.Helper()
	content := fmt.Sprintf(`
[provider]
base_url = %q
requests_per_second = 0.0

[store]
path = %q

[retry]
max_attempts = 2
initial_delay = "1ms"
max_delay = "2ms"

[metrics]
enabled = false

[logging]
console = false
file = false
`, baseURL, filepath.Join(dir, "cli.db"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0600))
}

func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd(zerolog.Nop())
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", dir}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seededServer(t *testing.T) *moextest.Server {
	t.Helper()
	srv := moextest.NewServer()
	t.Cleanup(srv.Close)

	srv.SetSecurities(moextest.SecurityRow("SBER"))
	srv.SetDates("SBER", "2020-01-01", "2020-01-05")
	first := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		srv.AddCandles("SBER", moextest.DailyCandle(first.AddDate(0, 0, i), float64(250+i)))
	}
	srv.SetDividends("SBER", moextest.Dividend{Date: "2019-06-13", Value: 16, Currency: "RUB"})
	return srv
}

func TestVersion_JSON(t *testing.T) {
	out, err := execute(t, t.TempDir(), "version", "--json")
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, Version, got["version"])
}

func TestConfigPath_DoesNotRequireConfig(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, dir, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.toml"), strings.TrimSpace(out))

	_, err = os.Stat(filepath.Join(dir, "config.toml"))
	assert.True(t, os.IsNotExist(err))
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, dir, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")

	_, err = execute(t, dir, "config", "init")
	assert.Error(t, err)

	_, err = execute(t, dir, "config", "init", "--force")
	assert.NoError(t, err)

	out, err = execute(t, dir, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
}

func TestConfigValidate_Invalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[store]\ndriver = \"oracle\"\n"), 0600))

	_, err := execute(t, dir, "config", "validate")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)
}

func TestConfigShow_RedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "http://localhost:1")
	t.Setenv("MOEX_SMTP_PASSWORD", "hunter2")

	out, err := execute(t, dir, "config", "show", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "http://localhost:1")
}

func TestRun_ThenListStocksAndRuns(t *testing.T) {
	srv := seededServer(t)
	dir := t.TempDir()
	writeConfig(t, dir, srv.URL)

	out, err := execute(t, dir, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "Status:    done")
	assert.Contains(t, out, "Candles:   5")
	assert.Contains(t, out, "Dividends: 1")

	out, err = execute(t, dir, "stocks", "--json", "--counts")
	require.NoError(t, err)
	var stocks []stockRow
	require.NoError(t, json.Unmarshal([]byte(out), &stocks))
	require.Len(t, stocks, 1)
	assert.Equal(t, "SBER", stocks[0].Ticker)
	assert.Equal(t, "The security is ordinary", stocks[0].TypeName)
	require.NotNil(t, stocks[0].Candles)
	assert.Equal(t, 5, *stocks[0].Candles)
	assert.Equal(t, 1, *stocks[0].Dividends)

	out, err = execute(t, dir, "stocks")
	require.NoError(t, err)
	assert.Contains(t, out, "SBER")
	assert.Contains(t, out, "1 stock(s)")

	out, err = execute(t, dir, "runs", "--csv")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "id,status,started_at,finished_at,stocks,candles,dividends,failures,error", lines[0])
	assert.Contains(t, lines[1], ",done,")
}

func TestRun_CSVReport(t *testing.T) {
	srv := seededServer(t)
	dir := t.TempDir()
	writeConfig(t, dir, srv.URL)

	out, err := execute(t, dir, "run", "--csv")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ticker,kind,count,skipped,error", lines[0])
	assert.Contains(t, out, "SBER,candles,5,false,")
	assert.Contains(t, out, "SBER,dividends,1,false,")
}

func TestRun_UniverseFailureExitsWithError(t *testing.T) {
	srv := seededServer(t)
	srv.FailNext(moextest.Securities, http.StatusBadGateway, 10)
	dir := t.TempDir()
	writeConfig(t, dir, srv.URL)

	out, err := execute(t, dir, "run", "--json")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTransport)

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "failed", report["status"])
}

func TestBackfill_UnknownTickerIsPartialFailure(t *testing.T) {
	srv := seededServer(t)
	dir := t.TempDir()
	writeConfig(t, dir, srv.URL)

	_, err := execute(t, dir, "run")
	require.NoError(t, err)

	out, err := execute(t, dir, "backfill", "sber", "NOPE")
	require.NoError(t, err)
	assert.Contains(t, out, "partial_failure")
	assert.Contains(t, out, "NOPE")
	assert.Contains(t, out, "1 failed job(s)")
}

func TestBackfill_RequiresTicker(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "http://localhost:1")

	_, err := execute(t, dir, "backfill")
	assert.Error(t, err)
}
