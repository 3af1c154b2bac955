package commands

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0ot/chanrelay/pkg/relay"
	"github.com/n0ot/chanrelay/pkg/server"
)

func TestStatsAddr(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{":3056", "127.0.0.1:3056"},
		{"0.0.0.0:3056", "0.0.0.0:3056"},
		{"relay.example.com:80", "relay.example.com:80"},
		{"not an address", "not an address"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statsAddr(tt.in), tt.in)
	}
}

func TestGetStats(t *testing.T) {
	log, _ := test.NewNullLogger()
	ts := httptest.NewServer(server.NewStatsHandler(relay.NewRegistry(), log))
	defer ts.Close()

	statsTimeout = time.Second
	var out bytes.Buffer
	require.NoError(t, getStats(strings.TrimPrefix(ts.URL, "http://"), &out))
	assert.Contains(t, out.String(), "Number of channels: 0\n")
	assert.Contains(t, out.String(), "Number of connections: 0\n")
	assert.Contains(t, out.String(), "Frames broadcast: 0\n")
}

func TestGetStatsBadStatus(t *testing.T) {
	log, _ := test.NewNullLogger()
	ts := httptest.NewServer(server.NewStatsHandler(relay.NewRegistry(), log))
	defer ts.Close()

	statsTimeout = time.Second
	// Nothing is served under /nested.
	err := getStats(strings.TrimPrefix(ts.URL, "http://")+"/nested", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	defer viper.Reset()

	viper.Set("log.level", "debug")
	viper.Set("log.format", "json")
	logger, err := newLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.Level)
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	viper.Set("log.format", "xml")
	_, err = newLogger()
	assert.Error(t, err)

	viper.Set("log.format", "text")
	viper.Set("log.level", "loud")
	_, err = newLogger()
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	defer func(v string) { Version = v }(Version)
	Version = "1.2.3"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	defer versionCmd.SetOut(nil)
	versionCmd.Run(versionCmd, nil)
	assert.Equal(t, "chanrelay version 1.2.3\n"+Copyright+"\n", out.String())
	assert.Contains(t, Copyright, "2023")
}

func TestTransportConfig(t *testing.T) {
	defer viper.Reset()

	viper.Set("server.maxMessageSize", 0)
	viper.Set("server.writeTimeout", 3)
	cfg := transportConfig()
	assert.Equal(t, int64(-1), cfg.MaxMessageSize, "0 disables the limit")
	assert.Equal(t, 3*time.Second, cfg.WriteTimeout)
}
