package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "BOLT")
	t.Setenv("TYPING_TTL", "2s")
	t.Setenv("SEND_BUFFER", "8")
	t.Setenv("DEBUG_ROUTES", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8083", cfg.Port)
	assert.Equal(t, StoreBolt, cfg.StoreDriver)
	assert.Equal(t, 2*time.Second, cfg.TypingTTL)
	assert.Equal(t, 8, cfg.SendBuffer)
	assert.True(t, cfg.DebugRoutes)
	assert.Equal(t, "any", cfg.DeleteForMePolicy)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9000"
jwt_secret: from-file
events_driver: kafka
kafka_brokers: ["k1:9092", "k2:9092"]
typing_ttl: 5s
delete_for_me_policy: sender
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9100")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Port, "environment wins over the file")
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, EventsKafka, cfg.EventsDriver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5*time.Second, cfg.TypingTTL)
	assert.Equal(t, "sender", cfg.DeleteForMePolicy)
}

func TestValidate(t *testing.T) {
	base := defaults()
	base.JWTSecret = "x"
	require.NoError(t, base.Validate())

	cfg := base
	cfg.JWTSecret = ""
	assert.Error(t, cfg.Validate())

	cfg = base
	cfg.StoreDriver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = base
	cfg.EventsDriver = EventsKafka
	assert.Error(t, cfg.Validate())
	cfg.KafkaBrokers = []string{"localhost:9092"}
	assert.NoError(t, cfg.Validate())
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	assert.Nil(t, splitList(""))
}
