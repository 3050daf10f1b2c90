package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

func ApplyEnvOverrides(cfg *Config) error {
	if v := envString("ICPW_AUTHORITY_ID"); v != "" {
		cfg.AuthorityID = v
	}
	if v := envString("ICPW_HOST"); v != "" {
		cfg.Host = v
	}
	if v := envString("ICPW_ORIGIN"); v != "" {
		cfg.Origin = v
	}
	cfg.FetchRootKeyForLocalDev = envBoolWithFallback("ICPW_FETCH_ROOT_KEY", cfg.FetchRootKeyForLocalDev)
	if v := envCSV("ICPW_TARGETS"); v != nil {
		cfg.Targets = v
	}

	if v := envString("ICPW_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := envString("ICPW_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := envString("ICPW_STORAGE_SECRET"); v != "" {
		cfg.Storage.Secret = v
	}
	if v := envString("ICPW_REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v := envString("ICPW_REDIS_PREFIX"); v != "" {
		cfg.Storage.RedisPrefix = v
	}

	if v := envString("ICPW_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: ICPW_IDLE_TIMEOUT: %v", ErrInvalidConfig, err)
		}
		cfg.Idle.Timeout = d
	}
	cfg.Idle.CaptureScroll = envBoolWithFallback("ICPW_IDLE_CAPTURE_SCROLL", cfg.Idle.CaptureScroll)
	cfg.Idle.Disabled = envBoolWithFallback("ICPW_IDLE_DISABLED", cfg.Idle.Disabled)

	if v := envString("ICPW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := envString("ICPW_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envCSV(key string) []string {
	raw := envString(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envBoolWithFallback(key string, fallback bool) bool {
	switch strings.ToLower(envString(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
