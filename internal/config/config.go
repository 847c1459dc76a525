// Package config loads process configuration from the environment, the
// same getEnv*/env-file pattern the rest of this codebase uses.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ambisync/ambisync/internal/engine"
	"github.com/ambisync/ambisync/internal/catalog"
	"github.com/ambisync/ambisync/internal/ledframe"
	"github.com/ambisync/ambisync/internal/session"
	"github.com/ambisync/ambisync/internal/udpsender"
)

// Geometry mirrors border.Geometry without importing it, so config has
// no dependency on sampling internals.
type Geometry struct {
	Top, Right, Bottom, Left, Offset int
}

// Config holds every setting named in the external interfaces section:
// media server connection, LED geometry and output format, sampling,
// scheduling, device mapping, DNS, and engine timing.
type Config struct {
	MediaServerURL   string
	MediaServerToken string
	DataDir          string

	Geometry          Geometry
	LEDFormat         ledframe.Format
	PhysicalLEDCount  int

	FPS    float64 // 0 means "auto"
	FPSMin float64
	FPSMax float64

	BorderFraction       float64
	TintEnabled          bool
	TintDarkThreshold    float64
	TintSaturationBoost  float64

	PollInterval        time.Duration
	ScanInterval        time.Duration
	BatchSize           int
	QueuePolicy         catalog.Policy
	ExtractionMaxAge    time.Duration
	ExtractionWindowStart string
	ExtractionWindowEnd   string

	DeviceMatchField session.DeviceMatchField
	Targets          session.TargetMap

	DNSTTL     time.Duration
	DNSDisable bool

	SyncLead       time.Duration
	SeekThreshold  time.Duration
	SeekDebounce   time.Duration
	MaxCatchupLag  time.Duration
	CatchupMode    engine.CatchupMode
	MaxBurstFrames int
}

// BinariesDir returns DataDir/binaries.
func (c *Config) BinariesDir() string { return c.DataDir + "/binaries" }

// ItemsDir returns DataDir/items.
func (c *Config) ItemsDir() string { return c.DataDir + "/items" }

// Load reads configuration from the environment. Call LoadEnvFile
// first to seed the environment from a .env file, if desired.
// Returns a config_error (see spec's error taxonomy) wrapped in a Go
// error when a required field is missing.
func Load() (*Config, error) {
	c := &Config{
		MediaServerURL:   os.Getenv("MEDIA_SERVER_URL"),
		MediaServerToken: os.Getenv("MEDIA_SERVER_TOKEN"),
		DataDir:          getEnv("DATA_DIR", "./data"),

		Geometry: Geometry{
			Top:    getEnvInt("LEDS_TOP", 0),
			Right:  getEnvInt("LEDS_RIGHT", 0),
			Bottom: getEnvInt("LEDS_BOTTOM", 0),
			Left:   getEnvInt("LEDS_LEFT", 0),
			Offset: getEnvInt("LED_OFFSET", 0),
		},
		LEDFormat:        parseLEDFormat(getEnv("LED_FORMAT", "rgb")),
		PhysicalLEDCount: getEnvInt("PHYSICAL_LED_COUNT", 0),

		FPS:    parseFPS(getEnv("FPS", "auto")),
		FPSMin: getEnvFloat("FPS_MIN", 10),
		FPSMax: getEnvFloat("FPS_MAX", 60),

		BorderFraction:      getEnvFloat("BORDER_FRACTION", 0.05),
		TintEnabled:         getEnvBool("TINT_ENABLED", false),
		TintDarkThreshold:   getEnvFloat("TINT_DARK_THRESHOLD", 0.1),
		TintSaturationBoost: getEnvFloat("TINT_SATURATION_BOOST", 1.0),

		PollInterval:          getEnvDuration("POLL_INTERVAL_SECONDS", 200*time.Millisecond),
		ScanInterval:          getEnvDuration("SCAN_INTERVAL_SECONDS", 10*time.Minute),
		BatchSize:             getEnvInt("BATCH_SIZE", 5),
		QueuePolicy:           catalog.Policy(getEnv("QUEUE_POLICY", string(catalog.PolicyNewestFirst))),
		ExtractionMaxAge:      getEnvDurationDays("EXTRACTION_MAX_AGE_DAYS", 0),
		ExtractionWindowStart: os.Getenv("EXTRACTION_WINDOW_START"),
		ExtractionWindowEnd:   os.Getenv("EXTRACTION_WINDOW_END"),

		DeviceMatchField: session.DeviceMatchField(getEnv("DEVICE_MATCH_FIELD", string(session.MatchDeviceName))),
		Targets:          loadTargets(),

		DNSTTL:     getEnvDuration("DNS_TTL_SECONDS", 5*time.Minute),
		DNSDisable: getEnvBool("DNS_DISABLE", false),

		SyncLead:       getEnvDuration("SYNC_LEAD_SECONDS", 0),
		SeekThreshold:  getEnvDuration("SEEK_THRESHOLD_SECONDS", time.Second),
		SeekDebounce:   getEnvDuration("SEEK_DEBOUNCE_SECONDS", time.Second),
		MaxCatchupLag:  getEnvDuration("MAX_CATCHUP_LAG_SECONDS", 100*time.Millisecond),
		CatchupMode:    parseCatchupMode(getEnv("CATCHUP_MODE", "last_only")),
		MaxBurstFrames: getEnvInt("MAX_BURST_FRAMES", 10),
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.MediaServerURL == "" {
		missing = append(missing, "MEDIA_SERVER_URL")
	}
	if c.MediaServerToken == "" {
		missing = append(missing, "MEDIA_SERVER_TOKEN")
	}
	if c.PhysicalLEDCount <= 0 {
		missing = append(missing, "PHYSICAL_LED_COUNT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config_error: missing required settings: %s", strings.Join(missing, ", "))
	}
	if c.Geometry.Top+c.Geometry.Right+c.Geometry.Bottom+c.Geometry.Left == 0 {
		return fmt.Errorf("config_error: at least one of LEDS_TOP/RIGHT/BOTTOM/LEFT must be positive")
	}
	return nil
}

// loadTargets scans the environment for WLED_TARGET_<IDENT>=host[:port]
// entries and builds the normalized-identifier target map.
func loadTargets() session.TargetMap {
	const defaultPort = 19446
	targets := make(session.TargetMap)
	var idents []string
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "WLED_TARGET_") {
			continue
		}
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		idents = append(idents, kv[:idx])
	}
	sort.Strings(idents)
	for _, key := range idents {
		ident := strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				return r
			}
			return -1
		}, strings.ToLower(strings.TrimPrefix(key, "WLED_TARGET_")))
		if ident == "" {
			continue
		}
		value := os.Getenv(key)
		host, port := value, defaultPort
		if i := strings.LastIndexByte(value, ':'); i >= 0 {
			if p, err := strconv.Atoi(value[i+1:]); err == nil {
				host, port = value[:i], p
			}
		}
		targets[ident] = udpsender.Endpoint{Host: host, Port: port}
	}
	return targets
}

func parseLEDFormat(s string) ledframe.Format {
	if strings.EqualFold(strings.TrimSpace(s), "rgbw") {
		return ledframe.FormatRGBW
	}
	return ledframe.FormatRGB
}

func parseCatchupMode(s string) engine.CatchupMode {
	if strings.EqualFold(strings.TrimSpace(s), "burst") {
		return engine.CatchupBurst
	}
	return engine.CatchupLastOnly
}

// parseFPS returns 0 for "auto" (the probe-and-clamp path), or the
// parsed literal value.
func parseFPS(s string) float64 {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "auto" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDurationDays(key string, defaultDays int) time.Duration {
	days := getEnvInt(key, defaultDays)
	if days <= 0 {
		return 0
	}
	return time.Duration(days) * 24 * time.Hour
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
