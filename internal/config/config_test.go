package config

import (
	"os"
	"testing"
	"time"

	"github.com/ambisync/ambisync/internal/engine"
	"github.com/ambisync/ambisync/internal/ledframe"
	"github.com/ambisync/ambisync/internal/session"
)

func baseEnv() {
	os.Clearenv()
	os.Setenv("MEDIA_SERVER_URL", "http://media:8096")
	os.Setenv("MEDIA_SERVER_TOKEN", "tok")
	os.Setenv("PHYSICAL_LED_COUNT", "92")
	os.Setenv("LEDS_TOP", "30")
	os.Setenv("LEDS_RIGHT", "16")
	os.Setenv("LEDS_BOTTOM", "30")
	os.Setenv("LEDS_LEFT", "16")
}

func TestLoadRequiresMediaServerSettings(t *testing.T) {
	os.Clearenv()
	if _, err := Load(); err == nil {
		t.Fatal("expected config_error for missing required settings")
	}
}

func TestLoadRequiresLEDGeometry(t *testing.T) {
	os.Clearenv()
	os.Setenv("MEDIA_SERVER_URL", "http://media:8096")
	os.Setenv("MEDIA_SERVER_TOKEN", "tok")
	os.Setenv("PHYSICAL_LED_COUNT", "92")
	if _, err := Load(); err == nil {
		t.Fatal("expected config_error when all LED edges are zero")
	}
}

func TestLoadDefaults(t *testing.T) {
	baseEnv()
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.DataDir != "./data" {
		t.Errorf("DataDir default = %q", c.DataDir)
	}
	if c.LEDFormat != ledframe.FormatRGB {
		t.Errorf("LEDFormat default = %v", c.LEDFormat)
	}
	if c.FPS != 0 {
		t.Errorf("FPS default should be auto (0), got %v", c.FPS)
	}
	if c.DeviceMatchField != session.MatchDeviceName {
		t.Errorf("DeviceMatchField default = %v", c.DeviceMatchField)
	}
	if c.CatchupMode != engine.CatchupLastOnly {
		t.Errorf("CatchupMode default = %v", c.CatchupMode)
	}
	if c.BinariesDir() != "./data/binaries" {
		t.Errorf("BinariesDir = %q", c.BinariesDir())
	}
}

func TestLoadParsesLEDFormatRGBW(t *testing.T) {
	baseEnv()
	os.Setenv("LED_FORMAT", "rgbw")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.LEDFormat != ledframe.FormatRGBW {
		t.Errorf("LEDFormat = %v, want rgbw", c.LEDFormat)
	}
}

func TestLoadParsesExplicitFPS(t *testing.T) {
	baseEnv()
	os.Setenv("FPS", "30")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.FPS != 30 {
		t.Errorf("FPS = %v, want 30", c.FPS)
	}
}

func TestLoadParsesCatchupModeBurst(t *testing.T) {
	baseEnv()
	os.Setenv("CATCHUP_MODE", "burst")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.CatchupMode != engine.CatchupBurst {
		t.Errorf("CatchupMode = %v, want burst", c.CatchupMode)
	}
}

func TestLoadDurationFieldsAreSeconds(t *testing.T) {
	baseEnv()
	os.Setenv("SEEK_THRESHOLD_SECONDS", "3")
	os.Setenv("MAX_CATCHUP_LAG_SECONDS", "5")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.SeekThreshold != 3*time.Second {
		t.Errorf("SeekThreshold = %v", c.SeekThreshold)
	}
	if c.MaxCatchupLag != 5*time.Second {
		t.Errorf("MaxCatchupLag = %v", c.MaxCatchupLag)
	}
}

func TestLoadExtractionWindow(t *testing.T) {
	baseEnv()
	os.Setenv("EXTRACTION_WINDOW_START", "23:00")
	os.Setenv("EXTRACTION_WINDOW_END", "06:00")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ExtractionWindowStart != "23:00" || c.ExtractionWindowEnd != "06:00" {
		t.Errorf("window = %q-%q", c.ExtractionWindowStart, c.ExtractionWindowEnd)
	}
}

func TestLoadExtractionMaxAgeDays(t *testing.T) {
	baseEnv()
	os.Setenv("EXTRACTION_MAX_AGE_DAYS", "30")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ExtractionMaxAge != 30*24*time.Hour {
		t.Errorf("ExtractionMaxAge = %v", c.ExtractionMaxAge)
	}
}

func TestLoadWledTargets(t *testing.T) {
	baseEnv()
	os.Setenv("WLED_TARGET_LIVINGROOM", "10.0.0.5:19446")
	os.Setenv("WLED_TARGET_BEDROOM", "10.0.0.6")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ep, ok := c.Targets.Resolve("living room tv")
	if !ok || ep.Host != "10.0.0.5" || ep.Port != 19446 {
		t.Fatalf("livingroom target = %+v, %v", ep, ok)
	}
	ep, ok = c.Targets.Resolve("bedroom")
	if !ok || ep.Host != "10.0.0.6" || ep.Port != 19446 {
		t.Fatalf("bedroom target default port = %+v, %v", ep, ok)
	}
}

func TestLoadDeviceMatchField(t *testing.T) {
	baseEnv()
	os.Setenv("DEVICE_MATCH_FIELD", "Client")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.DeviceMatchField != session.MatchClient {
		t.Errorf("DeviceMatchField = %v", c.DeviceMatchField)
	}
}
