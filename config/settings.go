package config

import (
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings are the economy knobs, read from ECO_* env vars.
type Settings struct {
	ResolutionBonus    int           `envconfig:"RESOLUTION_BONUS" default:"50"`
	MaxVoucherAttempts int           `envconfig:"MAX_VOUCHER_ATTEMPTS" default:"5"`
	VerifierTimeout    time.Duration `envconfig:"VERIFIER_TIMEOUT" default:"8s"`
	SyncTimeout        time.Duration `envconfig:"SYNC_TIMEOUT" default:"5s"`
	SyncURL            string        `envconfig:"SYNC_URL"`
	SyncAPIKey         string        `envconfig:"SYNC_API_KEY"`
	GeminiAPIKey       string        `envconfig:"GEMINI_API_KEY"`
	GeminiModel        string        `envconfig:"GEMINI_MODEL" default:"gemini-1.5-flash"`
	GeminiBaseURL      string        `envconfig:"GEMINI_BASE_URL" default:"https://generativelanguage.googleapis.com/v1beta"`
	HFAPIToken         string        `envconfig:"HF_API_TOKEN"`
	HFModelURL         string        `envconfig:"HF_MODEL_URL" default:"https://api-inference.huggingface.co/models/openai/clip-vit-base-patch32"`
	EvidenceBackend    string        `envconfig:"EVIDENCE_BACKEND" default:"local"`
	EvidenceDir        string        `envconfig:"EVIDENCE_DIR" default:"./uploads"`
	LeaderboardTTL     time.Duration `envconfig:"LEADERBOARD_TTL" default:"30s"`
	LeaderboardSize    int           `envconfig:"LEADERBOARD_SIZE" default:"10"`
	GeocoderURL        string        `envconfig:"GEOCODER_URL" default:"https://nominatim.openstreetmap.org"`
	GeocoderUserAgent  string        `envconfig:"GEOCODER_USER_AGENT" default:"CityConnectApp/1.0"`
	GeocoderTimeout    time.Duration `envconfig:"GEOCODER_TIMEOUT" default:"5s"`
}

var (
	settings     Settings
	settingsOnce sync.Once
	settingsErr  error
)

// LoadSettings parses ECO_* once. A parse error is returned on every call.
func LoadSettings() (Settings, error) {
	settingsOnce.Do(func() {
		settingsErr = envconfig.Process("eco", &settings)
	})
	return settings, settingsErr
}
