package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Config holds runtime parameters for the service.
// It is built once at process start and treated as read-only afterwards.
type Config struct {
	Model     ModelConfig     `json:"model" yaml:"model" toml:"model"`
	Inference InferenceConfig `json:"inference" yaml:"inference" toml:"inference"`
	Server    ServerConfig    `json:"server" yaml:"server" toml:"server"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" toml:"logging"`
	Backend   BackendConfig   `json:"backend" yaml:"backend" toml:"backend"`
	Storage   StorageConfig   `json:"storage" yaml:"storage" toml:"storage"`
	Batch     BatchConfig     `json:"batch" yaml:"batch" toml:"batch"`
	Webhooks  []WebhookConfig `json:"webhooks,omitempty" yaml:"webhooks,omitempty" toml:"webhooks,omitempty"`
}

// ModelConfig selects the model and how it is placed on devices.
// Two ModelConfig values that compare equal describe the same model handle.
type ModelConfig struct {
	Family       string `json:"family" yaml:"family" toml:"family" env:"QWEN_MODEL_FAMILY"`
	Size         string `json:"size" yaml:"size" toml:"size" env:"QWEN_MODEL_SIZE"`
	Variant      string `json:"variant" yaml:"variant" toml:"variant" env:"QWEN_MODEL_VARIANT"`
	Quantization string `json:"quantization" yaml:"quantization" toml:"quantization" env:"QWEN_QUANTIZATION"`
	DeviceMap    string `json:"device_map" yaml:"device_map" toml:"device_map" env:"QWEN_DEVICE_MAP"`
	LocalPath    string `json:"local_path,omitempty" yaml:"local_path,omitempty" toml:"local_path,omitempty" env:"QWEN_MODEL_PATH"`
}

type InferenceConfig struct {
	MaxNewTokens   int     `json:"max_new_tokens" yaml:"max_new_tokens" toml:"max_new_tokens" env:"QWEN_MAX_NEW_TOKENS"`
	MinPixels      int     `json:"min_pixels" yaml:"min_pixels" toml:"min_pixels" env:"QWEN_MIN_PIXELS"`
	MaxPixels      int     `json:"max_pixels" yaml:"max_pixels" toml:"max_pixels" env:"QWEN_MAX_PIXELS"`
	TotalPixels    int     `json:"total_pixels" yaml:"total_pixels" toml:"total_pixels" env:"QWEN_TOTAL_PIXELS"`
	Temperature    float64 `json:"temperature" yaml:"temperature" toml:"temperature" env:"QWEN_TEMPERATURE"`
	TopP           float64 `json:"top_p" yaml:"top_p" toml:"top_p" env:"QWEN_TOP_P"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds" env:"VLMD_INFER_TIMEOUT"`
}

type ServerConfig struct {
	Host             string   `json:"host" yaml:"host" toml:"host" env:"VLMD_HOST"`
	Port             int      `json:"port" yaml:"port" toml:"port" env:"VLMD_PORT"`
	MaxFileSizeMB    int      `json:"max_file_size_mb" yaml:"max_file_size_mb" toml:"max_file_size_mb" env:"MAX_FILE_SIZE_MB"`
	MaxVideoSizeMB   int      `json:"max_video_size_mb" yaml:"max_video_size_mb" toml:"max_video_size_mb" env:"MAX_VIDEO_SIZE_MB"`
	MaxQueueDepth    int      `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth" env:"VLMD_MAX_QUEUE_DEPTH"`
	QueueWaitSeconds int      `json:"queue_wait_seconds" yaml:"queue_wait_seconds" toml:"queue_wait_seconds" env:"VLMD_QUEUE_WAIT"`
	MaxPages         int      `json:"max_pages" yaml:"max_pages" toml:"max_pages" env:"VLMD_MAX_PAGES"`
	CORSEnabled      bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled" env:"VLMD_CORS_ENABLED"`
	CORSOrigins      []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty" toml:"cors_origins,omitempty" env:"VLMD_CORS_ORIGINS" envSeparator:","`
}

// Addr returns host:port for net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level    string `json:"level" yaml:"level" toml:"level" env:"LOG_LEVEL"`
	Format   string `json:"format" yaml:"format" toml:"format" env:"LOG_FORMAT"`
	FilePath string `json:"file_path,omitempty" yaml:"file_path,omitempty" toml:"file_path,omitempty" env:"LOG_FILE_PATH"`
}

// BackendConfig selects the inference adapter and its connection details.
type BackendConfig struct {
	Mode        string   `json:"mode" yaml:"mode" toml:"mode" env:"VLMD_BACKEND"`
	BaseURL     string   `json:"base_url" yaml:"base_url" toml:"base_url" env:"VLMD_BACKEND_URL"`
	APIKey      string   `json:"api_key,omitempty" yaml:"api_key,omitempty" toml:"api_key,omitempty" env:"VLMD_BACKEND_API_KEY"`
	ServedModel string   `json:"served_model,omitempty" yaml:"served_model,omitempty" toml:"served_model,omitempty" env:"VLMD_SERVED_MODEL"`
	Bin         string   `json:"bin" yaml:"bin" toml:"bin" env:"VLMD_SPAWN_BIN"`
	ExtraArgs   []string `json:"extra_args,omitempty" yaml:"extra_args,omitempty" toml:"extra_args,omitempty" env:"VLMD_SPAWN_ARGS" envSeparator:" "`
	Host        string   `json:"host" yaml:"host" toml:"host" env:"VLMD_SPAWN_HOST"`
	PortRange   string   `json:"port_range,omitempty" yaml:"port_range,omitempty" toml:"port_range,omitempty" env:"VLMD_SPAWN_PORTS"`
	ContextSize int      `json:"context_size" yaml:"context_size" toml:"context_size" env:"VLMD_LLAMA_CTX"`
	Threads     int      `json:"threads" yaml:"threads" toml:"threads" env:"VLMD_LLAMA_THREADS"`
	GPULayers   int      `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers" env:"VLMD_GPU_LAYERS"`
}

type StorageConfig struct {
	S3Endpoint  string `json:"s3_endpoint,omitempty" yaml:"s3_endpoint,omitempty" toml:"s3_endpoint,omitempty" env:"S3_ENDPOINT_URL"`
	S3Region    string `json:"s3_region" yaml:"s3_region" toml:"s3_region" env:"AWS_REGION"`
	S3AccessKey string `json:"s3_access_key,omitempty" yaml:"s3_access_key,omitempty" toml:"s3_access_key,omitempty" env:"AWS_ACCESS_KEY_ID"`
	S3SecretKey string `json:"s3_secret_key,omitempty" yaml:"s3_secret_key,omitempty" toml:"s3_secret_key,omitempty" env:"AWS_SECRET_ACCESS_KEY"`
	TempDir     string `json:"temp_dir,omitempty" yaml:"temp_dir,omitempty" toml:"temp_dir,omitempty" env:"VLMD_TEMP_DIR"`
}

type BatchConfig struct {
	Workers int `json:"workers" yaml:"workers" toml:"workers" env:"VLMD_BATCH_WORKERS"`
}

// WebhookConfig registers one webhook endpoint. Events empty means all events.
type WebhookConfig struct {
	ID             string   `json:"id" yaml:"id" toml:"id"`
	URL            string   `json:"url" yaml:"url" toml:"url"`
	Events         []string `json:"events,omitempty" yaml:"events,omitempty" toml:"events,omitempty"`
	Secret         string   `json:"secret,omitempty" yaml:"secret,omitempty" toml:"secret,omitempty"`
	RetryCount     int      `json:"retry_count" yaml:"retry_count" toml:"retry_count"`
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`

	// Delay before retry n is n*RetryDelaySeconds.
	RetryDelaySeconds int               `json:"retry_delay_seconds" yaml:"retry_delay_seconds" toml:"retry_delay_seconds"`
	Headers           map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`
	Active            *bool             `json:"active,omitempty" yaml:"active,omitempty" toml:"active,omitempty"`
}

// IsActive reports whether deliveries should be attempted.
func (w WebhookConfig) IsActive() bool {
	return w.Active == nil || *w.Active
}

const (
	FamilyQwen25 = "qwen2.5"
	FamilyQwen3  = "qwen3"

	BackendServer = "server"
	BackendSpawn  = "spawn"
	BackendLlama  = "llama"
)

var (
	sizesByFamily = map[string][]string{
		FamilyQwen25: {"3B", "7B", "72B"},
		FamilyQwen3:  {"2B", "4B", "8B"},
	}
	variants       = []string{"instruct", "thinking"}
	quantizations  = []string{"none", "4bit", "8bit"}
	fixedDeviceMap = []string{"auto", "cpu", "cuda", "balanced", "sequential"}
	logLevels      = []string{"debug", "info", "warn", "error"}
	logFormats     = []string{"json", "text"}
	backendModes   = []string{BackendServer, BackendSpawn, BackendLlama}

	cudaIndexRe = regexp.MustCompile(`^cuda:\d+$`)

	// Base VRAM in GB for fp16 weights, scaled by quantization below.
	baseVRAMGB = map[string]float64{
		"2B": 4, "3B": 6, "4B": 8, "7B": 14, "8B": 16, "72B": 144,
	}
	quantMultiplier = map[string]float64{
		"none": 2, "8bit": 1.5, "4bit": 1,
	}
)

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Model: ModelConfig{
			Family:       FamilyQwen25,
			Size:         "7B",
			Variant:      "instruct",
			Quantization: "4bit",
			DeviceMap:    "auto",
		},
		Inference: InferenceConfig{
			MaxNewTokens:   4096,
			MinPixels:      512 * 28 * 28,
			MaxPixels:      2048 * 28 * 28,
			TotalPixels:    20480 * 28 * 28,
			Temperature:    0.7,
			TopP:           0.9,
			TimeoutSeconds: 300,
		},
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             7860,
			MaxFileSizeMB:    20,
			MaxVideoSizeMB:   100,
			MaxQueueDepth:    32,
			QueueWaitSeconds: 30,
			MaxPages:         50,
			CORSOrigins:      []string{"*"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Backend: BackendConfig{
			Mode:        BackendServer,
			BaseURL:     "http://127.0.0.1:8000/v1",
			Bin:         "llama-server",
			Host:        "127.0.0.1",
			ContextSize: 4096,
			Threads:     4,
		},
		Storage: StorageConfig{S3Region: "us-east-1"},
		Batch:   BatchConfig{Workers: 2},
	}
}

// ModelID returns the local weights path when set, otherwise the hub identifier.
func (m ModelConfig) ModelID() string {
	if m.LocalPath != "" {
		return m.LocalPath
	}
	if m.Family == FamilyQwen3 {
		suffix := "Instruct"
		if m.Variant == "thinking" {
			suffix = "Thinking"
		}
		return fmt.Sprintf("Qwen/Qwen3-VL-%s-%s", m.Size, suffix)
	}
	return fmt.Sprintf("Qwen/Qwen2.5-VL-%s-Instruct", m.Size)
}

// EstimatedVRAMGB is a rough footprint in GB; unknown sizes count as 8 GB.
func (m ModelConfig) EstimatedVRAMGB() float64 {
	base, ok := baseVRAMGB[m.Size]
	if !ok {
		base = 8
	}
	mult, ok := quantMultiplier[m.Quantization]
	if !ok {
		mult = 1
	}
	return base * mult
}

// ValidSizes lists the sizes offered for a family.
func ValidSizes(family string) []string {
	return append([]string(nil), sizesByFamily[family]...)
}

// Validate rejects values outside the enumerated options.
func (c Config) Validate() error {
	var errs []string
	sizes, ok := sizesByFamily[c.Model.Family]
	if !ok {
		errs = append(errs, fmt.Sprintf("model.family %q must be one of qwen2.5, qwen3", c.Model.Family))
	} else if !contains(sizes, c.Model.Size) {
		errs = append(errs, fmt.Sprintf("model.size %q not available for %s (valid: %s)", c.Model.Size, c.Model.Family, strings.Join(sizes, ", ")))
	}
	if !contains(variants, c.Model.Variant) {
		errs = append(errs, fmt.Sprintf("model.variant %q must be one of %s", c.Model.Variant, strings.Join(variants, ", ")))
	} else if c.Model.Variant == "thinking" && c.Model.Family != FamilyQwen3 {
		errs = append(errs, "model.variant thinking requires family qwen3")
	}
	if !contains(quantizations, c.Model.Quantization) {
		errs = append(errs, fmt.Sprintf("model.quantization %q must be one of %s", c.Model.Quantization, strings.Join(quantizations, ", ")))
	}
	if !contains(fixedDeviceMap, c.Model.DeviceMap) && !cudaIndexRe.MatchString(c.Model.DeviceMap) {
		errs = append(errs, fmt.Sprintf("model.device_map %q is not supported", c.Model.DeviceMap))
	}
	if c.Inference.MaxNewTokens <= 0 {
		errs = append(errs, "inference.max_new_tokens must be positive")
	}
	if c.Inference.MinPixels <= 0 || c.Inference.MaxPixels < c.Inference.MinPixels {
		errs = append(errs, "inference pixel bounds must satisfy 0 < min_pixels <= max_pixels")
	}
	if c.Inference.Temperature < 0 || c.Inference.TopP <= 0 || c.Inference.TopP > 1 {
		errs = append(errs, "inference.temperature must be >= 0 and top_p in (0,1]")
	}
	if c.Inference.TimeoutSeconds < 0 {
		errs = append(errs, "inference.timeout_seconds must be >= 0")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxFileSizeMB <= 0 || c.Server.MaxVideoSizeMB <= 0 {
		errs = append(errs, "server size limits must be positive")
	}
	if c.Server.MaxPages < 0 {
		errs = append(errs, "server.max_pages must be >= 0")
	}
	if c.Server.MaxQueueDepth <= 0 || c.Server.QueueWaitSeconds <= 0 {
		errs = append(errs, "server.max_queue_depth and server.queue_wait_seconds must be positive")
	}
	if !contains(logLevels, strings.ToLower(c.Logging.Level)) {
		errs = append(errs, fmt.Sprintf("logging.level %q must be one of %s", c.Logging.Level, strings.Join(logLevels, ", ")))
	}
	if !contains(logFormats, strings.ToLower(c.Logging.Format)) {
		errs = append(errs, fmt.Sprintf("logging.format %q must be one of %s", c.Logging.Format, strings.Join(logFormats, ", ")))
	}
	if !contains(backendModes, c.Backend.Mode) {
		errs = append(errs, fmt.Sprintf("backend.mode %q must be one of %s", c.Backend.Mode, strings.Join(backendModes, ", ")))
	}
	if c.Backend.Mode == BackendServer && c.Backend.BaseURL == "" {
		errs = append(errs, "backend.base_url is required in server mode")
	}
	if (c.Backend.Mode == BackendSpawn || c.Backend.Mode == BackendLlama) && c.Model.LocalPath == "" {
		errs = append(errs, fmt.Sprintf("model.local_path is required in %s mode", c.Backend.Mode))
	}
	if _, _, err := c.Backend.Ports(); err != nil {
		errs = append(errs, "backend.port_range: "+err.Error())
	}
	if c.Batch.Workers <= 0 {
		errs = append(errs, "batch.workers must be positive")
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			errs = append(errs, fmt.Sprintf("webhooks[%d].url is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Ports parses PortRange ("31000-31010"). Zero values mean any free port.
func (b BackendConfig) Ports() (start, end int, err error) {
	r := strings.TrimSpace(b.PortRange)
	if r == "" {
		return 0, 0, nil
	}
	lo, hi, ok := strings.Cut(r, "-")
	if !ok {
		hi = lo
	}
	if start, err = strconv.Atoi(strings.TrimSpace(lo)); err != nil {
		return 0, 0, fmt.Errorf("bad start %q", lo)
	}
	if end, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
		return 0, 0, fmt.Errorf("bad end %q", hi)
	}
	if start <= 0 || end > 65535 || end < start {
		return 0, 0, fmt.Errorf("range %d-%d is invalid", start, end)
	}
	return start, end, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
