package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Artifacts      ArtifactsConfig      `mapstructure:"artifacts"`
	Preprocess     PreprocessConfig     `mapstructure:"preprocess"`
	Segmentation   SegmentationConfig   `mapstructure:"segmentation"`
	Reconstruction ReconstructionConfig `mapstructure:"reconstruction"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port          string        `mapstructure:"port"`
	Mode          string        `mapstructure:"mode"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	MaxUploadSize int64         `mapstructure:"max_upload_size"`
}

type ArtifactsConfig struct {
	TempDir string `mapstructure:"temp_dir"`
}

type PreprocessConfig struct {
	ForegroundRatio float64 `mapstructure:"foreground_ratio"`
	CanvasSize      int     `mapstructure:"canvas_size"`
	MaxPixels       int     `mapstructure:"max_pixels"` // 解码前按图片头拒绝
}

type SegmentationConfig struct {
	Backend    string        `mapstructure:"backend"` // rembg, grabcut
	RembgURL   string        `mapstructure:"rembg_url"`
	RembgModel string        `mapstructure:"rembg_model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	GrabCut    GrabCutConfig `mapstructure:"grabcut"`
}

type GrabCutConfig struct {
	Iterations int `mapstructure:"iterations"`
	BorderSize int `mapstructure:"border_size"`
	MaxSide    int `mapstructure:"max_side"`
}

type ReconstructionConfig struct {
	URL          string        `mapstructure:"url"`
	Repo         string        `mapstructure:"repo"`
	ConfigName   string        `mapstructure:"config_name"`
	WeightName   string        `mapstructure:"weight_name"`
	Device       string        `mapstructure:"device"` // auto, cpu, cuda:0 ...
	Resolution   int           `mapstructure:"resolution"`
	VertexColor  bool          `mapstructure:"vertex_color"`
	Timeout      time.Duration `mapstructure:"timeout"`
	QueueTimeout time.Duration `mapstructure:"queue_timeout"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LeaseKey string        `mapstructure:"lease_key"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// Load 从 YAML 文件加载配置
func Load(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return unmarshal(v)
}

// DefaultPath 默认配置文件
const DefaultPath = "config.yaml"

// New 从默认路径加载配置
func New() (*Config, error) {
	return NewFrom(DefaultPath)
}

// NewFrom 文件不存在时只使用默认值与环境变量；文件存在但无效时返回错误
func NewFrom(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return unmarshal(newViper())
	}
	return Load(path)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验不能由默认值兜底的字段
func (c *Config) Validate() error {
	if c.Preprocess.ForegroundRatio <= 0 || c.Preprocess.ForegroundRatio > 1 {
		return fmt.Errorf("preprocess.foreground_ratio must be in (0, 1], got %v", c.Preprocess.ForegroundRatio)
	}
	if c.Preprocess.CanvasSize <= 0 {
		return fmt.Errorf("preprocess.canvas_size must be positive, got %d", c.Preprocess.CanvasSize)
	}
	if c.Preprocess.MaxPixels <= 0 {
		return fmt.Errorf("preprocess.max_pixels must be positive, got %d", c.Preprocess.MaxPixels)
	}
	if c.Reconstruction.Resolution <= 0 {
		return fmt.Errorf("reconstruction.resolution must be positive, got %d", c.Reconstruction.Resolution)
	}
	if c.Redis.Enabled && c.Redis.LeaseTTL <= 0 {
		return fmt.Errorf("redis.lease_ttl must be positive, got %v", c.Redis.LeaseTTL)
	}
	switch c.Segmentation.Backend {
	case "rembg", "grabcut":
	default:
		return fmt.Errorf("unknown segmentation.backend %q", c.Segmentation.Backend)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := getDefaultConfig()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.max_upload_size", d.Server.MaxUploadSize)

	v.SetDefault("artifacts.temp_dir", d.Artifacts.TempDir)

	v.SetDefault("preprocess.foreground_ratio", d.Preprocess.ForegroundRatio)
	v.SetDefault("preprocess.canvas_size", d.Preprocess.CanvasSize)
	v.SetDefault("preprocess.max_pixels", d.Preprocess.MaxPixels)

	v.SetDefault("segmentation.backend", d.Segmentation.Backend)
	v.SetDefault("segmentation.rembg_url", d.Segmentation.RembgURL)
	v.SetDefault("segmentation.rembg_model", d.Segmentation.RembgModel)
	v.SetDefault("segmentation.timeout", d.Segmentation.Timeout)
	v.SetDefault("segmentation.grabcut.iterations", d.Segmentation.GrabCut.Iterations)
	v.SetDefault("segmentation.grabcut.border_size", d.Segmentation.GrabCut.BorderSize)
	v.SetDefault("segmentation.grabcut.max_side", d.Segmentation.GrabCut.MaxSide)

	v.SetDefault("reconstruction.url", d.Reconstruction.URL)
	v.SetDefault("reconstruction.repo", d.Reconstruction.Repo)
	v.SetDefault("reconstruction.config_name", d.Reconstruction.ConfigName)
	v.SetDefault("reconstruction.weight_name", d.Reconstruction.WeightName)
	v.SetDefault("reconstruction.device", d.Reconstruction.Device)
	v.SetDefault("reconstruction.resolution", d.Reconstruction.Resolution)
	v.SetDefault("reconstruction.vertex_color", d.Reconstruction.VertexColor)
	v.SetDefault("reconstruction.timeout", d.Reconstruction.Timeout)
	v.SetDefault("reconstruction.queue_timeout", d.Reconstruction.QueueTimeout)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.lease_key", d.Redis.LeaseKey)
	v.SetDefault("redis.lease_ttl", d.Redis.LeaseTTL)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
}

func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          ":5000",
			Mode:          "debug",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  10 * time.Minute,
			MaxUploadSize: 20 * 1024 * 1024,
		},
		Artifacts: ArtifactsConfig{
			TempDir: os.TempDir(),
		},
		Preprocess: PreprocessConfig{
			ForegroundRatio: 0.85,
			CanvasSize:      512,
			MaxPixels:       4096 * 4096,
		},
		Segmentation: SegmentationConfig{
			Backend:    "rembg",
			RembgURL:   "http://localhost:7000",
			RembgModel: "u2net",
			Timeout:    60 * time.Second,
			GrabCut: GrabCutConfig{
				Iterations: 5,
				BorderSize: 10,
				MaxSide:    1200,
			},
		},
		Reconstruction: ReconstructionConfig{
			URL:          "http://localhost:8000",
			Repo:         "stabilityai/TripoSR",
			ConfigName:   "config.yaml",
			WeightName:   "model.ckpt",
			Device:       "auto",
			Resolution:   256,
			VertexColor:  true,
			Timeout:      5 * time.Minute,
			QueueTimeout: 2 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			LeaseKey: "image-to-3d:device",
			LeaseTTL: 10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "image_to_3d",
		},
	}
}
