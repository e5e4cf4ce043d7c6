package main

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/8ff/watchpost/pkg/capture"
	"github.com/8ff/watchpost/pkg/geometry"
	"github.com/8ff/watchpost/pkg/recorder"
)

//go:embed assets/*
var assetsFs embed.FS

type Config struct {
	CameraName        string               `json:"cameraName" validate:"required"`
	PrintDebug        bool                 `json:"printDebug"`
	LogFormat         string               `json:"logFormat" validate:"omitempty,oneof=console json"`
	DeviceUrl         string               `json:"deviceUrl" validate:"required"`
	StreamParamBypass capture.StreamParams `json:"streamParamBypass"`
	// Region is a path to a region file. Empty uses the default centered square.
	Region  string `json:"region"`
	HookDir string `json:"hookDir"`

	Detect    DetectConfig    `json:"detect"`
	Recording RecordingConfig `json:"recording"`
	Timelapse TimelapseConfig `json:"timelapse"`
	Events    EventsConfig    `json:"events"`
	Preview   PreviewConfig   `json:"preview"`
	Store     StoreConfig     `json:"store"`
}

type DetectConfig struct {
	ModelPath                 string  `json:"modelPath" validate:"required_without=NetworkObjectDetectServer"`
	LibPath                   string  `json:"libPath" validate:"required_without=NetworkObjectDetectServer"`
	EnableCuda                bool    `json:"enableCuda"`
	EnableCoreMl              bool    `json:"enableCoreMl"`
	NetworkObjectDetectServer string  `json:"networkObjectDetectServer" validate:"omitempty,hostname_port"`
	Resolution                int     `json:"resolution" validate:"gte=32"`
	TargetClassId             int     `json:"targetClassId" validate:"gte=0,lt=80"`
	ConfidenceMinThreshold    float32 `json:"confidenceMinThreshold" validate:"gte=0,lte=1"`
	TriggerFrames             int     `json:"triggerFrames" validate:"gte=1"`
	TriggerDistance           float64 `json:"triggerDistance" validate:"gte=0"`
}

type RecordingConfig struct {
	PrebufferFrames int    `json:"prebufferFrames" validate:"gte=1"`
	TimeoutSeconds  int    `json:"timeoutSeconds" validate:"gte=1"`
	VideoPath       string `json:"videoPath" validate:"required"`
	PhotoPath       string `json:"photoPath" validate:"required"`
	QueueDepth      int    `json:"queueDepth" validate:"gte=1"`
	WriterQueue     int    `json:"writerQueue" validate:"gte=1"`
}

type TimelapseConfig struct {
	Enabled               bool    `json:"enabled"`
	Path                  string  `json:"path" validate:"required_if=Enabled true"`
	SampleIntervalSeconds float64 `json:"sampleIntervalSeconds" validate:"gt=0"`
	FPS                   float64 `json:"fps" validate:"gt=0"`
}

type EventsConfig struct {
	Mqtt struct {
		Host  string `json:"host"`
		Port  int    `json:"port" validate:"omitempty,gte=1,lte=65535"`
		User  string `json:"user"`
		Pass  string `json:"pass"`
		Topic string `json:"topic" validate:"required_with=Host"`
	} `json:"mqtt"`
	Slack struct {
		Url string `json:"url" validate:"omitempty,url"`
	} `json:"slack"`
	WebhookUrl string `json:"webhookUrl" validate:"omitempty,url"`
}

type PreviewConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr" validate:"required_if=Enabled true"`
	MaxWidth int    `json:"maxWidth" validate:"gte=0"`
}

type StoreConfig struct {
	Path string `json:"path"`
}

func defaultConfig() Config {
	return Config{
		LogFormat: "console",
		Detect: DetectConfig{
			Resolution:             640,
			TargetClassId:          0,
			ConfidenceMinThreshold: 0.6,
			TriggerFrames:          1,
		},
		Recording: RecordingConfig{
			PrebufferFrames: 150,
			TimeoutSeconds:  30,
			QueueDepth:      4,
			WriterQueue:     512,
		},
		Timelapse: TimelapseConfig{
			SampleIntervalSeconds: 1,
			FPS:                   1.5,
		},
		Preview: PreviewConfig{Addr: ":8040"},
	}
}

// parseConfig decodes data over the defaults and validates the result.
func parseConfig(data []byte) (Config, error) {
	config := defaultConfig()
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if config.Events.Mqtt.Host != "" && config.Events.Mqtt.Port == 0 {
		config.Events.Mqtt.Port = 1883
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return Config{}, fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func readConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

// checkDirs makes sure every capture directory exists before anything is recorded.
func (c Config) checkDirs() error {
	dirs := []string{c.Recording.VideoPath, c.Recording.PhotoPath}
	if c.Timelapse.Enabled {
		dirs = append(dirs, c.Timelapse.Path)
	}
	for _, dir := range dirs {
		fi, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("capture directory: %w", err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("capture directory %s is not a directory", dir)
		}
	}
	return nil
}

// loadRegion reads the region file. A malformed file is an error, never the default.
func (c Config) loadRegion() (geometry.Region, error) {
	if c.Region == "" {
		return geometry.Region{}, nil
	}
	return geometry.ReadRegionFile(c.Region)
}

func (c Config) recorderConfig(region geometry.Region) recorder.Config {
	rc := recorder.DefaultConfig()
	rc.TargetClass = c.Detect.TargetClassId
	rc.MinConfidence = c.Detect.ConfidenceMinThreshold
	rc.Region = region
	rc.Timeout = time.Duration(c.Recording.TimeoutSeconds) * time.Second
	rc.TriggerFrames = c.Detect.TriggerFrames
	rc.TriggerDistance = c.Detect.TriggerDistance
	return rc
}

func (c Config) logBanner(log *zerolog.Logger) {
	log.Info().Msg("******************** CONFIG ********************")
	log.Info().Msgf("Camera Name: %s", c.CameraName)
	log.Info().Msgf("Print Debug: %t", c.PrintDebug)
	log.Info().Msgf("Device URL: %s", c.DeviceUrl)
	log.Info().Msgf("Param Bypass: Res: %dx%d FPS: %.2f", c.StreamParamBypass.Width, c.StreamParamBypass.Height, c.StreamParamBypass.FPS)
	log.Info().Msgf("Region: %s", orDefault(c.Region, "default square"))
	log.Info().Msgf("Hook Dir: %s", orDefault(c.HookDir, "none"))
	log.Info().Msgf("Detect Model: %s", c.Detect.ModelPath)
	log.Info().Msgf("Detect Network Object Detect Server: %s", c.Detect.NetworkObjectDetectServer)
	log.Info().Msgf("Detect Resolution: %d", c.Detect.Resolution)
	log.Info().Msgf("Detect Target Class: %d", c.Detect.TargetClassId)
	log.Info().Msgf("Detect Min Threshold: %f", c.Detect.ConfidenceMinThreshold)
	log.Info().Msgf("Detect Trigger: %d frames, %.1f px", c.Detect.TriggerFrames, c.Detect.TriggerDistance)
	log.Info().Msgf("Recording Prebuffer Frames: %d", c.Recording.PrebufferFrames)
	log.Info().Msgf("Recording Timeout: %ds", c.Recording.TimeoutSeconds)
	log.Info().Msgf("Recording Video Path: %s", c.Recording.VideoPath)
	log.Info().Msgf("Recording Photo Path: %s", c.Recording.PhotoPath)
	log.Info().Msgf("Timelapse Enabled: %t", c.Timelapse.Enabled)
	if c.Timelapse.Enabled {
		log.Info().Msgf("Timelapse Path: %s", c.Timelapse.Path)
		log.Info().Msgf("Timelapse Sample Interval: %.2fs @ %.2f fps", c.Timelapse.SampleIntervalSeconds, c.Timelapse.FPS)
	}
	log.Info().Msgf("Preview Enabled: %t", c.Preview.Enabled)
	if c.Preview.Enabled {
		log.Info().Msgf("Preview Address: %s", c.Preview.Addr)
	}
	log.Info().Msgf("Store Path: %s", orDefault(c.Store.Path, "none"))
	log.Info().Msg("************* EVENTS CONFIG *************")
	log.Info().Msgf("Events MQTT Host: %s", c.Events.Mqtt.Host)
	log.Info().Msgf("Events MQTT Port: %d", c.Events.Mqtt.Port)
	log.Info().Msgf("Events MQTT Topic: %s", c.Events.Mqtt.Topic)
	log.Info().Msgf("Events Slack URL: %s", c.Events.Slack.Url)
	log.Info().Msgf("Events Webhook URL: %s", c.Events.WebhookUrl)
	log.Info().Msg("************************************************")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// printTemplateFile prints the embedded template.json.
func printTemplateFile() error {
	fileBytes, err := assetsFs.ReadFile("assets/template.json")
	if err != nil {
		return fmt.Errorf("read template: %w", err)
	}
	fmt.Println(string(fileBytes))
	return nil
}
