package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/8ff/tuna"
	"github.com/rs/zerolog"

	"github.com/8ff/watchpost/pkg/capture"
	"github.com/8ff/watchpost/pkg/frameBuffer"
	"github.com/8ff/watchpost/pkg/logger"
	"github.com/8ff/watchpost/pkg/mediaWriter"
	"github.com/8ff/watchpost/pkg/notify"
	"github.com/8ff/watchpost/pkg/objectPredict"
	"github.com/8ff/watchpost/pkg/pipeline"
	"github.com/8ff/watchpost/pkg/preview"
	"github.com/8ff/watchpost/pkg/recorder"
	"github.com/8ff/watchpost/pkg/sessionStore"
	"github.com/8ff/watchpost/pkg/timelapse"
	"github.com/8ff/watchpost/pkg/watchpostServe"
)

var Version string

const detectorLag = 2 * time.Second

func usage() {
	fmt.Println("Usage: watchpost [configfile]")
	fmt.Println("  -t, --template, t\tPrints the template config to stdout")
	fmt.Println("  -h, --help, h\t\tPrints this help message")
	fmt.Println("  -s, --serve, s\tStarts the web server, requires: [path] [addr], optional: [db]")
	fmt.Println("  -v, --version, v\tPrints the version")
	fmt.Println("  -update, --update, update\tUpdates watchpost to the latest version")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Not enough arguments provided\n")
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "-t", "--template", "t":
		if err := printTemplateFile(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	case "-h", "--help", "h":
		usage()
		return
	case "-s", "--serve", "s":
		if len(os.Args) < 4 {
			fmt.Fprintf(os.Stderr, "Not enough arguments provided\n")
			fmt.Fprintf(os.Stderr, "Usage: watchpost -s [path] [addr] [db]\n")
			os.Exit(1)
		}
		root, addr := os.Args[2], os.Args[3]
		dbPath := filepath.Join(root, "watchpost.db")
		if len(os.Args) > 4 {
			dbPath = os.Args[4]
		}

		logger.Init(logger.Options{Level: "info"})
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := watchpostServe.Serve(ctx, root, addr, dbPath, logger.Named("serve")); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
			os.Exit(1)
		}
		return
	case "-v", "--version", "v":
		fmt.Println(Version)
		return
	case "-update", "--update", "update":
		e := tuna.SelfUpdate(fmt.Sprintf("https://github.com/8ff/watchpost/releases/download/latest/watchpost.%s.%s", runtime.GOOS, runtime.GOARCH))
		if e != nil {
			fmt.Println(e)
			os.Exit(1)
		}
		fmt.Println("Updated!")
		return
	}

	config, err := readConfig(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		os.Exit(1)
	}

	level := "info"
	if config.PrintDebug {
		level = "debug"
	}
	logger.Init(logger.Options{Level: level, Format: config.LogFormat, Camera: config.CameraName})
	log := logger.Named("main")
	config.logBanner(log)

	os.Exit(run(config, log))
}

// run wires the pipeline and blocks until SIGINT or SIGTERM. It returns the exit code.
func run(config Config, log *zerolog.Logger) int {
	region, err := config.loadRegion()
	if err != nil {
		log.Error().Err(err).Msg("Error loading region")
		return 1
	}
	if err := config.checkDirs(); err != nil {
		log.Error().Err(err).Msg("Missing capture directory")
		return 1
	}

	if err := capture.CheckFFmpegAndFFprobe(); err != nil {
		log.Error().Err(err).Msg("Unable to find ffmpeg/ffprobe binaries. Please install them")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	params, err := streamParams(ctx, config)
	if err != nil {
		log.Error().Err(err).Str("url", config.DeviceUrl).Msg("Error getting stream info")
		return 3
	}
	log.Info().Msgf("Stream: %dx%d @ %.2f fps", params.Width, params.Height, params.FPS)

	predictor, closePredictor, err := newPredictor(config)
	if err != nil {
		log.Error().Err(err).Msg("Error initializing object detection")
		return 1
	}
	defer closePredictor()

	// Event sinks
	var sinks []notify.Sink
	if config.Events.WebhookUrl != "" {
		sinks = append(sinks, &notify.Webhook{URL: config.Events.WebhookUrl})
	}
	if config.Events.Slack.Url != "" {
		sinks = append(sinks, &notify.Slack{URL: config.Events.Slack.Url})
	}
	var mq *notify.MQTT
	if config.Events.Mqtt.Host != "" {
		mq = notify.NewMQTT(notify.MQTTConfig{
			Host:     config.Events.Mqtt.Host,
			Port:     config.Events.Mqtt.Port,
			User:     config.Events.Mqtt.User,
			Pass:     config.Events.Mqtt.Pass,
			Topic:    config.Events.Mqtt.Topic,
			ClientID: "watchpost-" + config.CameraName,
		}, logger.Named("mqtt"))
		if err := mq.Connect(); err != nil {
			log.Warn().Err(err).Msg("MQTT broker not reachable yet, retrying in background")
		}
		defer mq.Disconnect()
		sinks = append(sinks, mq)
	}
	var hub *notify.Hub
	if config.Preview.Enabled {
		hub = notify.NewHub(logger.Named("websocket"))
		sinks = append(sinks, hub)
	}
	if config.Store.Path != "" {
		store, err := sessionStore.Open(config.Store.Path, logger.Named("sessionStore"))
		if err != nil {
			log.Error().Err(err).Msg("Error opening session store")
			return 1
		}
		defer store.Close()
		sinks = append(sinks, store)
	}
	// The fanout drains before the store and broker are closed.
	events := notify.NewFanout(logger.Named("events"), 256, sinks...)
	defer events.Close()

	hooks := notify.ProbeHooks(config.HookDir)
	log.Info().Bool("start", hooks.Start).Bool("end", hooks.End).Bool("rollover", hooks.Rollover).Str("dir", hooks.Dir).Msg("Hooks")
	dispatcher := notify.NewDispatcher(hooks, notify.ExecRunner, logger.Named("hooks"))
	defer dispatcher.Wait()

	// The ring also holds the frames acquired while detection catches up, so the clip
	// keeps every frame as long as the detector is at most detectorLag behind.
	lead := config.Recording.QueueDepth + int(math.Ceil(params.FPS*detectorLag.Seconds()))
	ring := frameBuffer.NewRing(config.Recording.PrebufferFrames + lead)
	rec := recorder.New(config.recorderConfig(region), ring, recorder.Options{
		Camera:      config.CameraName,
		PreRoll:     config.Recording.PrebufferFrames,
		VideoDir:    config.Recording.VideoPath,
		PhotoDir:    config.Recording.PhotoPath,
		WriterQueue: config.Recording.WriterQueue,
		NewSink:     mediaWriter.NewFFmpegFactory(params.FPS),
		Stills:      mediaWriter.JPEGStills{Quality: 90},
		Hooks:       dispatcher,
		Events:      events,
		Log:         logger.Named("recorder"),
	})

	opt := pipeline.Options{Hub: hub, Events: events, Log: logger.Named("pipeline")}
	if config.Timelapse.Enabled {
		opt.Timelapse = timelapse.New(timelapse.Config{
			Camera:         config.CameraName,
			Dir:            config.Timelapse.Path,
			SampleInterval: time.Duration(config.Timelapse.SampleIntervalSeconds * float64(time.Second)),
			WriterQueue:    config.Recording.WriterQueue,
		}, mediaWriter.NewFFmpegFactory(config.Timelapse.FPS), dispatcher, events, logger.Named("timelapse"))
	}
	if config.Preview.Enabled {
		opt.Preview = preview.New(preview.Config{
			Addr:     config.Preview.Addr,
			Region:   region,
			MaxWidth: config.Preview.MaxWidth,
		}, logger.Named("preview"))
	}

	src := capture.NewSource(capture.FFmpegFeed{URL: config.DeviceUrl}, logger.Named("capture"))
	p := pipeline.New(pipeline.Config{
		Camera:     config.CameraName,
		QueueDepth: config.Recording.QueueDepth,
	}, src, pipeline.NewDetector(predictor, config.Detect.Resolution), rec, opt)

	log.Info().Msg("Processing frames")
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Pipeline stopped")
		return 1
	}
	stats := rec.Stats()
	log.Info().
		Uint64("sessions", stats.Finished).
		Uint64("failed", stats.Failed).
		Uint64("lost", stats.Lost).
		Uint64("frames", src.Decoded()).
		Uint64("restarts", src.Restarts()).
		Msg("Shutting down")
	return 0
}

// streamParams probes the stream unless every bypass value is set.
func streamParams(ctx context.Context, config Config) (capture.StreamParams, error) {
	if !config.StreamParamBypass.IsZero() {
		return config.StreamParamBypass, nil
	}
	info, err := capture.GetStreamInfo(ctx, config.DeviceUrl)
	if err != nil {
		return capture.StreamParams{}, err
	}
	stream, ok := info.Video()
	if !ok {
		return capture.StreamParams{}, fmt.Errorf("no video stream found at %s", config.DeviceUrl)
	}
	params := stream.Params()
	if params.IsZero() {
		return capture.StreamParams{}, fmt.Errorf("incomplete stream parameters %+v", params)
	}
	return params, nil
}

// newPredictor prefers the network detection server over the local ONNX model when
// both are configured.
func newPredictor(config Config) (pipeline.Predictor, func(), error) {
	if addr := config.Detect.NetworkObjectDetectServer; addr != "" {
		c := objectPredict.NewNetClient(addr)
		return c, func() { c.Close() }, nil
	}
	c, err := objectPredict.Init(objectPredict.Config{
		ModelPath:     config.Detect.ModelPath,
		LibPath:       config.Detect.LibPath,
		Resolution:    config.Detect.Resolution,
		EnableCuda:    config.Detect.EnableCuda,
		EnableCoreMl:  config.Detect.EnableCoreMl,
		MinConfidence: config.Detect.ConfidenceMinThreshold,
	})
	if err != nil {
		return nil, nil, err
	}
	return c, func() { c.Close() }, nil
}
