package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kwv/boneregister/mesh"
	"github.com/kwv/boneregister/register"
)

const defaultHTTPPort = 8080

// progressCache keeps the last finished run for /status across restarts
const progressCache = ".progress-cache.json"

// App encapsulates the application state and dependencies
type App struct {
	Config       *register.Config
	BaseDir      string
	Session      *register.Session
	StateTracker *register.StateTracker
	MQTTClient   *register.MQTTClient
	Publisher    *register.ProgressPublisher

	out io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile string
	OutputDir  string
	Verbose    bool
	HttpPort   int
	MqttMode   bool
	HttpMode   bool
}

// NewApp creates a new App writing user output to out
func NewApp(out io.Writer) *App {
	return &App{
		StateTracker: register.NewStateTracker(),
		out:          out,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.OutputDir = opts.OutputDir
	a.Verbose = opts.Verbose
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// loadConfig reads the config file and applies the command line overrides.
// Relative paths in the config resolve against its directory.
func (a *App) loadConfig() error {
	cfg, err := register.LoadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", a.ConfigFile, err)
	}
	if a.Verbose {
		cfg.Verbose = true
	}
	if a.OutputDir != "" {
		dir, err := filepath.Abs(a.OutputDir)
		if err != nil {
			return err
		}
		redirect := func(p *string) {
			if *p != "" && !filepath.IsAbs(*p) {
				*p = filepath.Join(dir, *p)
			}
		}
		redirect(&cfg.Output.Poses)
		redirect(&cfg.Output.Measurement)
		redirect(&cfg.Output.STL)
		redirect(&cfg.Output.ImagesPath)
	}
	a.Config = cfg
	a.BaseDir = filepath.Dir(a.ConfigFile)
	log.Printf("Loaded config from %s", a.ConfigFile)
	return nil
}

func (a *App) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.BaseDir, p)
}

// RunValidate checks the config and that the model loads
func (a *App) RunValidate() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	cfg := a.Config
	m, shape, err := mesh.LoadModel(a.resolve(cfg.Model))
	if err != nil {
		return err
	}
	for i, ic := range cfg.Images {
		if _, err := os.Stat(a.resolve(ic.Path)); err != nil {
			return fmt.Errorf("image %d: %w", i, err)
		}
	}

	fmt.Fprintf(a.out, "Config OK: %s\n", a.ConfigFile)
	fmt.Fprintf(a.out, "  method:     %s\n", cfg.Method)
	fmt.Fprintf(a.out, "  fragments:  %d x %d views\n", cfg.Fragments, cfg.Views)
	fmt.Fprintf(a.out, "  model:      %d vertices, %d triangles, %d shape components\n",
		m.NumVertices(), len(m.Triangles), shape.Len())
	for i, ic := range cfg.Images {
		w, h := ic.Perspective.DetectorSize(cfg.PixelSpacing)
		fmt.Fprintf(a.out, "  image %d:    %s (%dx%d detector)\n", i, ic.Path, w, h)
	}
	return nil
}

// RunCalibration recomputes the shape length calibration and overwrites
// the cache.
func (a *App) RunCalibration() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	cfg := a.Config
	if cfg.Length.Estimated <= 0 {
		return errors.New("length.estimated must be set to calibrate")
	}
	_, shape, err := mesh.LoadModel(a.resolve(cfg.Model))
	if err != nil {
		return err
	}

	cal, err := mesh.CalibrateLength(shape, cfg.Length.Estimated)
	if err != nil {
		return err
	}
	cal.Model = cfg.Model

	cachePath := cfg.Length.CachePath
	if cachePath == "" {
		cachePath = mesh.DefaultCalibrationCachePath
	}
	cachePath = a.resolve(cachePath)
	if err := mesh.SaveCalibration(cachePath, cal); err != nil {
		return fmt.Errorf("failed to save calibration: %w", err)
	}

	fmt.Fprintln(a.out, "\nLength Calibration")
	fmt.Fprintln(a.out, "==================")
	fmt.Fprintf(a.out, "  mean length:      %.2f mm\n", cal.MeanLength)
	fmt.Fprintf(a.out, "  +1 sd length:     %.2f mm\n", cal.SD1Length)
	fmt.Fprintf(a.out, "  estimated:        %.2f mm\n", cal.Estimated)
	fmt.Fprintf(a.out, "  first parameter:  %.4f sd (%.4f)\n", cal.ParamStd, cal.Param)
	fmt.Fprintf(a.out, "Saved to %s\n", cachePath)
	return nil
}

// RunRender draws every view at its start pose over its reference, as PNG
// overlays and SVG silhouettes.
func (a *App) RunRender() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	session, err := register.NewSession(a.Config, a.BaseDir)
	if err != nil {
		return err
	}
	a.Session = session

	dir := a.OutputDir
	if dir == "" {
		dir = a.BaseDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for i, img := range session.Engine.Images() {
		overlay := register.Overlay(session.References[i], img, fmt.Sprintf("view %d", i))
		pngPath := filepath.Join(dir, fmt.Sprintf("render_%d.png", i))
		if err := register.SavePNG(pngPath, overlay); err != nil {
			return err
		}

		svgPath := filepath.Join(dir, fmt.Sprintf("render_%d.svg", i))
		f, err := os.Create(svgPath)
		if err != nil {
			return err
		}
		err = session.Renderers[i].WriteSVG(f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("writing %s: %w", svgPath, err)
		}
		fmt.Fprintf(a.out, "Saved %s and %s\n", pngPath, svgPath)
	}
	return nil
}

// RunRegister runs the registration until it finishes or is interrupted
func (a *App) RunRegister() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.register(ctx)
}

// register builds the session, runs the pipeline and writes the outputs.
// Progress goes to the state tracker and, when connected, over MQTT.
func (a *App) register(ctx context.Context) error {
	cfg := a.Config
	session, err := register.NewSession(cfg, a.BaseDir)
	if err != nil {
		return err
	}
	a.Session = session

	counter := register.NewDefaultObserver(cfg.Verbose)
	if cfg.Output.SaveImages {
		counter.SaveImages(a.resolve(cfg.Output.ImagesPath), session.References)
	}
	observers := register.MultiObserver{counter, a.StateTracker}
	if a.Publisher != nil {
		observers = append(observers, a.Publisher)
	}
	if a.HttpMode {
		a.StateTracker.KeepImages(session.References)
	}
	session.Engine.SetObserver(observers)

	pipeline := register.NewPipeline(session.Engine, counter, cfg)
	pipeline.OnStage = func(name string) {
		log.Printf("[REGISTER] starting stage %s", name)
		a.StateTracker.StartStage(name)
		a.publishState(name, true, nil)
	}

	started := time.Now()
	stages, err := pipeline.Run(ctx)
	a.StateTracker.Finish(err)
	last := ""
	if len(stages) > 0 {
		last = stages[len(stages)-1].Name
	}
	a.publishState(last, false, err)
	if err != nil {
		return err
	}

	fmt.Fprintln(a.out, "\nRegistration")
	fmt.Fprintln(a.out, "============")
	for _, s := range stages {
		fmt.Fprintf(a.out, "  %-22s iterations: %3d  images: %5d  objective: %g  (%s)\n",
			s.Name, s.Iterations, s.Images, s.Result.Objective, s.Result.Reason)
	}
	fmt.Fprintf(a.out, "  total time: %s\n", time.Since(started).Round(time.Millisecond))
	poses := session.Engine.Poses()
	for i, p := range poses {
		fmt.Fprintf(a.out, "  fragment %d: rotation %.3f %.3f %.3f  translation %.2f %.2f %.2f\n", i,
			p.Rotation.X, p.Rotation.Y, p.Rotation.Z, p.Translation.X, p.Translation.Y, p.Translation.Z)
	}
	if len(poses) > 1 {
		r, t := session.Engine.MeanRotation(), session.Engine.MeanTranslation()
		fmt.Fprintf(a.out, "  mean:       rotation %.3f %.3f %.3f  translation %.2f %.2f %.2f\n",
			r.X, r.Y, r.Z, t.X, t.Y, t.Z)
	}

	return session.WriteOutputs(counter, stages)
}

func (a *App) publishState(stage string, running bool, runErr error) {
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishState(stage, running, runErr); err != nil {
		log.Printf("[MQTT] Error publishing state: %v", err)
	}
}

// httpPort picks the flag, then the config, then the default port
func (a *App) httpPort() int {
	if a.HttpPort > 0 {
		return a.HttpPort
	}
	if a.Config != nil && a.Config.HTTP.Port > 0 {
		return a.Config.HTTP.Port
	}
	return defaultHTTPPort
}

// RunService runs one registration with MQTT progress and/or the HTTP
// status server. A stop command on the control topic cancels the run. The
// HTTP server keeps serving the result until the process is interrupted.
func (a *App) RunService() error {
	fmt.Fprintln(a.out, "Starting boneregister service...")
	if err := a.loadConfig(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.HttpMode {
		a.StateTracker = register.NewStateTrackerWithCache(a.resolve(progressCache))
	}

	if a.MqttMode {
		client, err := register.NewMQTTClient(a.Config.MQTT)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT broker not configured in config or MQTT_BROKER")
		}
		a.MQTTClient = client
		a.Publisher = register.NewProgressPublisher(client.GetClient(), client.Prefix())
		client.SetStopHandler(func() {
			log.Println("[MQTT] stop requested, cancelling registration")
			cancel()
		})
		fmt.Fprintln(a.out, "MQTT progress publisher initialized")
	}

	var server *http.Server
	if a.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.httpPort()),
			Handler:           newHTTPServer(a.StateTracker),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
			}
		}()
	}

	a.printServiceInfo()

	done := make(chan error, 1)
	go func() { done <- a.register(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case runErr = <-done:
		if runErr != nil {
			log.Printf("[REGISTER] %v", runErr)
		} else {
			log.Println("[REGISTER] finished")
		}
		if server != nil {
			fmt.Fprintln(a.out, "\nServing results, press Ctrl+C to stop")
			<-sigChan
		}
	case <-sigChan:
		cancel()
		runErr = <-done
	}

	fmt.Fprintln(a.out, "\nShutting down service...")
	if server != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(a.out, "Service stopped")
	return runErr
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.out, "\nService Running")
	fmt.Fprintln(a.out, "===============")

	if a.MQTTClient != nil {
		prefix := a.MQTTClient.Prefix()
		fmt.Fprintln(a.out, "\nMQTT:")
		fmt.Fprintf(a.out, "  Publishing to: %s/{iteration,poses,shape,state}\n", prefix)
		fmt.Fprintf(a.out, "  Control topic: %s\n", a.MQTTClient.ControlTopic())
	}

	if a.HttpMode {
		fmt.Fprintf(a.out, "\nHTTP endpoints (port %d):\n", a.httpPort())
		fmt.Fprintln(a.out, "  GET /health            - Health check")
		fmt.Fprintln(a.out, "  GET /status            - Registration progress (JSON)")
		fmt.Fprintln(a.out, "  GET /overlay.png?view=N - Latest render over its reference")
		fmt.Fprintln(a.out, "  GET /poses.xml         - Current poses")
	}
}
