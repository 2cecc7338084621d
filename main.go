package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile      string
	OutputDir       string
	Verbose         bool
	ValidateOnly    bool
	CalibrateLength bool
	RenderOnly      bool
	ServiceMode     bool
	MqttMode        bool
	HttpMode        bool
	HttpPort        int
}

// Runner is what the command line dispatches to
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunValidate() error
	RunCalibration() error
	RunRender() error
	RunRegister() error
	RunService() error
}

func main() {
	err := run(os.Args[1:], os.Stdout, NewApp(os.Stdout))
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("boneregister", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to registration config (YAML)")
	fs.StringVar(&opts.OutputDir, "output-dir", "", "Directory for relative output paths (default: next to the config)")
	fs.BoolVar(&opts.Verbose, "verbose", false, "Log every iteration")
	fs.Bool("register", true, "Run the registration pipeline (default action)")
	fs.BoolVar(&opts.ValidateOnly, "validate", false, "Validate the config and model, then exit")
	fs.BoolVar(&opts.CalibrateLength, "calibrate-length", false, "Recompute the shape length calibration cache")
	fs.BoolVar(&opts.RenderOnly, "render", false, "Render the start poses over the references, then exit")
	fs.BoolVar(&opts.ServiceMode, "service", false, "Run as a service (enables -mqtt and -http)")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish progress and accept stop commands over MQTT")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve progress over HTTP")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default: config http.port, else 8080)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.ServiceMode {
		opts.MqttMode = true
		opts.HttpMode = true
	}

	fmt.Fprintf(out, "boneregister version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.ValidateOnly:
		return app.RunValidate()
	case opts.CalibrateLength:
		return app.RunCalibration()
	case opts.RenderOnly:
		return app.RunRender()
	case opts.MqttMode || opts.HttpMode:
		return app.RunService()
	default:
		return app.RunRegister()
	}
}
