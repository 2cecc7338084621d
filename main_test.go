package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	err    error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunValidate() error           { return m.mark("RunValidate") }
func (m *mockApp) RunCalibration() error        { return m.mark("RunCalibration") }
func (m *mockApp) RunRender() error             { return m.mark("RunRender") }
func (m *mockApp) RunRegister() error           { return m.mark("RunRegister") }
func (m *mockApp) RunService() error            { return m.mark("RunService") }

func (m *mockApp) mark(name string) error {
	m.called[name] = true
	return m.err
}

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "DefaultRegisters",
			args:           nil,
			expectedCalled: "RunRegister",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "config.yaml", opts.ConfigFile)
				assert.Empty(t, opts.OutputDir)
				assert.False(t, opts.Verbose)
			},
		},
		{
			name:           "ExplicitRegister",
			args:           []string{"--register", "--config", "knee.yaml", "--output-dir", "/tmp/out", "--verbose"},
			expectedCalled: "RunRegister",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "knee.yaml", opts.ConfigFile)
				assert.Equal(t, "/tmp/out", opts.OutputDir)
				assert.True(t, opts.Verbose)
			},
		},
		{
			name:           "Validate",
			args:           []string{"--validate"},
			expectedCalled: "RunValidate",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.True(t, opts.ValidateOnly)
			},
		},
		{
			name:           "CalibrateLength",
			args:           []string{"--calibrate-length", "--config", "c.yaml"},
			expectedCalled: "RunCalibration",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.True(t, opts.CalibrateLength)
				assert.Equal(t, "c.yaml", opts.ConfigFile)
			},
		},
		{
			name:           "Render",
			args:           []string{"--render", "--output-dir", "renders"},
			expectedCalled: "RunRender",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.True(t, opts.RenderOnly)
				assert.Equal(t, "renders", opts.OutputDir)
			},
		},
		{
			name:           "HTTPOnly",
			args:           []string{"--http", "--http-port", "9090"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.True(t, opts.HttpMode)
				assert.False(t, opts.MqttMode)
				assert.Equal(t, 9090, opts.HttpPort)
			},
		},
		{
			name:           "MQTTOnly",
			args:           []string{"--mqtt"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.True(t, opts.MqttMode)
				assert.False(t, opts.HttpMode)
			},
		},
		{
			name:           "ServiceEnablesBoth",
			args:           []string{"--service"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.True(t, opts.ServiceMode)
				assert.True(t, opts.MqttMode)
				assert.True(t, opts.HttpMode)
				assert.Zero(t, opts.HttpPort)
			},
		},
		{
			name:           "ValidateWinsOverService",
			args:           []string{"--validate", "--service"},
			expectedCalled: "RunValidate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer

			require.NoError(t, run(tt.args, &out, app))

			assert.Contains(t, out.String(), "boneregister version: "+Version)
			assert.Len(t, app.called, 1)
			assert.True(t, app.called[tt.expectedCalled], "expected %s to be called, got %v", tt.expectedCalled, app.called)
			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer

	err := run([]string{"--no-such-flag"}, &out, app)
	assert.Error(t, err)
	assert.Empty(t, app.called)
	assert.Contains(t, out.String(), "no-such-flag")
}

func TestRun_PropagatesErrors(t *testing.T) {
	app := newMockApp()
	app.err = errors.New("boom")

	err := run([]string{"--validate"}, &bytes.Buffer{}, app)
	assert.EqualError(t, err, "boom")
}
