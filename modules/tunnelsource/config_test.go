package tunnelsource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KapTmaN/pulseaudio/internal/graph"
	"github.com/KapTmaN/pulseaudio/internal/sample"
)

func TestParseConfig(t *testing.T) {
	core := graph.NewCore()

	tests := []struct {
		name    string
		args    map[string]string
		wantErr string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "missing server",
			args:    map[string]string{"source": "remote-in"},
			wantErr: "no server given",
		},
		{
			name:    "unknown argument",
			args:    map[string]string{"server": "remote", "sink": "oops"},
			wantErr: "unknown module argument",
		},
		{
			name: "defaults from core",
			args: map[string]string{"server": "local:9999"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "tunnel-source-new.local:9999", cfg.SourceName)
				assert.Equal(t, core.DefaultSampleSpec, cfg.Spec)
				assert.Equal(t, core.DefaultChannelMap, cfg.Map)
				assert.Empty(t, cfg.RemoteSource)
			},
		},
		{
			name: "explicit overrides",
			args: map[string]string{
				"server":      "tcp:remote:4000",
				"source":      "alsa-input",
				"source_name": "office",
				"format":      "float32le",
				"rate":        "48000",
				"channels":    "1",
				"channel_map": "mono",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "office", cfg.SourceName)
				assert.Equal(t, "alsa-input", cfg.RemoteSource)
				assert.Equal(t, sample.FormatFloat32LE, cfg.Spec.Format)
				assert.Equal(t, uint32(48000), cfg.Spec.Rate)
				assert.Equal(t, uint8(1), cfg.Spec.Channels)
			},
		},
		{
			name: "source properties overlay",
			args: map[string]string{
				"server":            "remote",
				"source_properties": "device.icon_name='audio-input' my.key=value",
			},
			check: func(t *testing.T, cfg *Config) {
				require.NotNil(t, cfg.SourceProperties)
				assert.Equal(t, "audio-input", cfg.SourceProperties.Get("device.icon_name"))
			},
		},
		{
			name: "cookie and reconnect accepted but inert",
			args: map[string]string{
				"server":    "remote",
				"cookie":    "/home/me/.config/pulse/cookie",
				"reconnect": "yes",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "remote", cfg.Server)
			},
		},
		{
			name:    "bad format",
			args:    map[string]string{"server": "remote", "format": "dsd512"},
			wantErr: "invalid sample format specification",
		},
		{
			name:    "channel map spec mismatch",
			args:    map[string]string{"server": "remote", "channel_map": "mono", "channels": "2"},
			wantErr: "invalid sample format specification",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseConfig(core, tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}
