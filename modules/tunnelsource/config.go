package tunnelsource

import (
	"fmt"

	"github.com/KapTmaN/pulseaudio/internal/graph"
	"github.com/KapTmaN/pulseaudio/internal/sample"
)

// validModargs is the whitelist of accepted module arguments. cookie
// and reconnect are accepted for compatibility but have no effect.
var validModargs = map[string]bool{
	"source_name":       true,
	"source_properties": true,
	"server":            true,
	"source":            true,
	"format":            true,
	"channels":          true,
	"rate":              true,
	"channel_map":       true,
	"cookie":            true, // unimplemented
	"reconnect":         true, // reconnect if server comes back again - unimplemented
}

// Config holds the validated module arguments.
type Config struct {
	Server           string
	RemoteSource     string
	SourceName       string
	SourceProperties *graph.Proplist
	Spec             sample.Spec
	Map              sample.ChannelMap
}

// parseConfig validates the module arguments against the host-wide
// defaults in core. A missing server address is fatal.
func parseConfig(core *graph.Core, args map[string]string) (*Config, error) {
	for key := range args {
		if !validModargs[key] {
			return nil, fmt.Errorf("unknown module argument %q", key)
		}
	}

	server := args["server"]
	if server == "" {
		return nil, fmt.Errorf("no server given")
	}

	spec, cmap, err := sample.ParseSpecArgs(args, core.DefaultSampleSpec, core.DefaultChannelMap)
	if err != nil {
		return nil, fmt.Errorf("invalid sample format specification or channel map: %w", err)
	}

	cfg := &Config{
		Server:       server,
		RemoteSource: args["source"],
		SourceName:   args["source_name"],
		Spec:         spec,
		Map:          cmap,
	}
	if cfg.SourceName == "" {
		cfg.SourceName = fmt.Sprintf("tunnel-source-new.%s", server)
	}

	if overlay, ok := args["source_properties"]; ok {
		props, err := graph.ParseOverlay(overlay)
		if err != nil {
			return nil, fmt.Errorf("invalid properties: %w", err)
		}
		cfg.SourceProperties = props
	}

	return cfg, nil
}
