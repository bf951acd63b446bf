// tunnelhost is a minimal host: it loads one tunnel source module and
// serves the monitoring API. Module arguments are given on the command
// line in key=value form, e.g.
//
//	tunnelhost server=remote:4713 source=alsa-input rate=48000
//
// The listen address comes from TUNNEL_LISTEN (default :9780).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/KapTmaN/pulseaudio/internal/graph"
	"github.com/KapTmaN/pulseaudio/internal/logging"
	"github.com/KapTmaN/pulseaudio/internal/server"
	"github.com/KapTmaN/pulseaudio/modules/tunnelsource"
)

func parseModargs(argv []string) (map[string]string, error) {
	args := make(map[string]string, len(argv))
	for _, arg := range argv {
		eq := strings.IndexByte(arg, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed module argument %q, want key=value", arg)
		}
		args[arg[:eq]] = arg[eq+1:]
	}
	return args, nil
}

func main() {
	logger := logging.GetDefaultLogger()

	args, err := parseModargs(os.Args[1:])
	if err != nil {
		logger.Error().Err(err).Msg("bad command line")
		os.Exit(1)
	}

	core := graph.NewCore()
	module, err := tunnelsource.Load(core, args)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load tunnel source")
		os.Exit(1)
	}

	listen := os.Getenv("TUNNEL_LISTEN")
	if listen == "" {
		listen = ":9780"
	}
	httpServer := server.New(listen, core, module)
	httpServer.Start()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := httpServer.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("monitoring server shutdown failed")
	}
	cancel()

	module.Unload()
}
