package worker

import (
	"log/slog"

	"github.com/skypro1111/media-orchestrator/internal/launch"
	"github.com/skypro1111/media-orchestrator/internal/media"
)

// MediaFactory builds RTP endpoints; client mode plays the configured wavefile
func MediaFactory(logger *slog.Logger) EndpointFactory {
	return func(opts launch.Options) (Endpoint, error) {
		codec, err := media.ParseCodec(opts.Codec)
		if err != nil {
			return nil, err
		}

		cfg := media.EndpointConfig{
			LocalPort: opts.LocalPort,
			Codec:     codec,
			Send:      !opts.Server,
		}
		if cfg.Send {
			if cfg.Samples, err = media.LoadWAV(opts.Wavefile); err != nil {
				return nil, err
			}
		}

		ep, err := media.NewUDPEndpoint(cfg, logger)
		if err != nil {
			return nil, err
		}
		return ep, nil
	}
}
