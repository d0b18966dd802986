package server

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// WatchConfig reloads the YAML config at path each time it is written and
// hands the result to onChange. It runs until ctx is cancelled.
//
// A reload that fails to parse is logged and skipped; the previous config
// stays active. Only settings read per request (origins, methods for CORS
// headers, message size and rate limits for new connections) take effect
// without a restart.
func WatchConfig(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create config watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return errors.Wrapf(err, "watch %s", path)
	}

	logger := log.With().Str("component", "config").Str("path", path).Logger()
	logger.Info().Msg("watching for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// editors often save via rename, which shows up as Create
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := LoadConfigFile(path)
			if err != nil {
				logger.Error().Err(err).Msg("reload failed; keeping previous config")
				continue
			}
			logger.Info().Msg("config reloaded")
			onChange(cfg)

			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("watcher error")
		}
	}
}
