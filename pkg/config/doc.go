// Package config loads and validates the imagegend configuration.
//
// Values resolve in order: built-in defaults, the YAML config file,
// environment variables, then CLI flags applied by the caller. A missing
// config file on first boot is written out with the defaults so users
// have something concrete to edit.
//
// Usage:
//
//	cfg, err := config.LoadOrInit("/data/imagegend/config.yaml")
//	if err != nil {
//	    return err
//	}
//	addr := fmt.Sprintf("%s:%d", cfg.BindHost(), cfg.Server.Port)
//
// The Watcher reloads the file when it changes on disk, so provider
// entries can be edited without restarting the server. Invalid edits are
// logged and ignored, keeping the previous configuration live.
package config
