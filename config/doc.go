// Package config loads and validates the dockwatch configuration.
//
// Configuration comes from JSON or YAML layers merged in order, then
// DOCKWATCH_* environment overrides. Durations may be written as Go
// duration strings or with a day suffix ("14d").
//
//	loader := config.NewLoader()
//	loader.AddLayer("dockwatch.yaml")
//	loader.AddLayer("site-override.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// # Runtime Tuning
//
// With service.sync_config set, Manager publishes the alerts and monitor
// sections to the dockwatch_config NATS KV bucket and applies edits made
// there while the service runs:
//
//	cm, err := config.OpenManager(ctx, cfg, natsClient, logger)
//	if err != nil {
//		return err
//	}
//	if err := cm.Start(ctx); err != nil {
//		return err
//	}
//	defer cm.Stop(5 * time.Second)
//
//	for update := range cm.OnChange("alerts") {
//		alerts.SetWindows(update.Config.Alerts.DefaultWindow, update.Config.Alerts.Windows)
//	}
//
// At startup the manager compares the file version with the version held
// in KV. A newer file overwrites KV; otherwise KV wins. Bump the version
// to roll out file edits to a running fleet.
//
// Accepted sections are validated against the full configuration before
// subscribers see them. Invalid edits are logged and ignored.
package config
