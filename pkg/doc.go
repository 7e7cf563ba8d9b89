// Package pkg holds what every softdap package shares: the component
// logger and the sentinel errors.
//
// Logging goes through [log/slog]. Each record carries a component
// attribute so probe, client and tool output can be filtered apart:
//
//	pkg.ConfigureLogging(os.Stderr, "debug", false)
//	pkg.LogDebug(pkg.ComponentDAP, "request queued", "itf", 0, "occupancy", 3)
//
// Errors are wrapped with fmt.Errorf and matched with errors.Is:
//
//	if errors.Is(err, pkg.ErrBusy) {
//		// the endpoint already has a transfer in flight
//	}
package pkg
